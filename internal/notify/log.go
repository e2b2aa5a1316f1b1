package notify

import "context"

// LogNotifier writes events to the structured log. Always registered so
// every terminal action leaves a trace even with no external channels.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (n *LogNotifier) Name() string { return "log" }

// Send logs the event.
func (n *LogNotifier) Send(_ context.Context, event Event) error {
	n.log.Info("action event",
		"type", string(event.Type),
		"action", event.ActionID,
		"host", event.HostID,
		"service", event.ServiceID,
		"kind", event.Kind,
		"error", event.Error,
	)
	return nil
}
