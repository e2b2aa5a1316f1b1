// Package notify pushes action lifecycle events to external systems.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened during an action lifecycle.
type EventType string

const (
	EventActionFailed    EventType = "action_failed"
	EventActionSucceeded EventType = "action_succeeded"
	EventActionTimeout   EventType = "action_timeout"
)

// Event represents a notification event.
type Event struct {
	Type      EventType `json:"type"`
	ActionID  string    `json:"action_id"`
	HostID    string    `json:"host_id"`
	ServiceID string    `json:"service_id"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. It never returns errors;
// failures are logged but don't block the queue.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers. Errors are logged
// but never propagated; notifications must not block action processing.
func (m *Multi) Notify(ctx context.Context, event Event) {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"action", event.ActionID,
				"error", err.Error(),
			)
		}
	}
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
