// Package logging sets up the structured logger shared by the control
// plane and the agent binaries.
package logging

import (
	"log/slog"
	"os"
)

// Logger is handed to every component; it embeds slog so call sites use
// the usual Info/Warn/Error with key-value pairs.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing to stdout. JSON is the production default
// (WARDEN_LOG_JSON); text output reads better during development.
func New(jsonOutput bool) *Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if jsonOutput {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(h)}
}
