// Package action defines the unit of work Warden hands to host agents:
// a single service-control command, its audit trail, and the state
// machine governing its lifecycle.
package action

import (
	"time"
	"unicode/utf8"
)

// Kind is the service-control command an action carries.
type Kind string

const (
	KindStart   Kind = "start"
	KindStop    Kind = "stop"
	KindRestart Kind = "restart"
	KindStatus  Kind = "status"
)

// ValidKind reports whether k is one of the allow-listed commands.
func ValidKind(k Kind) bool {
	switch k {
	case KindStart, KindStop, KindRestart, KindStatus:
		return true
	}
	return false
}

// Exit code sentinels used when no real process exit code exists.
const (
	ExitCodeFailure = -1 // generic failure (validation, spawn error)
	ExitCodeTimeout = -2 // execution exceeded the configured timeout
)

// MaxMessageLen caps the human-readable result text stored on an action.
const MaxMessageLen = 2000

// Action is one queued/executed/reported service-control command and its
// audit record. Timestamps are monotonically ordered: StartedAt is set only
// on entry to running, FinishedAt only on entry to a terminal state. A
// terminal action is never mutated again.
type Action struct {
	ID             string     `json:"id"`
	HostID         string     `json:"host_id"`
	ServiceID      string     `json:"service_id"`
	Kind           Kind       `json:"kind"`
	Status         Status     `json:"status"`
	RequestedAt    time.Time  `json:"requested_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Message        string     `json:"message,omitempty"`
	RequestedBy    string     `json:"requested_by"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

// TruncateMessage caps msg at MaxMessageLen runes. Cutting on a rune
// boundary keeps the stored message valid UTF-8.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxMessageLen || utf8.RuneCountInString(msg) <= MaxMessageLen {
		return msg
	}
	r := []rune(msg)
	return string(r[:MaxMessageLen])
}
