package action

import (
	"fmt"
	"sort"
	"strings"
)

// Status is an action's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Statuses lists every lifecycle state.
func Statuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed}
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// transitions is the exhaustive set of legal status transitions. The
// machine is strictly linear with one branch point: an action is claimed
// once (queued->running) and finalized once (running->succeeded|failed).
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {},
	StatusFailed:    {},
}

// Initial returns the state every new action starts in.
func Initial() Status { return StatusQueued }

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s Status) bool { return len(transitions[s]) == 0 }

// ValidTransition reports whether from -> to is a legal transition.
// Same-state no-ops are not legal.
func ValidTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionError describes an attempted illegal status transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	valid := transitions[e.From]
	if len(valid) == 0 {
		return fmt.Sprintf("invalid transition %s -> %s: %s is terminal", e.From, e.To, e.From)
	}
	names := make([]string, len(valid))
	for i, s := range valid {
		names[i] = string(s)
	}
	sort.Strings(names)
	return fmt.Sprintf("invalid transition %s -> %s: valid targets from %s are %s",
		e.From, e.To, e.From, strings.Join(names, ", "))
}

// Guard returns a *TransitionError when from -> to is not legal.
func Guard(from, to Status) error {
	if !ValidTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
