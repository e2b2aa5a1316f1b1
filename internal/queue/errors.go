package queue

import "fmt"

// ValidationError reports bad or missing input: unknown kinds,
// out-of-range poll parameters, commands a service does not permit.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError reports a missing host, service, or action.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

// OwnershipError reports an agent touching another host's action.
type OwnershipError struct {
	Msg string
}

func (e *OwnershipError) Error() string { return e.Msg }

// RateLimitError reports a per-admin rate limit violation with a hint
// for when the caller may retry.
type RateLimitError struct {
	RetryAfter int // seconds
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", e.RetryAfter)
}
