package auth

import (
	"math"
	"sync"
	"time"
)

// RateLimiter tracks per-admin action-creation rates over a sliding
// window. It answers both "is this allowed" and "when may the caller
// retry", so the HTTP layer can emit a Retry-After hint.
type RateLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[string]*attemptWindow
	now      func() time.Time
}

type attemptWindow struct {
	count   int
	firstAt time.Time
}

// NewRateLimiter creates a limiter allowing max requests per identity
// per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string]*attemptWindow),
		now:      time.Now,
	}
}

// SetNow replaces the time source. Used by tests.
func (rl *RateLimiter) SetNow(now func() time.Time) { rl.now = now }

// Allow records an attempt for the identity and reports whether it is
// within the limit. When refused, retryAfter is the whole number of
// seconds until the window resets (at least 1).
func (rl *RateLimiter) Allow(identity string) (ok bool, retryAfter int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	a, found := rl.attempts[identity]
	if !found || now.After(a.firstAt.Add(rl.window)) {
		rl.attempts[identity] = &attemptWindow{count: 1, firstAt: now}
		return true, 0
	}

	a.count++
	if a.count > rl.max {
		remaining := a.firstAt.Add(rl.window).Sub(now)
		secs := int(math.Ceil(remaining.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}
	return true, 0
}

// Cleanup removes expired windows. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, a := range rl.attempts {
		if now.After(a.firstAt.Add(rl.window)) {
			delete(rl.attempts, id)
		}
	}
}
