package security

import (
	"errors"
	"sync"
	"time"
)

// Rate limiting errors
var (
	ErrRateLimited = errors.New("security: rate limit exceeded")
)

// Default rate-limit policy per caller identity.
const (
	DefaultMaxCalls = 100
	DefaultWindow   = 60 * time.Second
)

// RateLimiter is a per-key sliding-window counter. Each key keeps the
// ordered timestamps of its admitted calls; entries older than the window
// are pruned lazily on every check. There is no cap across keys.
type RateLimiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter admitting maxCalls per window per key.
func NewRateLimiter(maxCalls int, window time.Duration) *RateLimiter {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{
		maxCalls: maxCalls,
		window:   window,
		calls:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a call for key and reports whether it may proceed.
// A refused call is not recorded.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	history := r.calls[key]
	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	history = history[i:]

	if len(history) >= r.maxCalls {
		r.calls[key] = history
		return false
	}

	r.calls[key] = append(history, now)
	return true
}

// Reset clears the history of key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, key)
}

// SetPolicy replaces the cap and window. Existing history is kept and
// judged against the new policy on the next check.
func (r *RateLimiter) SetPolicy(maxCalls int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxCalls > 0 {
		r.maxCalls = maxCalls
	}
	if window > 0 {
		r.window = window
	}
}

// Pending returns how many calls of key are inside the current window.
func (r *RateLimiter) Pending(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	n := 0
	for _, t := range r.calls[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
