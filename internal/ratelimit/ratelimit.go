// Package ratelimit implements the server's per-key sliding-window rate
// limiter. Requests in excess are rejected with a retry-after hint, never
// queued.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for the sliding window.
const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

// Limiter tracks request timestamps per key.
type Limiter struct {
	maxRequests int
	window      time.Duration

	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

// New builds a limiter. Non-positive arguments fall back to the defaults.
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow records a request for key and reports whether it is within the
// window. When rejected, retryAfter is the whole number of seconds until
// the oldest in-window request ages out.
func (l *Limiter) Allow(key string) (allowed bool, retryAfter int) {
	now := l.now()
	windowStart := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamps := l.requests[key]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(windowStart) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= l.maxRequests {
		l.requests[key] = pruned
		retry := int(pruned[0].Sub(windowStart).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}

	l.requests[key] = append(pruned, now)
	return true, 0
}

// Sweep drops keys with no in-window requests. Called periodically by the
// server so idle keys do not accumulate.
func (l *Limiter) Sweep() {
	windowStart := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, timestamps := range l.requests {
		live := false
		for _, ts := range timestamps {
			if ts.After(windowStart) {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, key)
		}
	}
}
