package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a fixed-window call counter: at most Limit calls are
// admitted per Window; once the window is exhausted, Acquire suspends
// the caller until it rolls over. This is deliberately not built on
// golang.org/x/time/rate: that package implements a token bucket, whose
// stats() shape (instantaneous tokens, refill rate) doesn't match the
// fixed-window contract (current_count/window_start/limit) reported
// here and exercised by the status snapshot tests. It is
// monotonic-clock based to stay correct across wall-clock adjustments.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu          sync.Mutex
	windowStart time.Time
	count       int
	now         func() time.Time
}

// NewRateLimiter constructs a fixed-window limiter. The transport's
// default is 100 calls per 60 seconds; callers needing that default can
// pass (100, 60*time.Second).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:       limit,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Acquire blocks until a call may proceed or ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.now()
		if now.Sub(r.windowStart) >= r.window {
			r.windowStart = now
			r.count = 0
		}

		if r.count < r.limit {
			r.count++
			r.mu.Unlock()
			return nil
		}

		wait := r.window - now.Sub(r.windowStart)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// loop and re-check; window has rolled over.
		}
	}
}

// Stats snapshots the limiter's current window.
type RateLimiterStats struct {
	CurrentCount int
	WindowStart  time.Time
	Limit        int
}

func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStats{
		CurrentCount: r.count,
		WindowStart:  r.windowStart,
		Limit:        r.limit,
	}
}
