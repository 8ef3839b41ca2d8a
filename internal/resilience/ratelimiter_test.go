package resilience

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAdmitsUpToLimitPerWindow(t *testing.T) {
	r := NewRateLimiter(3, time.Minute)
	fake := time.Now()
	r.now = func() time.Time { return fake }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.Acquire(ctx); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	stats := r.Stats()
	if stats.CurrentCount != 3 {
		t.Fatalf("CurrentCount = %d, want 3", stats.CurrentCount)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := r.Acquire(ctx); err == nil {
		t.Fatal("expected the 4th call within the window to block until ctx deadline")
	}
}

func TestRateLimiterRollsOverOnNewWindow(t *testing.T) {
	r := NewRateLimiter(1, time.Second)
	fake := time.Now()
	r.now = func() time.Time { return fake }

	ctx := context.Background()
	if err := r.Acquire(ctx); err != nil {
		t.Fatalf("first call: %v", err)
	}

	fake = fake.Add(2 * time.Second)
	if err := r.Acquire(ctx); err != nil {
		t.Fatalf("call after window rollover should be admitted: %v", err)
	}

	stats := r.Stats()
	if stats.CurrentCount != 1 {
		t.Fatalf("CurrentCount after rollover = %d, want 1", stats.CurrentCount)
	}
}

func TestRateLimiterAcquireRespectsContextCancellation(t *testing.T) {
	r := NewRateLimiter(1, time.Hour)
	if err := r.Acquire(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to return the cancellation error immediately")
	}
}
