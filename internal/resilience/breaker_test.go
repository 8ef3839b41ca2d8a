package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Hour})

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), failing); err == nil {
			t.Fatalf("call %d: expected failure to propagate", i)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want %v after threshold failures", b.State(), StateOpen)
	}

	var openErr *CircuitOpenError
	err := b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not be invoked while breaker is open")
		return nil
	})
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *CircuitOpenError, got %v (%T)", err, err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1})

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want %v", b.State(), StateOpen)
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe should have been let through: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("State() = %v, want %v after a successful probe", b.State(), StateClosed)
	}
}

func TestBreakerStatsReportsOpenedAt(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, RecoveryTimeout: time.Hour})
	before := time.Now()
	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	stats := b.Stats()
	if stats.State != StateOpen {
		t.Fatalf("Stats().State = %v, want %v", stats.State, StateOpen)
	}
	if stats.OpenedAt.Before(before) {
		t.Fatalf("OpenedAt = %v, want at or after %v", stats.OpenedAt, before)
	}
	if stats.ConsecutiveFailures < 1 {
		t.Fatalf("ConsecutiveFailures = %d, want >= 1", stats.ConsecutiveFailures)
	}
}
