package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's CLOSED/OPEN/HALF_OPEN machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitOpenError is returned by Breaker.Call when the breaker is
// short-circuiting calls (OPEN) or has exhausted its half-open probe
// budget. Callers treat it as retriable but know no HTTP call was
// actually attempted.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return "guard-agent: circuit breaker open: " + e.Name
}

// BreakerStats snapshots a Breaker for status/health reporting.
type BreakerStats struct {
	State               State
	ConsecutiveFailures uint32
	OpenedAt            time.Time
}

// Breaker wraps sony/gobreaker with a simpler vocabulary: a
// consecutive-failure threshold, a fixed recovery timeout, and a
// bounded number of half-open probes.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string

	mu             sync.Mutex
	openedAt       time.Time
	consecFailures uint32 // failures since the last success; survives state changes
}

// BreakerConfig configures a Breaker. Zero values fall back to
// reasonable defaults (5 consecutive failures, 60s recovery, 1
// half-open probe).
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls uint32
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	b := &Breaker{name: cfg.Name}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		// Interval 0: never reset counts on a timer while CLOSED, only on
		// a successful call (gobreaker's own behaviour) or a trip.
		Interval: 0,
		Timeout:  cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
		},
	})

	return b
}

// Call executes fn under breaker protection. If the breaker is OPEN or
// the half-open probe budget is exhausted, it returns a *CircuitOpenError
// without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &CircuitOpenError{Name: b.name}
		}
		b.mu.Lock()
		b.consecFailures++
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.consecFailures = 0
	b.mu.Unlock()
	return nil
}

func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	opened := b.openedAt
	failures := b.consecFailures
	b.mu.Unlock()
	return BreakerStats{
		State:               b.State(),
		ConsecutiveFailures: failures,
		OpenedAt:            opened,
	}
}
