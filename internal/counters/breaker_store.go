package counters

import (
	"context"
	"errors"
	"time"

	"github.com/sbasnet/givesafe/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when the counter backend breaker is open.
// Callers treat it like any other counter failure and fail open.
var ErrCircuitOpen = errors.New("counter backend circuit open")

const breakerKey = "counters"

// BreakerStore wraps a Store with a circuit breaker so a down Redis fails
// fast instead of stalling every scoring job on connection timeouts.
type BreakerStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewBreakerStore wraps store with a circuit breaker that opens after
// threshold consecutive failures and probes again after openDuration.
func NewBreakerStore(store Store, threshold int, openDuration time.Duration) *BreakerStore {
	return &BreakerStore{
		inner:   store,
		breaker: circuitbreaker.New(threshold, openDuration),
	}
}

func (s *BreakerStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !s.breaker.Allow(breakerKey) {
		return 0, ErrCircuitOpen
	}
	n, err := s.inner.IncrWindow(ctx, key, window)
	s.record(err)
	return n, err
}

func (s *BreakerStore) AddToSet(ctx context.Context, key string, member string, window time.Duration) (int64, error) {
	if !s.breaker.Allow(breakerKey) {
		return 0, ErrCircuitOpen
	}
	n, err := s.inner.AddToSet(ctx, key, member, window)
	s.record(err)
	return n, err
}

// State exposes the breaker state for health reporting.
func (s *BreakerStore) State() circuitbreaker.State {
	return s.breaker.State(breakerKey)
}

// OnTransition registers fn to be called on breaker state changes, so the
// server can log when the counter backend trips or recovers.
func (s *BreakerStore) OnTransition(fn func(from, to circuitbreaker.State)) {
	s.breaker.OnTransition(func(_ string, from, to circuitbreaker.State) {
		fn(from, to)
	})
}

func (s *BreakerStore) record(err error) {
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return
	}
	s.breaker.RecordSuccess(breakerKey)
}
