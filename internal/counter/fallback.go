package counter

import (
	"context"
	"time"

	"github.com/draftforge/draftforge/internal/circuitbreaker"
	log "github.com/sirupsen/logrus"
)

// FallbackStore serves counter checks from a shared backend and degrades to a
// process-local MemoryStore when it becomes unreachable. The breaker keeps a
// dead backend from being hammered on every request, and its state
// transitions are the only place degradation is logged - once per outage,
// once on recovery, never per call.
type FallbackStore struct {
	primary Store
	local   *MemoryStore
	breaker *circuitbreaker.CircuitBreaker
}

func NewFallbackStore(primary Store, local *MemoryStore) *FallbackStore {
	f := &FallbackStore{
		primary: primary,
		local:   local,
	}

	f.breaker = circuitbreaker.New(circuitbreaker.Config{
		MaxFailures:     3,
		Timeout:         30 * time.Second,
		HalfOpenSuccess: 1,
		OnStateChange: func(from, to circuitbreaker.State) {
			switch to {
			case circuitbreaker.StateOpen:
				log.Warn("counter store: distributed backend unavailable, serving rate limits from memory")
			case circuitbreaker.StateClosed:
				log.Info("counter store: distributed backend recovered")
			}
		},
	})

	return f
}

func (f *FallbackStore) IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int) (Result, error) {
	var res Result

	err := f.breaker.Call(func() error {
		r, callErr := f.primary.IncrementAndCheck(ctx, key, window, limit)
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})

	if err != nil {
		return f.local.IncrementAndCheck(ctx, key, window, limit)
	}

	return res, nil
}

// Degraded reports whether checks are currently served from memory.
func (f *FallbackStore) Degraded() bool {
	return f.breaker.State() != circuitbreaker.StateClosed
}

// BreakerMetrics exposes breaker counters for the system status endpoint.
func (f *FallbackStore) BreakerMetrics() circuitbreaker.Metrics {
	return f.breaker.Metrics()
}
