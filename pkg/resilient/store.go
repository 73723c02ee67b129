// Package resilient wraps a store backend with retries, per-call timeouts
// and circuit breakers.
//
// Reads are retried with exponential backoff and jitter; writes are retried
// only when the breaker rejected them before they reached the backend.
// Errors that describe the request rather than the backend (missing record,
// invalid record) are returned at once and never count against a breaker.
// A read that still fails is reported as store.ErrUnavailable.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/circuitbreaker"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/pkg/retry"
	"github.com/migadu/livequery/store"
)

// Store is a store.Backend that protects another one.
type Store struct {
	backend      store.Backend
	readBreaker  *circuitbreaker.CircuitBreaker
	writeBreaker *circuitbreaker.CircuitBreaker
	readRetry    retry.BackoffConfig
	writeRetry   retry.BackoffConfig
	queryTimeout time.Duration
}

var _ store.Backend = (*Store)(nil)

// New wraps backend. queryTimeout bounds each individual attempt; zero
// leaves attempts bounded only by the caller's context.
func New(backend store.Backend, cfg config.ResilienceConfig, queryTimeout time.Duration) *Store {
	s := &Store{
		backend:      backend,
		queryTimeout: queryTimeout,
	}
	s.readRetry, s.writeRetry = retryConfigs(cfg)
	s.readBreaker = newBreaker("store_read", cfg)
	s.writeBreaker = newBreaker("store_write", cfg)
	return s
}

func newBreaker(name string, cfg config.ResilienceConfig) *circuitbreaker.CircuitBreaker {
	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.BreakerFailureRatio
	if ratio == 0 {
		ratio = 0.6
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(circuitbreaker.StateClosed))
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:         name,
		MaxRequests:  cfg.BreakerMaxRequests,
		Interval:     cfg.GetBreakerInterval(),
		Timeout:      cfg.GetBreakerTimeout(),
		ReadyToTrip:  circuitbreaker.RatioTrip(minRequests, ratio),
		IsSuccessful: func(err error) bool { return err == nil || isRequestError(err) },
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Info("Resilient: circuit breaker state changed", "name", name, "from", from, "to", to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// isRequestError reports errors caused by the request itself. They are
// neither retried nor counted as backend failures.
func isRequestError(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrInvalidRecord) ||
		errors.Is(err, store.ErrUnknownCollection) ||
		errors.Is(err, context.Canceled)
}

func (s *Store) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func execute[T any](ctx context.Context, s *Store, op string, cb *circuitbreaker.CircuitBreaker, cfg retry.BackoffConfig, write bool, fn func(context.Context) (T, error)) (T, error) {
	var result T
	start := time.Now()
	err := retry.WithRetryAdvanced(ctx, func() error {
		actx, cancel := s.attemptContext(ctx)
		defer cancel()

		v, err := circuitbreaker.Do(actx, cb, fn)
		switch {
		case err == nil:
			result = v
			return nil
		case circuitbreaker.IsRejection(err):
			metrics.CircuitBreakerRejections.WithLabelValues(cb.Name()).Inc()
			return err
		case isRequestError(err), ctx.Err() != nil:
			return retry.Stop(err)
		case write:
			// The backend may have applied the write.
			return retry.Stop(err)
		}
		return err
	}, cfg)

	status := "success"
	if err != nil {
		status = "failure"
	}
	if !write {
		metrics.StoreReadsTotal.WithLabelValues(op, status).Inc()
		metrics.StoreReadDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	if err == nil || isRequestError(err) || errors.Is(err, store.ErrUnavailable) || ctx.Err() != nil {
		return result, err
	}
	return result, fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}

func (s *Store) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	return execute(ctx, s, "query", s.readBreaker, s.readRetry, false, func(ctx context.Context) (store.Snapshot, error) {
		return s.backend.Query(ctx, sel)
	})
}

func (s *Store) Get(ctx context.Context, collection store.Collection, id string) (store.Record, error) {
	return execute(ctx, s, "get", s.readBreaker, s.readRetry, false, func(ctx context.Context) (store.Record, error) {
		return s.backend.Get(ctx, collection, id)
	})
}

// Watch is passed through; feeds report their own gaps.
func (s *Store) Watch(collection store.Collection, fn func(store.ChangeBatch)) (func(), error) {
	return s.backend.Watch(collection, fn)
}

func (s *Store) Put(ctx context.Context, rec store.Record) (store.ChangeEvent, error) {
	return execute(ctx, s, "put", s.writeBreaker, s.writeRetry, true, func(ctx context.Context) (store.ChangeEvent, error) {
		return s.backend.Put(ctx, rec)
	})
}

func (s *Store) Remove(ctx context.Context, collection store.Collection, id string) (store.ChangeEvent, error) {
	return execute(ctx, s, "remove", s.writeBreaker, s.writeRetry, true, func(ctx context.Context) (store.ChangeEvent, error) {
		return s.backend.Remove(ctx, collection, id)
	})
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// PruneChanges delegates to the backend when it keeps a change log.
func (s *Store) PruneChanges(ctx context.Context, olderThan time.Duration) (int64, error) {
	p, ok := s.backend.(store.ChangePruner)
	if !ok {
		return 0, nil
	}
	return p.PruneChanges(ctx, olderThan)
}

// RecordCounts delegates to the backend when it can count records.
func (s *Store) RecordCounts(ctx context.Context) (map[string]int64, error) {
	c, ok := s.backend.(metrics.StatsProvider)
	if !ok {
		return map[string]int64{}, nil
	}
	return execute(ctx, s, "count", s.readBreaker, s.readRetry, false, c.RecordCounts)
}

// PoolStats delegates to the backend when it has connection pools.
func (s *Store) PoolStats() map[string]metrics.PoolStats {
	if p, ok := s.backend.(metrics.PoolStatsProvider); ok {
		return p.PoolStats()
	}
	return nil
}

// Unwrap returns the protected backend.
func (s *Store) Unwrap() store.Backend {
	return s.backend
}

func (s *Store) ReadBreakerState() circuitbreaker.State {
	return s.readBreaker.State()
}
