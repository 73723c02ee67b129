package resilient

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/pkg/circuitbreaker"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnection = errors.New("connection reset")

// flakyBackend fails the first failures reads, then delegates.
type flakyBackend struct {
	*memstore.Store

	mu       sync.Mutex
	failures int
	reads    int
	writes   int
}

func (f *flakyBackend) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	f.mu.Lock()
	f.reads++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return store.Snapshot{}, errConnection
	}
	return f.Store.Query(ctx, sel)
}

func (f *flakyBackend) Put(ctx context.Context, rec store.Record) (store.ChangeEvent, error) {
	f.mu.Lock()
	f.writes++
	fail := f.failures > 0
	f.mu.Unlock()
	if fail {
		return store.ChangeEvent{}, errConnection
	}
	return f.Store.Put(ctx, rec)
}

func testConfig() config.ResilienceConfig {
	return config.ResilienceConfig{
		MaxRetries:          3,
		InitialInterval:     "1ms",
		MaxInterval:         "2ms",
		BreakerMaxRequests:  1,
		BreakerTimeout:      "1h",
		BreakerFailureRatio: 1,
		BreakerMinRequests:  6,
	}
}

func itemsSelection() store.Selection {
	return store.Selection{Collection: store.Items, Limit: store.Unlimited}
}

func TestQueryRetriesTransientFailures(t *testing.T) {
	backend := &flakyBackend{Store: memstore.New(), failures: 2}
	s := New(backend, testConfig(), 0)

	_, err := s.Query(context.Background(), itemsSelection())
	require.NoError(t, err)
	assert.Equal(t, 3, backend.reads)
}

func TestQueryExhaustedIsUnavailable(t *testing.T) {
	backend := &flakyBackend{Store: memstore.New(), failures: 100}
	s := New(backend, testConfig(), 0)

	_, err := s.Query(context.Background(), itemsSelection())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 4, backend.reads)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	backend := &flakyBackend{Store: memstore.New()}
	s := New(backend, testConfig(), 0)

	_, err := s.Get(context.Background(), store.Items, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, circuitbreaker.StateClosed, s.ReadBreakerState())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	backend := &flakyBackend{Store: memstore.New(), failures: 100}
	s := New(backend, testConfig(), 0)

	// Two exhausted reads make eight failed attempts; the breaker opens at six.
	_, _ = s.Query(context.Background(), itemsSelection())
	_, _ = s.Query(context.Background(), itemsSelection())
	assert.Equal(t, circuitbreaker.StateOpen, s.ReadBreakerState())
	assert.Less(t, backend.reads, 8, "rejected attempts never reach the backend")

	_, err := s.Query(context.Background(), itemsSelection())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestWritesAreNotRetriedAfterReachingBackend(t *testing.T) {
	backend := &flakyBackend{Store: memstore.New(), failures: 1}
	s := New(backend, testConfig(), 0)

	_, err := s.Put(context.Background(), store.Record{Collection: store.Items, ID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 1, backend.writes)
}

func TestWatchAndDelegation(t *testing.T) {
	mem := memstore.New()
	s := New(mem, testConfig(), 0)

	var got []store.ChangeBatch
	cancel, err := s.Watch(store.Items, func(b store.ChangeBatch) { got = append(got, b) })
	require.NoError(t, err)
	defer cancel()

	_, err = s.Put(context.Background(), store.Record{Collection: store.Items, ID: "a"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	n, err := s.PruneChanges(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Same(t, mem, s.Unwrap())
}
