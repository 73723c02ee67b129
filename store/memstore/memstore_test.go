package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(id, folder string, received int64) store.Record {
	return store.Record{
		Collection: store.Items,
		ID:         id,
		Fields: map[string]any{
			store.FieldFolderID: folder,
			store.FieldReceived: time.Unix(received, 0),
		},
	}
}

func TestPutQueryRemove(t *testing.T) {
	ctx := context.Background()
	s := New()

	ev, err := s.Put(ctx, newItem("a", "inbox", 10))
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, ev.Kind)
	assert.Equal(t, uint64(1), ev.Seq)

	ev, err = s.Put(ctx, newItem("a", "inbox", 11))
	require.NoError(t, err)
	assert.Equal(t, store.Updated, ev.Kind)
	assert.Equal(t, uint64(2), ev.Seq)

	_, err = s.Put(ctx, newItem("b", "inbox", 20))
	require.NoError(t, err)
	_, err = s.Put(ctx, newItem("c", "sent", 30))
	require.NoError(t, err)

	snap, err := s.Query(ctx, store.Selection{
		Collection: store.Items,
		Filters:    []store.Filter{{Field: store.FieldFolderID, Values: []any{"inbox"}}},
		Sort:       []store.SortKey{{Field: store.FieldReceived, Descending: true}},
		Limit:      store.Unlimited,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.Seq)
	require.Len(t, snap.Records, 2)
	assert.Equal(t, "b", snap.Records[0].ID)
	assert.Equal(t, "a", snap.Records[1].ID)

	ev, err = s.Remove(ctx, store.Items, "b")
	require.NoError(t, err)
	assert.Equal(t, store.Removed, ev.Kind)
	assert.Equal(t, uint64(5), ev.Seq)

	_, err = s.Remove(ctx, store.Items, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, uint64(5), s.Seq(store.Items), "failed removal does not consume a sequence number")

	_, err = s.Get(ctx, store.Items, "b")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSequencesArePerCollection(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Put(ctx, store.Record{Collection: store.Stores, ID: "s1", Fields: map[string]any{store.FieldName: "Mailbox"}})
	require.NoError(t, err)
	ev, err := s.Put(ctx, newItem("a", "inbox", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, uint64(1), s.Seq(store.Stores))
}

func TestWatchDeliversBatches(t *testing.T) {
	ctx := context.Background()
	s := New()

	var mu sync.Mutex
	var batches []store.ChangeBatch
	cancel, err := s.Watch(store.Items, func(b store.ChangeBatch) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, b)
	})
	require.NoError(t, err)

	_, err = s.Put(ctx, newItem("a", "inbox", 1))
	require.NoError(t, err)

	err = s.Mutate(ctx, func(m *Mutation) error {
		if _, err := m.Put(newItem("b", "inbox", 2)); err != nil {
			return err
		}
		_, err := m.Remove(store.Items, "a")
		return err
	})
	require.NoError(t, err)

	cancel()
	cancel()
	_, err = s.Put(ctx, newItem("c", "inbox", 3))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Events, 1)
	require.Len(t, batches[1].Events, 2)
	assert.Equal(t, uint64(2), batches[1].FirstSeq())
	assert.Equal(t, uint64(3), batches[1].LastSeq())
	assert.Equal(t, store.Removed, batches[1].Events[1].Kind)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Query(context.Background(), store.Selection{Collection: store.Items, Limit: store.Unlimited})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestBackendContract(t *testing.T) {
	testutils.RunBackendSuite(t, func(t *testing.T) testutils.Harness {
		return testutils.Harness{Backend: New()}
	})
}
