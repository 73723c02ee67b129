package testutils

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/livequery/store"
)

// Harness is a freshly opened, empty backend.
type Harness struct {
	Backend store.Backend
	// Flush delivers committed changes to watchers. Nil when the backend
	// delivers synchronously.
	Flush func()
}

func (h Harness) flush() {
	if h.Flush != nil {
		h.Flush()
	}
}

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// Item builds a valid item record received the given number of minutes
// after a fixed epoch.
func Item(id, folder string, minutes int) store.Record {
	received := epoch.Add(time.Duration(minutes) * time.Minute)
	return store.Record{Collection: store.Items, ID: id, Fields: map[string]any{
		store.FieldStoreID:  "store1",
		store.FieldFolderID: folder,
		store.FieldSubject:  "subject " + id,
		store.FieldReceived: received,
		store.FieldModified: received,
	}}
}

// RunBackendSuite checks the store.Backend contract on backends opened by
// open. Each subtest gets its own backend.
func RunBackendSuite(t *testing.T, open func(t *testing.T) Harness) {
	t.Run("PutGetRemove", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()

		ev, err := h.Backend.Put(ctx, Item("m1", "inbox", 1))
		require.NoError(t, err)
		assert.Equal(t, store.Inserted, ev.Kind)
		assert.Equal(t, uint64(1), ev.Seq)

		got, err := h.Backend.Get(ctx, store.Items, "m1")
		require.NoError(t, err)
		assert.True(t, got.Equal(ev.Record), "stored %v, read %v", ev.Record, got)
		assert.Equal(t, false, got.Fields[store.FieldRead], "missing fields get zero values")

		updated := Item("m1", "inbox", 1)
		updated.Fields[store.FieldRead] = true
		ev, err = h.Backend.Put(ctx, updated)
		require.NoError(t, err)
		assert.Equal(t, store.Updated, ev.Kind)
		assert.Equal(t, uint64(2), ev.Seq)

		ev, err = h.Backend.Remove(ctx, store.Items, "m1")
		require.NoError(t, err)
		assert.Equal(t, store.Removed, ev.Kind)
		assert.Equal(t, uint64(3), ev.Seq)

		_, err = h.Backend.Get(ctx, store.Items, "m1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = h.Backend.Remove(ctx, store.Items, "m1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		snap, err := h.Backend.Query(ctx, store.Selection{Collection: store.Items, Limit: store.Unlimited})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), snap.Seq, "failed removals do not consume sequence numbers")
	})

	t.Run("RejectsInvalidRecords", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()

		_, err := h.Backend.Put(ctx, store.Record{Collection: store.Items, ID: "m1", Fields: map[string]any{"color": "red"}})
		assert.ErrorIs(t, err, store.ErrInvalidRecord)
		_, err = h.Backend.Put(ctx, store.Record{Collection: "contacts", ID: "c1"})
		assert.ErrorIs(t, err, store.ErrUnknownCollection)
	})

	t.Run("SequencesArePerCollection", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()

		_, err := h.Backend.Put(ctx, Item("m1", "inbox", 1))
		require.NoError(t, err)
		_, err = h.Backend.Put(ctx, Item("m2", "inbox", 2))
		require.NoError(t, err)
		ev, err := h.Backend.Put(ctx, store.Record{Collection: store.Folders, ID: "inbox", Fields: map[string]any{
			store.FieldStoreID: "store1",
			store.FieldName:    "Inbox",
		}})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ev.Seq)

		snap, err := h.Backend.Query(ctx, store.Selection{Collection: store.Items, Limit: store.Unlimited})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), snap.Seq)
		assert.Len(t, snap.Records, 2)
	})

	t.Run("QueryMatchesReferenceOrder", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()
		rng := rand.New(rand.NewSource(11))
		subjects := []string{"alpha", "Beta", "Zeta", "beta", ""}

		var all []store.Record
		for i := 0; i < 40; i++ {
			folder := "inbox"
			if i%3 == 0 {
				folder = "archive"
			}
			rec := Item(fmt.Sprintf("m%02d", rng.Intn(100)), folder, rng.Intn(6))
			rec.Fields[store.FieldSubject] = subjects[rng.Intn(len(subjects))]
			rec.Fields[store.FieldRead] = rng.Intn(2) == 0
			ev, err := h.Backend.Put(ctx, rec)
			require.NoError(t, err)
			all = upsert(all, ev.Record)
		}

		selections := []store.Selection{
			{Collection: store.Items, Limit: store.Unlimited},
			{
				Collection: store.Items,
				Filters:    []store.Filter{{Field: store.FieldFolderID, Values: []any{"inbox"}}},
				Sort:       []store.SortKey{{Field: store.FieldReceived, Descending: true}},
				Limit:      5,
			},
			{
				Collection: store.Items,
				Sort:       []store.SortKey{{Field: store.FieldSubject}, {Field: store.FieldRead, Descending: true}},
				Limit:      store.Unlimited,
			},
			{
				Collection: store.Items,
				Filters:    []store.Filter{{Field: store.FieldRead, Values: []any{false}}},
				Sort:       []store.SortKey{{Field: store.FieldReceived}},
				Limit:      7,
			},
		}
		for i, sel := range selections {
			want := store.Evaluate(sel, all)
			snap, err := h.Backend.Query(ctx, sel)
			require.NoError(t, err)
			assert.Equal(t, ids(want), ids(snap.Records), "selection %d", i)

			// Page through the same selection with keyset cursors.
			if len(want) > 2 {
				after := want[1]
				sel.After = &after
				sel.Limit = store.Unlimited
				snap, err = h.Backend.Query(ctx, sel)
				require.NoError(t, err)
				assert.Equal(t, ids(store.Evaluate(sel, all)), ids(snap.Records), "selection %d after %s", i, after.ID)
			}
		}
	})

	t.Run("NullsRankFirst", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()

		var all []store.Record
		for _, f := range []struct{ id, parent string }{{"f1", ""}, {"f2", "f1"}, {"f3", ""}, {"f4", "f2"}} {
			rec := store.Record{Collection: store.Folders, ID: f.id, Fields: map[string]any{
				store.FieldStoreID: "store1",
				store.FieldName:    f.id,
			}}
			if f.parent != "" {
				rec.Fields[store.FieldParentID] = f.parent
			}
			ev, err := h.Backend.Put(ctx, rec)
			require.NoError(t, err)
			all = upsert(all, ev.Record)
		}

		for _, desc := range []bool{false, true} {
			sel := store.Selection{Collection: store.Folders, Sort: []store.SortKey{{Field: store.FieldParentID, Descending: desc}}, Limit: store.Unlimited}
			snap, err := h.Backend.Query(ctx, sel)
			require.NoError(t, err)
			assert.Equal(t, ids(store.Evaluate(sel, all)), ids(snap.Records), "descending=%v", desc)

			sel.After = &all[0]
			snap, err = h.Backend.Query(ctx, sel)
			require.NoError(t, err)
			assert.Equal(t, ids(store.Evaluate(sel, all)), ids(snap.Records), "descending=%v after f1", desc)
		}

		sel := store.Selection{Collection: store.Folders, Filters: []store.Filter{{Field: store.FieldParentID, Values: []any{nil}}}, Limit: store.Unlimited}
		snap, err := h.Backend.Query(ctx, sel)
		require.NoError(t, err)
		assert.Equal(t, []string{"f1", "f3"}, ids(snap.Records))
	})

	t.Run("WatchDeliversChangesInOrder", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()

		_, err := h.Backend.Put(ctx, Item("before", "inbox", 0))
		require.NoError(t, err)

		var mu sync.Mutex
		var seqs []uint64
		var kinds []store.ChangeKind
		cancel, err := h.Backend.Watch(store.Items, func(b store.ChangeBatch) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, store.Items, b.Collection)
			for _, ev := range b.Events {
				seqs = append(seqs, ev.Seq)
				kinds = append(kinds, ev.Kind)
			}
		})
		require.NoError(t, err)

		_, err = h.Backend.Put(ctx, Item("m1", "inbox", 1))
		require.NoError(t, err)
		_, err = h.Backend.Put(ctx, Item("m1", "archive", 1))
		require.NoError(t, err)
		_, err = h.Backend.Remove(ctx, store.Items, "m1")
		require.NoError(t, err)
		h.flush()

		mu.Lock()
		assert.Equal(t, []uint64{2, 3, 4}, seqs)
		assert.Equal(t, []store.ChangeKind{store.Inserted, store.Updated, store.Removed}, kinds)
		mu.Unlock()

		cancel()
		_, err = h.Backend.Put(ctx, Item("m2", "inbox", 2))
		require.NoError(t, err)
		h.flush()

		mu.Lock()
		assert.Len(t, seqs, 3, "no delivery after cancel")
		mu.Unlock()
	})

	t.Run("WatchedRecordsCarryFields", func(t *testing.T) {
		h := open(t)
		ctx := context.Background()

		var mu sync.Mutex
		var got []store.ChangeEvent
		cancel, err := h.Backend.Watch(store.Items, func(b store.ChangeBatch) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, b.Events...)
		})
		require.NoError(t, err)
		defer cancel()

		ev, err := h.Backend.Put(ctx, Item("m1", "inbox", 5))
		require.NoError(t, err)
		h.flush()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0].ID)
		assert.True(t, got[0].Record.Equal(ev.Record), "watched %v, stored %v", got[0].Record, ev.Record)
	})
}

func upsert(records []store.Record, rec store.Record) []store.Record {
	for i, r := range records {
		if r.ID == rec.ID {
			records[i] = rec
			return records
		}
	}
	return append(records, rec)
}

func ids(records []store.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
