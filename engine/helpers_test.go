package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
)

var errBroken = errors.New("backend broken")

// countingAdapter wraps an adapter, counting calls and failing reads on
// demand.
type countingAdapter struct {
	store.Adapter

	mu      sync.Mutex
	queries int
	watches int
	fail    bool
}

func (c *countingAdapter) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	c.mu.Lock()
	c.queries++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return store.Snapshot{}, errBroken
	}
	return c.Adapter.Query(ctx, sel)
}

func (c *countingAdapter) Watch(collection store.Collection, fn func(store.ChangeBatch)) (func(), error) {
	c.mu.Lock()
	c.watches++
	c.mu.Unlock()
	return c.Adapter.Watch(collection, fn)
}

func (c *countingAdapter) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *countingAdapter) calls() (queries, watches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries, c.watches
}

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return epoch.Add(time.Duration(minutes) * time.Minute)
}

func item(id, folder string, received int) store.Record {
	return store.Record{
		Collection: store.Items,
		ID:         id,
		Fields: map[string]any{
			store.FieldStoreID:  "s1",
			store.FieldFolderID: folder,
			store.FieldSubject:  "subject " + id,
			store.FieldReceived: at(received),
		},
	}
}

// inboxSelection is the newest limit items of folder "inbox".
func inboxSelection(limit int) store.Selection {
	return store.Selection{
		Collection: store.Items,
		Filters:    []store.Filter{{Field: store.FieldFolderID, Values: []any{"inbox"}}},
		Sort:       []store.SortKey{{Field: store.FieldReceived, Descending: true}},
		Limit:      limit,
	}
}

func put(mem *memstore.Store, recs ...store.Record) {
	for _, r := range recs {
		if _, err := mem.Put(context.Background(), r); err != nil {
			panic(err)
		}
	}
}

func ids(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// feed collects the batches a memstore publishes for one collection.
type feed struct {
	mu      sync.Mutex
	batches []store.ChangeBatch
}

func watchFeed(mem *memstore.Store, c store.Collection) (*feed, func()) {
	f := &feed{}
	cancel, err := mem.Watch(c, func(b store.ChangeBatch) {
		f.mu.Lock()
		f.batches = append(f.batches, b)
		f.mu.Unlock()
	})
	if err != nil {
		panic(err)
	}
	return f, cancel
}

func (f *feed) take() []store.ChangeBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.batches
	f.batches = nil
	return out
}
