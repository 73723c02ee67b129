package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inboxQuery = `
subscription Inbox {
  items(folderId: "inbox")
    @orderBy(sorts: [{property: {id: 3590}, type: TIME, descending: true}])
    @take(count: 3) {
    id
    subject
  }
}`

func compile(t *testing.T, src string) *query.Plan {
	t.Helper()
	plan, err := query.Compile(src, "", "")
	require.NoError(t, err)
	return plan
}

// viewer replays delivered events into a local window copy.
type viewer struct {
	recorder
}

func (v *viewer) view() []store.Record {
	var view []store.Record
	for _, ev := range v.events() {
		view = ev.ApplyTo(view)
	}
	return view
}

func truthIDs(t *testing.T, mem *memstore.Store, limit int) []string {
	snap, err := mem.Query(context.Background(), inboxSelection(limit))
	require.NoError(t, err)
	return ids(snap.Records)
}

func TestSubscribeSendsInitialWindowThenDiffs(t *testing.T) {
	mem := memstore.New()
	put(mem, item("A", "inbox", 10), item("B", "inbox", 5))
	eng := New(mem, DefaultOptions())
	defer eng.Close()

	v := &viewer{}
	id, err := eng.Subscribe(context.Background(), compile(t, inboxQuery), v.observe)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)
	first := v.events()[0]
	assert.Equal(t, ItemsReloaded, first.Kind)
	assert.Equal(t, []string{"A", "B"}, ids(first.Records))

	put(mem, item("C", "inbox", 20))
	require.Eventually(t, func() bool { return v.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"C", "A", "B"}, ids(v.view()))

	info, ok := eng.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, "active", info.Status)
	assert.EqualValues(t, 3, info.WindowSize)
}

func TestSubscribeConvergesUnderConcurrentWrites(t *testing.T) {
	mem := memstore.New()
	eng := New(mem, Options{InboxSize: 4, OutboxSize: 2, RetryInterval: 10 * time.Millisecond})
	defer eng.Close()

	v := &viewer{}
	_, err := eng.Subscribe(context.Background(), compile(t, inboxQuery), func(id uint64, events []DiffEvent) {
		time.Sleep(100 * time.Microsecond)
		v.observe(id, events)
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	next := 0
	for i := 0; i < 300; i++ {
		randomMutation(rng, mem, &next)
	}

	want := truthIDs(t, mem, 3)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(v.view()))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeStoreUnavailable(t *testing.T) {
	mem := memstore.New()
	adapter := &countingAdapter{Adapter: mem, fail: true}
	eng := New(adapter, DefaultOptions())
	defer eng.Close()

	_, err := eng.Subscribe(context.Background(), compile(t, inboxQuery), func(uint64, []DiffEvent) {})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, eng.Registry().Len(), "no subscription is registered")
}

func TestSubscribeRecoversAfterStoreFailure(t *testing.T) {
	mem := memstore.New()
	put(mem, item("A", "inbox", 10), item("B", "inbox", 5), item("C", "inbox", 4), item("D", "inbox", 3))
	adapter := &countingAdapter{Adapter: mem}
	eng := New(adapter, Options{RetryInterval: 5 * time.Millisecond})
	defer eng.Close()

	v := &viewer{}
	_, err := eng.Subscribe(context.Background(), compile(t, inboxQuery), v.observe)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)

	// The removal needs a backfill read, which fails.
	adapter.setFail(true)
	_, err = mem.Remove(context.Background(), store.Items, "A")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	adapter.setFail(false)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"B", "C", "D"}, ids(v.view()))
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mem := memstore.New()
	eng := New(mem, DefaultOptions())
	defer eng.Close()

	v := &viewer{}
	id, err := eng.Subscribe(context.Background(), compile(t, inboxQuery), v.observe)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)

	eng.Unsubscribe(id)
	eng.Unsubscribe(id)
	put(mem, item("A", "inbox", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, v.count())
}

func TestSubscribeRejectsQueries(t *testing.T) {
	eng := New(memstore.New(), DefaultOptions())
	defer eng.Close()

	_, err := eng.Subscribe(context.Background(), compile(t, `{ stores { id } }`), func(uint64, []DiffEvent) {})
	assert.ErrorIs(t, err, ErrNotSubscription)

	_, err = eng.Execute(context.Background(), compile(t, inboxQuery))
	assert.ErrorIs(t, err, ErrNotQuery)

	eng.Close()
	_, err = eng.Subscribe(context.Background(), compile(t, inboxQuery), func(uint64, []DiffEvent) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func seedMailbox(mem *memstore.Store) {
	put(mem,
		store.Record{Collection: store.Stores, ID: "s1", Fields: map[string]any{store.FieldName: "Primary", store.FieldDefaultStore: true}},
		store.Record{Collection: store.Stores, ID: "s2", Fields: map[string]any{store.FieldName: "Archive"}},
		store.Record{Collection: store.Folders, ID: "inbox", Fields: map[string]any{
			store.FieldStoreID: "s1", store.FieldName: "Inbox", store.FieldSpecialFolder: store.SpecialInbox,
		}},
		store.Record{Collection: store.Folders, ID: "sent", Fields: map[string]any{
			store.FieldStoreID: "s1", store.FieldName: "Sent Items", store.FieldSpecialFolder: store.SpecialSent,
		}},
		store.Record{Collection: store.Folders, ID: "misc", Fields: map[string]any{
			store.FieldStoreID: "s1", store.FieldName: "Misc",
		}},
		item("m1", "inbox", 1),
		item("m2", "inbox", 2),
		item("m3", "sent", 3),
	)
}

func TestExecuteNestedQuery(t *testing.T) {
	mem := memstore.New()
	seedMailbox(mem)
	eng := New(mem, DefaultOptions())
	defer eng.Close()

	plan := compile(t, `
query {
  stores @orderBy(sorts: [{property: {id: 13312}, type: BOOL, descending: true}]) @take(count: 1) {
    __typename
    id
    specialFolders(ids: [INBOX]) {
      id
      items @orderBy(sorts: [{property: {name: "received"}, type: TIME, descending: true}]) { id }
    }
  }
  missing: item(id: "nope") { id }
}`)
	data, err := eng.Execute(context.Background(), plan)
	require.NoError(t, err)

	out, err := json.Marshal(map[string]any{"data": data})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": {
		"stores": [{"__typename": "Store", "id": "s1", "specialFolders": [
			{"id": "inbox", "items": [{"id": "m2"}, {"id": "m1"}]}
		]}],
		"missing": null
	}`, string(out))
	assert.Equal(t, []string{"stores", "missing"}, data.Keys())
}

func TestExecuteStoreUnavailable(t *testing.T) {
	adapter := &countingAdapter{Adapter: memstore.New(), fail: true}
	eng := New(adapter, DefaultOptions())
	defer eng.Close()

	_, err := eng.Execute(context.Background(), compile(t, `{ stores { id } }`))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestObjectKeepsKeyOrder(t *testing.T) {
	obj := NewObject()
	obj.Set("z", int64(1))
	obj.Set("a", at(0))
	obj.Set("m", nil)
	obj.Set("z", "again")

	out, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"again","a":"2024-03-01T00:00:00Z","m":null}`, string(out))

	v, ok := obj.Get("a")
	assert.True(t, ok)
	assert.Equal(t, at(0), v)
	assert.Equal(t, 3, obj.Len())
}
