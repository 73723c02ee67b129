package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAdapter records every adapter call.
type countingAdapter struct {
	store.Adapter

	mu    sync.Mutex
	calls int
}

func (c *countingAdapter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingAdapter) inc() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingAdapter) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	c.inc()
	return c.Adapter.Query(ctx, sel)
}

func (c *countingAdapter) Get(ctx context.Context, coll store.Collection, id string) (store.Record, error) {
	c.inc()
	return c.Adapter.Get(ctx, coll, id)
}

func (c *countingAdapter) Watch(coll store.Collection, fn func(store.ChangeBatch)) (func(), error) {
	c.inc()
	return c.Adapter.Watch(coll, fn)
}

// pushes collects onNext payloads.
type pushes struct {
	mu  sync.Mutex
	got []string
}

func (p *pushes) onNext(s string) {
	p.mu.Lock()
	p.got = append(p.got, s)
	p.mu.Unlock()
}

func (p *pushes) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func received(minute int) time.Time {
	return time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC)
}

func newBridge(t *testing.T) (*Bridge, *memstore.Store, *countingAdapter) {
	t.Helper()
	mem := memstore.New()
	put := func(r store.Record) {
		_, err := mem.Put(context.Background(), r)
		require.NoError(t, err)
	}
	put(store.Record{Collection: store.Stores, ID: "s1", Fields: map[string]any{store.FieldName: "Primary", store.FieldDefaultStore: true}})
	put(store.Record{Collection: store.Folders, ID: "inbox", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldName: "Inbox", store.FieldSpecialFolder: store.SpecialInbox,
	}})
	put(store.Record{Collection: store.Items, ID: "A", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "hello", store.FieldReceived: received(10),
	}})
	put(store.Record{Collection: store.Items, ID: "B", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "older", store.FieldReceived: received(5),
	}})

	adapter := &countingAdapter{Adapter: mem}
	eng := engine.New(adapter, engine.DefaultOptions())
	t.Cleanup(eng.Close)
	return New(eng, query.NewCompiler(query.Options{MaxTake: 100})), mem, adapter
}

const inboxSubscription = `
subscription Inbox($folder: FolderId!) {
  items(folderId: $folder)
    @orderBy(sorts: [{property: {id: 3590}, type: TIME, descending: true}])
    @take(count: 1) {
    ... on ItemAdded { index added { id subject } }
    ... on ItemUpdated { index updated { id subject } }
    ... on ItemRemoved { index removed }
    ... on ItemsReloaded { reloaded { id subject } }
  }
}`

const inboxVariables = `{"folder": {"storeId": "s1", "objectId": "inbox"}}`

func TestFetchQueryOneShot(t *testing.T) {
	b, _, _ := newBridge(t)
	p := &pushes{}

	res, err := b.FetchQuery(context.Background(), `
query Stores {
  stores @orderBy(sorts: [{property: {id: 13312}, type: BOOL, descending: true}]) @take(count: 1) {
    id
    name
    specialFolders(ids: [INBOX]) { id name }
  }
}`, "Stores", "", p.onNext)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results": {"data": {"stores": [
		{"id": "s1", "name": "Primary", "specialFolders": [{"id": "inbox", "name": "Inbox"}]}
	]}}}`, res)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, p.all(), "onNext is never used for queries")
}

func TestFetchQuerySubscription(t *testing.T) {
	b, mem, _ := newBridge(t)
	p := &pushes{}

	res, err := b.FetchQuery(context.Background(), inboxSubscription, "Inbox", inboxVariables, p.onNext)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pending": 1}`, res)

	require.Eventually(t, func() bool { return len(p.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"reloaded": [{"id": "A", "subject": "hello"}]}`, p.all()[0])

	_, err = mem.Put(context.Background(), store.Record{Collection: store.Items, ID: "C", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "newest", store.FieldReceived: received(20),
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(p.all()) == 3 }, time.Second, 5*time.Millisecond)
	got := p.all()
	assert.JSONEq(t, `{"index": 0, "removed": "A"}`, got[1])
	assert.JSONEq(t, `{"index": 0, "added": {"id": "C", "subject": "newest"}}`, got[2])

	require.Len(t, b.Subscriptions(), 1)
	b.Unsubscribe(1)
	b.Unsubscribe(1)
	_, err = mem.Remove(context.Background(), store.Items, "C")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, p.all(), 3, "nothing is pushed after Unsubscribe")
	assert.Empty(t, b.Subscriptions())
}

func TestFetchQueryCompileErrorsTouchNoStore(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		variables string
		kind      query.ErrorKind
	}{
		{
			name: "unknown property id",
			query: `subscription { items(folderId: "inbox")
				@orderBy(sorts: [{property: {id: 99999}, type: INT, descending: false}]) { id } }`,
			kind: query.UnknownField,
		},
		{
			name:  "negative take",
			query: `{ stores @take(count: -1) { id } }`,
			kind:  query.InvalidDirectiveArgument,
		},
		{
			name:  "take above maximum",
			query: `{ stores @take(count: 1000) { id } }`,
			kind:  query.InvalidDirectiveArgument,
		},
		{
			name:      "missing variable",
			query:     inboxSubscription,
			variables: `{}`,
			kind:      query.VariableMismatch,
		},
		{
			name:  "unknown field",
			query: `{ stores { id color } }`,
			kind:  query.UnknownField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, adapter := newBridge(t)
			p := &pushes{}

			_, err := b.FetchQuery(context.Background(), tt.query, "", tt.variables, p.onNext)
			require.Error(t, err)
			assert.Equal(t, tt.kind, query.KindOf(err))
			assert.Zero(t, adapter.count(), "the store is never touched")
			assert.Empty(t, b.Subscriptions())
		})
	}
}

func TestFetchQuerySubscriptionNeedsCallback(t *testing.T) {
	b, _, adapter := newBridge(t)
	_, err := b.FetchQuery(context.Background(), inboxSubscription, "Inbox", inboxVariables, nil)
	assert.ErrorIs(t, err, ErrMissingCallback)
	assert.Zero(t, adapter.count())
}

func TestPayloadRoundTripAndValidation(t *testing.T) {
	idx := 2
	s, err := Encode(&ItemRemoved{Index: &idx, Removed: "x"})
	require.NoError(t, err)
	p, err := Decode([]byte(s))
	require.NoError(t, err)
	require.IsType(t, &ItemRemoved{}, p)
	assert.Equal(t, "x", p.(*ItemRemoved).Removed)

	tests := []struct {
		name string
		in   string
	}{
		{"not json", `nope`},
		{"unknown variant", `{"other": 1}`},
		{"missing index", `{"removed": "x"}`},
		{"negative index", `{"index": -1, "added": {"id": "x"}}`},
		{"zero pending id", `{"pending": 0}`},
		{"null reloaded", `{"reloaded": null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	_, err = Encode(&ItemRemoved{Index: &idx})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestUnsubscribeFromOnNext(t *testing.T) {
	b, mem, _ := newBridge(t)

	var (
		mu    sync.Mutex
		calls int
	)
	returned := make(chan struct{})
	onNext := func(string) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			b.Unsubscribe(1)
			close(returned)
		}
	}

	res, err := b.FetchQuery(context.Background(), inboxSubscription, "Inbox", inboxVariables, onNext)
	require.NoError(t, err)
	require.JSONEq(t, `{"pending": 1}`, res)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe called from onNext did not return")
	}
	assert.Empty(t, b.Subscriptions())

	_, err = mem.Put(context.Background(), store.Record{Collection: store.Items, ID: "C", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "newest", store.FieldReceived: received(20),
	}})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "nothing is pushed after Unsubscribe")
}

func TestUnsubscribeStopsRestOfBatch(t *testing.T) {
	b, mem, _ := newBridge(t)
	p := &pushes{}

	// The first push of the eviction batch cancels the subscription, so the
	// matching add is never delivered.
	var once sync.Once
	onNext := func(s string) {
		p.onNext(s)
		if len(p.all()) == 2 {
			once.Do(func() { b.Unsubscribe(1) })
		}
	}
	_, err := b.FetchQuery(context.Background(), inboxSubscription, "Inbox", inboxVariables, onNext)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.all()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = mem.Put(context.Background(), store.Record{Collection: store.Items, ID: "C", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "newest", store.FieldReceived: received(20),
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.all()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := p.all()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"index": 0, "removed": "A"}`, got[1])
}

func TestPushedRecordsKeepSelectionOrder(t *testing.T) {
	b, mem, _ := newBridge(t)
	p := &pushes{}

	_, err := b.FetchQuery(context.Background(), `
subscription Inbox($folder: FolderId!) {
  items(folderId: $folder)
    @orderBy(sorts: [{property: {id: 3590}, type: TIME, descending: true}])
    @take(count: 1) {
    ... on ItemAdded { index added { subject id } }
    ... on ItemRemoved { index removed }
    ... on ItemsReloaded { reloaded { subject id } }
  }
}`, "Inbox", inboxVariables, p.onNext)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"reloaded":[{"subject":"hello","id":"A"}]}`, p.all()[0])

	_, err = mem.Put(context.Background(), store.Record{Collection: store.Items, ID: "C", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "newest", store.FieldReceived: received(20),
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.all()) == 3 }, time.Second, 5*time.Millisecond)
	added := p.all()[2]
	assert.Equal(t, `{"index":0,"added":{"subject":"newest","id":"C"}}`, added)

	decoded, err := Decode([]byte(added))
	require.NoError(t, err)
	require.IsType(t, &ItemAdded{}, decoded)
	assert.Equal(t, []string{"subject", "id"}, decoded.(*ItemAdded).Added.Keys())
}

// gatedAdapter holds store reads until release is closed.
type gatedAdapter struct {
	store.Adapter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAdapter) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return store.Snapshot{}, ctx.Err()
	}
	return g.Adapter.Query(ctx, sel)
}

func TestCoalescedQuerySurvivesFirstCallerCancel(t *testing.T) {
	mem := memstore.New()
	_, err := mem.Put(context.Background(), store.Record{Collection: store.Stores, ID: "s1", Fields: map[string]any{store.FieldName: "Primary"}})
	require.NoError(t, err)
	adapter := &gatedAdapter{Adapter: mem, entered: make(chan struct{}), release: make(chan struct{})}
	eng := engine.New(adapter, engine.DefaultOptions())
	t.Cleanup(eng.Close)
	b := New(eng, nil)

	const source = `{ stores { id name } }`
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := b.FetchQuery(firstCtx, source, "", "", nil)
		first <- err
	}()
	<-adapter.entered

	type result struct {
		res string
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := b.FetchQuery(context.Background(), source, "", "", nil)
		second <- result{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(adapter.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"results": {"data": {"stores": [{"id": "s1", "name": "Primary"}]}}}`, r.res)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
}
