package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/livequery/store"
)

// fakeLog is an in-memory change log.
type fakeLog struct {
	mu      sync.Mutex
	events  map[store.Collection][]store.ChangeEvent
	pruned  map[store.Collection]uint64
	failing bool
	reads   int
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		events: make(map[store.Collection][]store.ChangeEvent),
		pruned: make(map[store.Collection]uint64),
	}
}

func (l *fakeLog) append(c store.Collection, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(len(l.events[c]) + 1)
	l.events[c] = append(l.events[c], store.ChangeEvent{
		Kind: store.Inserted, Collection: c, Seq: seq, ID: id,
		Record: store.Record{Collection: c, ID: id},
	})
}

// prune drops changes up to and including seq.
func (l *fakeLog) prune(c store.Collection, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruned[c] = seq
}

func (l *fakeLog) CurrentSeq(_ context.Context, c store.Collection) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return 0, errors.New("connection refused")
	}
	return uint64(len(l.events[c])), nil
}

func (l *fakeLog) ReadChanges(_ context.Context, c store.Collection, after uint64, limit int) ([]store.ChangeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.failing {
		return nil, errors.New("connection refused")
	}
	var out []store.ChangeEvent
	for _, ev := range l.events[c] {
		if ev.Seq > after && ev.Seq > l.pruned[c] && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type collector struct {
	mu      sync.Mutex
	batches []store.ChangeBatch
}

func (c *collector) add(b store.ChangeBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *collector) seqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for _, b := range c.batches {
		for _, ev := range b.Events {
			out = append(out, ev.Seq)
		}
	}
	return out
}

func TestWatchStartsAtCurrentSeq(t *testing.T) {
	log := newFakeLog()
	log.append(store.Items, "a")
	log.append(store.Items, "b")

	feed := New(log, time.Hour, 10)
	var got collector
	cancel, err := feed.Watch(store.Items, got.add)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, feed.Poll(context.Background()))
	assert.Empty(t, got.seqs(), "changes before Watch are not replayed")

	log.append(store.Items, "c")
	require.NoError(t, feed.Poll(context.Background()))
	assert.Equal(t, []uint64{3}, got.seqs())
}

func TestPollPagesThroughBacklog(t *testing.T) {
	log := newFakeLog()
	feed := New(log, time.Hour, 2)
	var got collector
	cancel, err := feed.Watch(store.Items, got.add)
	require.NoError(t, err)
	defer cancel()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		log.append(store.Items, id)
	}
	require.NoError(t, feed.Poll(context.Background()))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got.seqs())
	assert.Len(t, got.batches, 3)
	for _, b := range got.batches {
		assert.LessOrEqual(t, len(b.Events), 2)
	}
}

func TestPrunedChangesSurfaceAsGap(t *testing.T) {
	log := newFakeLog()
	feed := New(log, time.Hour, 10)
	var got collector
	cancel, err := feed.Watch(store.Items, got.add)
	require.NoError(t, err)
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		log.append(store.Items, id)
	}
	log.prune(store.Items, 2)
	require.NoError(t, feed.Poll(context.Background()))
	require.Len(t, got.batches, 1)
	assert.Equal(t, uint64(3), got.batches[0].FirstSeq())
}

func TestCollectionsAreIndependent(t *testing.T) {
	log := newFakeLog()
	feed := New(log, time.Hour, 10)
	var items, folders collector
	c1, err := feed.Watch(store.Items, items.add)
	require.NoError(t, err)
	defer c1()
	c2, err := feed.Watch(store.Folders, folders.add)
	require.NoError(t, err)
	defer c2()

	log.append(store.Items, "a")
	log.append(store.Folders, "f")
	log.append(store.Folders, "g")
	require.NoError(t, feed.Poll(context.Background()))

	assert.Equal(t, []uint64{1}, items.seqs())
	assert.Equal(t, []uint64{1, 2}, folders.seqs())
	for _, b := range folders.batches {
		assert.Equal(t, store.Folders, b.Collection)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	log := newFakeLog()
	feed := New(log, time.Hour, 10)
	var got collector
	cancel, err := feed.Watch(store.Items, got.add)
	require.NoError(t, err)

	cancel()
	cancel()
	log.append(store.Items, "a")
	require.NoError(t, feed.Poll(context.Background()))
	assert.Empty(t, got.seqs())
	assert.Zero(t, log.reads, "collections without watchers are not read")
}

func TestWatchRejectsUnknownCollection(t *testing.T) {
	feed := New(newFakeLog(), time.Hour, 10)
	_, err := feed.Watch("contacts", func(store.ChangeBatch) {})
	assert.ErrorIs(t, err, store.ErrUnknownCollection)
}

func TestWatchFailsWhenSourceIsDown(t *testing.T) {
	log := newFakeLog()
	log.failing = true
	feed := New(log, time.Hour, 10)
	_, err := feed.Watch(store.Items, func(store.ChangeBatch) {})
	assert.Error(t, err)
}

func TestPollReportsReadErrors(t *testing.T) {
	log := newFakeLog()
	feed := New(log, time.Hour, 10)
	cancel, err := feed.Watch(store.Items, func(store.ChangeBatch) {})
	require.NoError(t, err)
	defer cancel()

	log.mu.Lock()
	log.failing = true
	log.mu.Unlock()
	assert.Error(t, feed.Poll(context.Background()))
}

func TestStartPollsInBackground(t *testing.T) {
	log := newFakeLog()
	feed := New(log, 5*time.Millisecond, 10)
	var got collector
	cancel, err := feed.Watch(store.Items, got.add)
	require.NoError(t, err)
	defer cancel()

	feed.Start(context.Background())
	defer feed.Stop()

	log.append(store.Items, "a")
	assert.Eventually(t, func() bool {
		return len(got.seqs()) == 1
	}, time.Second, 5*time.Millisecond)
}
