// Package changefeed turns a polled change log into store watch callbacks.
//
// One goroutine tails the log of every watched collection and hands each
// page of new changes to that collection's watchers as a batch. Changes
// pruned from the log before they were read simply never arrive; watchers
// see the jump in sequence numbers and recover on their own.
package changefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/store"
)

// Source reads a change log.
type Source interface {
	// CurrentSeq returns the latest sequence number of a collection.
	CurrentSeq(ctx context.Context, c store.Collection) (uint64, error)
	// ReadChanges returns up to limit changes after seq, in order.
	ReadChanges(ctx context.Context, c store.Collection, after uint64, limit int) ([]store.ChangeEvent, error)
}

type Feed struct {
	src       Source
	interval  time.Duration
	batchSize int

	mu       sync.Mutex
	watchers map[store.Collection]map[int]func(store.ChangeBatch)
	cursors  map[store.Collection]uint64
	nextID   int

	// pollMu serializes polls so batches stay in order.
	pollMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func New(src Source, interval time.Duration, batchSize int) *Feed {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Feed{
		src:       src,
		interval:  interval,
		batchSize: batchSize,
		watchers:  make(map[store.Collection]map[int]func(store.ChangeBatch)),
		cursors:   make(map[store.Collection]uint64),
	}
}

// Watch registers fn for changes committed after the call. The first
// watcher of a collection positions its cursor at the current sequence
// number.
func (f *Feed) Watch(c store.Collection, fn func(store.ChangeBatch)) (func(), error) {
	if !store.ValidCollection(c) {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownCollection, c)
	}
	f.mu.Lock()
	_, positioned := f.cursors[c]
	f.mu.Unlock()

	var seq uint64
	if !positioned {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if seq, err = f.src.CurrentSeq(ctx, c); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cursors[c]; !ok {
		f.cursors[c] = seq
	}
	if f.watchers[c] == nil {
		f.watchers[c] = make(map[int]func(store.ChangeBatch))
	}
	f.nextID++
	id := f.nextID
	f.watchers[c][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers[c], id)
			f.mu.Unlock()
		})
	}, nil
}

// Start polls until Stop is called or ctx ends.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("ChangeFeed: poll failed", "error", err)
				}
			}
		}
	}()
}

func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// Poll reads and delivers all pending changes once.
func (f *Feed) Poll(ctx context.Context) error {
	f.pollMu.Lock()
	defer f.pollMu.Unlock()

	f.mu.Lock()
	var colls []store.Collection
	for c, ws := range f.watchers {
		if len(ws) > 0 {
			colls = append(colls, c)
		}
	}
	f.mu.Unlock()

	for _, c := range colls {
		if err := f.pollCollection(ctx, c); err != nil {
			return fmt.Errorf("poll %s: %w", c, err)
		}
	}
	return nil
}

func (f *Feed) pollCollection(ctx context.Context, c store.Collection) error {
	for {
		f.mu.Lock()
		cursor := f.cursors[c]
		f.mu.Unlock()

		events, err := f.src.ReadChanges(ctx, c, cursor, f.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		batch := store.ChangeBatch{Collection: c, Events: events}

		f.mu.Lock()
		f.cursors[c] = batch.LastSeq()
		fns := make([]func(store.ChangeBatch), 0, len(f.watchers[c]))
		for _, fn := range f.watchers[c] {
			fns = append(fns, fn)
		}
		f.mu.Unlock()

		for _, fn := range fns {
			fn(batch)
		}
		if len(events) < f.batchSize {
			return nil
		}
	}
}
