// Package memstore is an in-process store backend. Reads take a shared
// lock; writes are serialized and fan out to watchers while the write lock
// is held, so every watcher sees each collection's changes in sequence order.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/livequery/store"
)

type Store struct {
	mu       sync.RWMutex
	records  map[store.Collection]map[string]store.Record
	seq      map[store.Collection]uint64
	watchers map[store.Collection]map[int]func(store.ChangeBatch)
	nextID   int
	closed   bool
	now      func() time.Time
}

var _ store.Backend = (*Store)(nil)

func New() *Store {
	s := &Store{
		records:  make(map[store.Collection]map[string]store.Record),
		seq:      make(map[store.Collection]uint64),
		watchers: make(map[store.Collection]map[int]func(store.ChangeBatch)),
		now:      time.Now,
	}
	for _, c := range store.Collections() {
		s.records[c] = make(map[string]store.Record)
		s.watchers[c] = make(map[int]func(store.ChangeBatch))
	}
	return s
}

func (s *Store) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrUnavailable
	}
	recs, ok := s.records[sel.Collection]
	if !ok {
		return store.Snapshot{}, fmt.Errorf("%w: %q", store.ErrUnknownCollection, sel.Collection)
	}

	all := make([]store.Record, 0, len(recs))
	for _, r := range recs {
		all = append(all, r)
	}
	matched := store.Evaluate(sel, all)
	out := make([]store.Record, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return store.Snapshot{Records: out, Seq: s.seq[sel.Collection]}, nil
}

func (s *Store) Get(ctx context.Context, collection store.Collection, id string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Record{}, store.ErrUnavailable
	}
	r, ok := s.records[collection][id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r.Clone(), nil
}

// Seq returns the current sequence number of a collection.
func (s *Store) Seq(collection store.Collection) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq[collection]
}

func (s *Store) Watch(collection store.Collection, fn func(store.ChangeBatch)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	ws, ok := s.watchers[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownCollection, collection)
	}
	s.nextID++
	id := s.nextID
	ws[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[collection], id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record) (store.ChangeEvent, error) {
	var ev store.ChangeEvent
	err := s.Mutate(ctx, func(m *Mutation) error {
		var err error
		ev, err = m.Put(rec)
		return err
	})
	return ev, err
}

func (s *Store) Remove(ctx context.Context, collection store.Collection, id string) (store.ChangeEvent, error) {
	var ev store.ChangeEvent
	err := s.Mutate(ctx, func(m *Mutation) error {
		var err error
		ev, err = m.Remove(collection, id)
		return err
	})
	return ev, err
}

// Mutation collects the changes of one Mutate call.
type Mutation struct {
	s      *Store
	events map[store.Collection][]store.ChangeEvent
	order  []store.Collection
}

// Put inserts or replaces a record within the mutation.
func (m *Mutation) Put(rec store.Record) (store.ChangeEvent, error) {
	rec = rec.Clone()
	if err := store.Validate(&rec); err != nil {
		return store.ChangeEvent{}, err
	}
	kind := store.Inserted
	if _, ok := m.s.records[rec.Collection][rec.ID]; ok {
		kind = store.Updated
	}
	m.s.records[rec.Collection][rec.ID] = rec
	return m.append(store.ChangeEvent{Kind: kind, Collection: rec.Collection, ID: rec.ID, Record: rec.Clone()}), nil
}

// Remove deletes a record within the mutation.
func (m *Mutation) Remove(collection store.Collection, id string) (store.ChangeEvent, error) {
	recs, ok := m.s.records[collection]
	if !ok {
		return store.ChangeEvent{}, fmt.Errorf("%w: %q", store.ErrUnknownCollection, collection)
	}
	if _, ok := recs[id]; !ok {
		return store.ChangeEvent{}, store.ErrNotFound
	}
	delete(recs, id)
	return m.append(store.ChangeEvent{Kind: store.Removed, Collection: collection, ID: id}), nil
}

func (m *Mutation) append(ev store.ChangeEvent) store.ChangeEvent {
	m.s.seq[ev.Collection]++
	ev.Seq = m.s.seq[ev.Collection]
	ev.At = m.s.now()
	if _, ok := m.events[ev.Collection]; !ok {
		m.order = append(m.order, ev.Collection)
	}
	m.events[ev.Collection] = append(m.events[ev.Collection], ev)
	return ev
}

// Mutate applies several changes atomically. Watchers receive one batch per
// touched collection. Changes made before fn returns an error are kept and
// published.
func (s *Store) Mutate(ctx context.Context, fn func(m *Mutation) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}

	m := &Mutation{s: s, events: make(map[store.Collection][]store.ChangeEvent)}
	err := fn(m)
	for _, c := range m.order {
		batch := store.ChangeBatch{Collection: c, Events: m.events[c]}
		for _, w := range s.watchers[c] {
			w(batch)
		}
	}
	return err
}

// Close makes further reads fail with store.ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
