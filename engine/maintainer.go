package engine

import (
	"context"

	"github.com/migadu/livequery/store"
)

// Maintainer keeps a Window equal to the top-limit records of a selection
// while change batches are applied, and reports each window mutation as a
// DiffEvent.
//
// Batches must be applied in feed order. A batch whose first new sequence
// number does not follow the last applied one is treated as a gap: the
// window is re-read from the adapter and a single ItemsReloaded is emitted.
// Events with sequence numbers already applied are skipped, so replaying a
// batch has no effect.
type Maintainer struct {
	sel     store.Selection
	adapter store.Adapter
	window  *Window
	seq     uint64
	stale   bool
}

// NewMaintainer initializes a window from snap, which must be the result of
// reading sel.
func NewMaintainer(sel store.Selection, adapter store.Adapter, snap store.Snapshot) *Maintainer {
	sel.After = nil
	w := NewWindow(sel.Sort, sel.Limit)
	w.Reset(snap.Records)
	return &Maintainer{
		sel:     sel,
		adapter: adapter,
		window:  w,
		seq:     snap.Seq,
	}
}

func (m *Maintainer) Window() *Window {
	return m.window
}

// Seq is the sequence number the window reflects.
func (m *Maintainer) Seq() uint64 {
	return m.seq
}

// Stale reports whether a failed store read left the window out of date.
func (m *Maintainer) Stale() bool {
	return m.stale
}

// Reload re-reads the window from the adapter.
func (m *Maintainer) Reload(ctx context.Context) (DiffEvent, error) {
	snap, err := m.adapter.Query(ctx, m.sel)
	if err != nil {
		m.stale = true
		return DiffEvent{}, err
	}
	m.window.Reset(snap.Records)
	m.seq = snap.Seq
	m.stale = false
	return Reloaded(m.window.Records()), nil
}

// Apply processes one change batch. On a store error the events returned
// still describe every mutation made to the window, and the maintainer is
// marked stale so the next batch reloads.
func (m *Maintainer) Apply(ctx context.Context, batch store.ChangeBatch) ([]DiffEvent, error) {
	if batch.Collection != m.sel.Collection {
		return nil, nil
	}
	events := batch.Events
	for len(events) > 0 && events[0].Seq <= m.seq {
		events = events[1:]
	}
	if len(events) == 0 {
		return nil, nil
	}

	if m.stale || checkSequence(m.seq, events) != nil {
		ev, err := m.Reload(ctx)
		if err != nil {
			return nil, err
		}
		return []DiffEvent{ev}, nil
	}

	var out []DiffEvent
	for _, ev := range events {
		diffs, err := m.applyChange(ctx, ev)
		out = append(out, diffs...)
		if err != nil {
			m.stale = true
			return out, err
		}
		m.seq = ev.Seq
	}
	return out, nil
}

func checkSequence(last uint64, events []store.ChangeEvent) error {
	for _, ev := range events {
		if ev.Seq != last+1 {
			return ErrSequenceGap
		}
		last = ev.Seq
	}
	return nil
}

func (m *Maintainer) applyChange(ctx context.Context, ev store.ChangeEvent) ([]DiffEvent, error) {
	switch ev.Kind {
	case store.Removed:
		return m.remove(ctx, ev.ID)
	case store.Inserted, store.Updated:
		rec := ev.Record
		if rec.ID == "" {
			rec.ID = ev.ID
		}
		return m.upsert(ctx, rec)
	}
	return nil, nil
}

func (m *Maintainer) remove(ctx context.Context, id string) ([]DiffEvent, error) {
	wasFull := m.window.Full()
	idx, _, ok := m.window.Remove(id)
	if !ok {
		return nil, nil
	}
	out := []DiffEvent{Removed(idx, id)}
	if !wasFull {
		// A window short of its limit already held every match.
		return out, nil
	}
	added, err := m.backfill(ctx)
	return append(out, added...), err
}

func (m *Maintainer) upsert(ctx context.Context, rec store.Record) ([]DiffEvent, error) {
	matches := m.sel.Matches(rec)
	if !m.window.Has(rec.ID) {
		return m.insert(rec, matches), nil
	}
	if !matches {
		return m.remove(ctx, rec.ID)
	}

	wasFull := m.window.Full()
	oldIdx, _, _ := m.window.Remove(rec.ID)
	if !wasFull {
		return []DiffEvent{Updated(m.window.Insert(rec), rec)}, nil
	}
	if last, ok := m.window.Last(); ok && m.window.Less(rec, last) {
		return []DiffEvent{Updated(m.window.Insert(rec), rec)}, nil
	}

	// rec now ranks at or past the cutoff; a record outside the window may
	// take its place.
	cand, ok, err := m.nextCandidate(ctx)
	if err != nil {
		m.window.Insert(rec)
		return nil, err
	}
	if !ok || cand.ID == rec.ID || m.window.Less(rec, cand) {
		return []DiffEvent{Updated(m.window.Insert(rec), rec)}, nil
	}
	return []DiffEvent{
		Removed(oldIdx, rec.ID),
		Added(m.window.Insert(cand), cand),
	}, nil
}

func (m *Maintainer) insert(rec store.Record, matches bool) []DiffEvent {
	if !matches || m.sel.Limit == 0 {
		return nil
	}
	if !m.window.Full() {
		return []DiffEvent{Added(m.window.Insert(rec), rec)}
	}
	last, _ := m.window.Last()
	if !m.window.Less(rec, last) {
		return nil
	}
	lastIdx := m.window.Len() - 1
	m.window.Remove(last.ID)
	return []DiffEvent{
		Removed(lastIdx, last.ID),
		Added(m.window.Insert(rec), rec),
	}
}

// nextCandidate returns the best-ranked matching record after the window's
// last entry that the window does not hold.
func (m *Maintainer) nextCandidate(ctx context.Context) (store.Record, bool, error) {
	var found store.Record
	ok := false
	err := m.scanAfter(ctx, 1, func(r store.Record) bool {
		found, ok = r, true
		return false
	})
	return found, ok, err
}

// backfill tops the window up to its limit from records ranked after its
// last entry.
func (m *Maintainer) backfill(ctx context.Context) ([]DiffEvent, error) {
	if !m.sel.Bounded() || m.window.Full() {
		return nil, nil
	}
	var out []DiffEvent
	err := m.scanAfter(ctx, m.sel.Limit-m.window.Len(), func(r store.Record) bool {
		out = append(out, Added(m.window.Insert(r), r))
		return !m.window.Full()
	})
	return out, err
}

// scanAfter pages through matching records ranked after the window's last
// entry, skipping ids the window already holds, until fn returns false or
// the records run out. The store may be ahead of the window, so a record
// held by the window can appear after its cursor.
func (m *Maintainer) scanAfter(ctx context.Context, pageSize int, fn func(store.Record) bool) error {
	sel := m.sel
	sel.Limit = pageSize
	if last, ok := m.window.Last(); ok {
		sel.After = &last
	}
	for {
		snap, err := m.adapter.Query(ctx, sel)
		if err != nil {
			return err
		}
		for _, r := range snap.Records {
			if m.window.Has(r.ID) {
				continue
			}
			if !fn(r) {
				return nil
			}
		}
		if len(snap.Records) < pageSize {
			return nil
		}
		cursor := snap.Records[len(snap.Records)-1]
		sel.After = &cursor
	}
}
