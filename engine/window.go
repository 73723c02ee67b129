package engine

import (
	"github.com/google/btree"
	"github.com/migadu/livequery/store"
)

const btreeDegree = 16

// Window is the ordered, bounded set of records visible to one
// subscription. Records are kept in a B-tree ordered by the sort keys with
// the id as final tie-break, plus an id index for membership tests.
//
// A Window is not safe for concurrent use; it belongs to the goroutine
// maintaining its subscription.
type Window struct {
	sort  []store.SortKey
	limit int
	tree  *btree.BTreeG[store.Record]
	byID  map[string]store.Record
}

// NewWindow creates an empty window. A negative limit makes it unbounded.
func NewWindow(sort []store.SortKey, limit int) *Window {
	keys := append([]store.SortKey(nil), sort...)
	return &Window{
		sort:  keys,
		limit: limit,
		tree: btree.NewG(btreeDegree, func(a, b store.Record) bool {
			return store.Compare(keys, a, b) < 0
		}),
		byID: make(map[string]store.Record),
	}
}

func (w *Window) Len() int {
	return w.tree.Len()
}

func (w *Window) Limit() int {
	return w.limit
}

// Full reports whether the window holds limit records. Unbounded windows
// are never full.
func (w *Window) Full() bool {
	return w.limit >= 0 && w.tree.Len() >= w.limit
}

func (w *Window) Has(id string) bool {
	_, ok := w.byID[id]
	return ok
}

func (w *Window) Get(id string) (store.Record, bool) {
	r, ok := w.byID[id]
	return r, ok
}

// Less reports whether a ranks before b in the window order.
func (w *Window) Less(a, b store.Record) bool {
	return store.Compare(w.sort, a, b) < 0
}

// IndexOf returns the 0-based position of id, or -1. The cost is
// proportional to the position, so at most the window size.
func (w *Window) IndexOf(id string) int {
	rec, ok := w.byID[id]
	if !ok {
		return -1
	}
	idx := 0
	w.tree.Ascend(func(r store.Record) bool {
		if r.ID == rec.ID {
			return false
		}
		idx++
		return true
	})
	return idx
}

// Insert adds rec, replacing any record with the same id, and returns its
// position. It does not enforce the limit.
func (w *Window) Insert(rec store.Record) int {
	w.put(rec)
	return w.IndexOf(rec.ID)
}

func (w *Window) put(rec store.Record) {
	if old, ok := w.byID[rec.ID]; ok {
		w.tree.Delete(old)
	}
	w.tree.ReplaceOrInsert(rec)
	w.byID[rec.ID] = rec
}

// Remove deletes id and returns the position it had.
func (w *Window) Remove(id string) (int, store.Record, bool) {
	rec, ok := w.byID[id]
	if !ok {
		return -1, store.Record{}, false
	}
	idx := w.IndexOf(id)
	w.tree.Delete(rec)
	delete(w.byID, id)
	return idx, rec, true
}

// Last returns the lowest-ranked record.
func (w *Window) Last() (store.Record, bool) {
	return w.tree.Max()
}

// Records returns the window contents in order.
func (w *Window) Records() []store.Record {
	out := make([]store.Record, 0, w.tree.Len())
	w.tree.Ascend(func(r store.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Reset replaces the contents with recs, keeping at most limit of the
// best-ranked ones.
func (w *Window) Reset(recs []store.Record) {
	w.tree.Clear(false)
	clear(w.byID)
	for _, r := range recs {
		w.put(r)
	}
	for w.limit >= 0 && w.tree.Len() > w.limit {
		last, _ := w.tree.Max()
		w.tree.Delete(last)
		delete(w.byID, last.ID)
	}
}
