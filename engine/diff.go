package engine

import (
	"slices"

	"github.com/migadu/livequery/store"
)

type DiffKind int

const (
	ItemAdded DiffKind = iota + 1
	ItemUpdated
	ItemRemoved
	ItemsReloaded
)

func (k DiffKind) String() string {
	switch k {
	case ItemAdded:
		return "added"
	case ItemUpdated:
		return "updated"
	case ItemRemoved:
		return "removed"
	case ItemsReloaded:
		return "reloaded"
	default:
		return "unknown"
	}
}

// DiffEvent is one change to a subscription's window. Index is the
// position after the change for ItemAdded and ItemUpdated and the position
// before the change for ItemRemoved. Records is only set for ItemsReloaded.
type DiffEvent struct {
	Kind    DiffKind
	Index   int
	ID      string
	Record  store.Record
	Records []store.Record
}

func Added(index int, rec store.Record) DiffEvent {
	return DiffEvent{Kind: ItemAdded, Index: index, ID: rec.ID, Record: rec}
}

func Updated(index int, rec store.Record) DiffEvent {
	return DiffEvent{Kind: ItemUpdated, Index: index, ID: rec.ID, Record: rec}
}

func Removed(index int, id string) DiffEvent {
	return DiffEvent{Kind: ItemRemoved, Index: index, ID: id}
}

func Reloaded(recs []store.Record) DiffEvent {
	if recs == nil {
		recs = []store.Record{}
	}
	return DiffEvent{Kind: ItemsReloaded, Records: recs}
}

// ApplyTo replays the event on an observer's copy of the window and returns
// the new copy. An update removes the record with the same id and inserts
// the new version at Index, so it also covers records that moved.
func (ev DiffEvent) ApplyTo(view []store.Record) []store.Record {
	switch ev.Kind {
	case ItemsReloaded:
		return slices.Clone(ev.Records)
	case ItemRemoved:
		if ev.Index < 0 || ev.Index >= len(view) {
			return view
		}
		return slices.Delete(view, ev.Index, ev.Index+1)
	case ItemUpdated:
		if i := slices.IndexFunc(view, func(r store.Record) bool { return r.ID == ev.ID }); i >= 0 {
			view = slices.Delete(view, i, i+1)
		}
		fallthrough
	case ItemAdded:
		idx := min(max(ev.Index, 0), len(view))
		return slices.Insert(view, idx, ev.Record)
	}
	return view
}
