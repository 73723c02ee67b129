// Package store defines the contract between the live-query engine and the
// mail data it reads.
//
// An Adapter exposes ordered, filterable enumeration of records (stores,
// folders and items) and a change feed. Every change carries a sequence
// number that increases by exactly one per collection, which lets consumers
// detect missed changes.
//
// Concrete backends live in sub-packages:
//   - memstore: in-process maps, used by tests and the default server mode
//   - sqlitestore: embedded modernc.org/sqlite database
//   - pgstore: PostgreSQL through pgx
package store

import (
	"context"
	"time"
)

// Collection names a set of records of one kind.
type Collection string

const (
	Stores  Collection = "stores"
	Folders Collection = "folders"
	Items   Collection = "items"
)

// Unlimited disables the result-count bound of a Selection.
const Unlimited = -1

// Record is a single addressable entity. Field values are one of nil, bool,
// int64, string or time.Time.
type Record struct {
	Collection Collection
	ID         string
	Fields     map[string]any
}

// Value returns the value of a field, resolving "id" to the record id.
func (r Record) Value(field string) any {
	if field == FieldID {
		return r.ID
	}
	return r.Fields[field]
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{Collection: r.Collection, ID: r.ID, Fields: fields}
}

// Equal reports whether two records carry the same id and field values.
func (r Record) Equal(o Record) bool {
	if r.Collection != o.Collection || r.ID != o.ID || len(r.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range r.Fields {
		ov, ok := o.Fields[k]
		if !ok || CompareValues(v, ov) != 0 {
			return false
		}
	}
	return true
}

// SortKey orders records by one field.
type SortKey struct {
	Field      string
	Descending bool
}

// Filter restricts a field to a set of values. NotNull alone keeps records
// where the field is set.
type Filter struct {
	Field   string
	Values  []any
	NotNull bool
}

// Selection describes an ordered, filtered and bounded read of one
// collection. Results are ordered by Sort and then by id ascending.
type Selection struct {
	Collection Collection
	Filters    []Filter
	Sort       []SortKey
	Limit      int
	// After, when set, restricts results to records ranking strictly after it.
	After *Record
}

// Bounded reports whether the selection has a result-count limit.
func (s Selection) Bounded() bool {
	return s.Limit >= 0
}

// Snapshot is the result of a read. Seq is the collection sequence number
// the records reflect.
type Snapshot struct {
	Records []Record
	Seq     uint64
}

type ChangeKind int

const (
	Inserted ChangeKind = iota + 1
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one mutation. Record is set for Inserted and
// Updated; ID is always set.
type ChangeEvent struct {
	Kind       ChangeKind
	Collection Collection
	Seq        uint64
	ID         string
	Record     Record
	At         time.Time
}

// ChangeBatch is a run of changes on one collection in sequence order.
type ChangeBatch struct {
	Collection Collection
	Events     []ChangeEvent
}

// FirstSeq returns the sequence number of the first event, or 0.
func (b ChangeBatch) FirstSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[0].Seq
}

// LastSeq returns the sequence number of the last event, or 0.
func (b ChangeBatch) LastSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Seq
}

// Adapter is the read side used by the engine. Implementations must allow
// concurrent readers. Watch callbacks run on the producer's goroutine and
// must not block.
type Adapter interface {
	Query(ctx context.Context, sel Selection) (Snapshot, error)
	Get(ctx context.Context, collection Collection, id string) (Record, error)
	Watch(collection Collection, fn func(ChangeBatch)) (cancel func(), err error)
}

// Writer mutates records and appends the matching change to the feed.
type Writer interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec Record) (ChangeEvent, error)
	Remove(ctx context.Context, collection Collection, id string) (ChangeEvent, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	Adapter
	Writer
	Close() error
}

// ChangePruner is implemented by backends that keep a change log.
type ChangePruner interface {
	PruneChanges(ctx context.Context, olderThan time.Duration) (int64, error)
}
