package sqlquery

import (
	"strings"

	"github.com/migadu/livequery/store"
)

// Exists returns the statement probing for a record id.
func Exists(d Dialect, c store.Collection) string {
	return "SELECT 1 FROM " + TableName(c) + " WHERE id = " + d.Placeholder(1)
}

// Upsert returns the statement inserting or replacing rec and its
// arguments. rec must have been validated.
func Upsert(d Dialect, rec store.Record) (string, []any) {
	fields := store.Fields(rec.Collection)
	b := &builder{d: d}
	cols := make([]string, len(fields))
	vals := make([]string, len(fields))
	var sets []string
	for i, f := range fields {
		cols[i] = f.Column
		vals[i] = b.arg(d.EncodeValue(f.Type, rec.Value(f.Name)))
		if f.Name != store.FieldID {
			sets = append(sets, f.Column+" = excluded."+f.Column)
		}
	}
	sql := "INSERT INTO " + TableName(rec.Collection) +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")" +
		" ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
	return sql, b.args
}

func Delete(d Dialect, c store.Collection) string {
	return "DELETE FROM " + TableName(c) + " WHERE id = " + d.Placeholder(1)
}

func Count(c store.Collection) string {
	return "SELECT COUNT(*) FROM " + TableName(c)
}

// NextSeq increments and returns a collection's sequence number. The row
// lock it takes serializes writers of one collection until commit, so
// sequence numbers become visible in order.
func NextSeq(d Dialect) string {
	return "UPDATE collection_seq SET seq = seq + 1 WHERE collection = " + d.Placeholder(1) + " RETURNING seq"
}

func CurrentSeq(d Dialect) string {
	return "SELECT seq FROM collection_seq WHERE collection = " + d.Placeholder(1)
}

func InsertChange(d Dialect) string {
	return "INSERT INTO changes (collection, seq, kind, record_id, payload, created_at) VALUES (" +
		d.Placeholder(1) + ", " + d.Placeholder(2) + ", " + d.Placeholder(3) + ", " +
		d.Placeholder(4) + ", " + d.Placeholder(5) + ", " + d.Placeholder(6) + ")"
}

// ReadChanges selects up to a limit of changes after a sequence number.
func ReadChanges(d Dialect) string {
	return "SELECT seq, kind, record_id, payload, created_at FROM changes WHERE collection = " +
		d.Placeholder(1) + " AND seq > " + d.Placeholder(2) + " ORDER BY seq LIMIT " + d.Placeholder(3)
}

func PruneChanges(d Dialect) string {
	return "DELETE FROM changes WHERE created_at < " + d.Placeholder(1)
}
