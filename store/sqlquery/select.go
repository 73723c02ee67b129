package sqlquery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/migadu/livequery/store"
)

type builder struct {
	d    Dialect
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) column(f store.Field) string {
	if f.Type == store.TypeID || f.Type == store.TypeString {
		return f.Column + b.d.Collate
	}
	return f.Column
}

// ColumnList returns the columns of a collection in schema order.
func ColumnList(c store.Collection) string {
	fields := store.Fields(c)
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Column
	}
	return strings.Join(cols, ", ")
}

// Select builds the query for sel. Rows come back in store.Compare order:
// sort keys with nulls ranked lowest, then id ascending.
func Select(d Dialect, sel store.Selection) (string, []any, error) {
	if !store.ValidCollection(sel.Collection) {
		return "", nil, fmt.Errorf("%w: %q", store.ErrUnknownCollection, sel.Collection)
	}
	b := &builder{d: d}
	var where []string

	for _, f := range sel.Filters {
		fd, err := lookup(sel.Collection, f.Field)
		if err != nil {
			return "", nil, err
		}
		if f.NotNull {
			where = append(where, fd.Column+" IS NOT NULL")
		}
		if len(f.Values) == 0 {
			continue
		}
		var in []string
		hasNull := false
		for _, v := range f.Values {
			if store.Normalize(v) == nil {
				hasNull = true
				continue
			}
			in = append(in, b.arg(d.EncodeValue(fd.Type, v)))
		}
		var cond []string
		if len(in) > 0 {
			cond = append(cond, fd.Column+" IN ("+strings.Join(in, ", ")+")")
		}
		if hasNull {
			cond = append(cond, fd.Column+" IS NULL")
		}
		where = append(where, "("+strings.Join(cond, " OR ")+")")
	}

	keys, err := sortFields(sel.Collection, sel.Sort)
	if err != nil {
		return "", nil, err
	}
	if sel.After != nil {
		where = append(where, b.keyset(keys, *sel.After))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(ColumnList(sel.Collection))
	sb.WriteString(" FROM ")
	sb.WriteString(TableName(sel.Collection))
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	order := make([]string, len(keys))
	for i, k := range keys {
		dir := " ASC NULLS FIRST"
		if k.desc {
			dir = " DESC NULLS LAST"
		}
		order[i] = b.column(k.field) + dir
	}
	sb.WriteString(strings.Join(order, ", "))
	if sel.Bounded() {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(sel.Limit))
	}
	return sb.String(), b.args, nil
}

type sortField struct {
	field store.Field
	desc  bool
}

// sortFields resolves the sort keys and appends the id tie-break.
func sortFields(c store.Collection, keys []store.SortKey) ([]sortField, error) {
	out := make([]sortField, 0, len(keys)+1)
	for _, k := range keys {
		f, err := lookup(c, k.Field)
		if err != nil {
			return nil, err
		}
		out = append(out, sortField{field: f, desc: k.Descending})
	}
	id, _ := store.LookupField(c, store.FieldID)
	return append(out, sortField{field: id}), nil
}

// keyset returns the condition selecting rows ranked strictly after rec:
// (k1 after v1) OR (k1 = v1 AND k2 after v2) OR ...
func (b *builder) keyset(keys []sortField, rec store.Record) string {
	ors := make([]string, 0, len(keys))
	for i, k := range keys {
		ands := make([]string, 0, i+1)
		for _, prev := range keys[:i] {
			ands = append(ands, b.equal(prev, rec))
		}
		ands = append(ands, b.after(k, rec))
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	return "(" + strings.Join(ors, " OR ") + ")"
}

func (b *builder) equal(k sortField, rec store.Record) string {
	v := store.Normalize(rec.Value(k.field.Name))
	if v == nil {
		return k.field.Column + " IS NULL"
	}
	return b.column(k.field) + " = " + b.arg(b.d.EncodeValue(k.field.Type, v))
}

// after ranks nulls lowest, so they come first ascending and last
// descending.
func (b *builder) after(k sortField, rec store.Record) string {
	v := store.Normalize(rec.Value(k.field.Name))
	switch {
	case v == nil && !k.desc:
		return k.field.Column + " IS NOT NULL"
	case v == nil:
		return "1 = 0"
	case !k.desc:
		return b.column(k.field) + " > " + b.arg(b.d.EncodeValue(k.field.Type, v))
	default:
		return "(" + b.column(k.field) + " < " + b.arg(b.d.EncodeValue(k.field.Type, v)) + " OR " + k.field.Column + " IS NULL)"
	}
}

func lookup(c store.Collection, name string) (store.Field, error) {
	f, ok := store.LookupField(c, name)
	if !ok {
		return store.Field{}, fmt.Errorf("%w: unknown field %q on %s", store.ErrInvalidRecord, name, c)
	}
	return f, nil
}

// Scan converts one row, in ColumnList order, into a record.
func Scan(d Dialect, c store.Collection, values []any) (store.Record, error) {
	fields := store.Fields(c)
	if len(values) != len(fields) {
		return store.Record{}, fmt.Errorf("scan %s: got %d columns, want %d", c, len(values), len(fields))
	}
	rec := store.Record{Collection: c, Fields: make(map[string]any, len(fields)-1)}
	for i, f := range fields {
		v, err := d.DecodeValue(f.Type, values[i])
		if err != nil {
			return store.Record{}, fmt.Errorf("scan %s.%s: %w", c, f.Column, err)
		}
		if f.Name == store.FieldID {
			id, _ := v.(string)
			rec.ID = id
			continue
		}
		rec.Fields[f.Name] = v
	}
	return rec, nil
}
