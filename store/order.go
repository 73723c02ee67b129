package store

import (
	"slices"
	"strings"
	"time"
)

// Normalize converts integer and time variants to the canonical field value
// types. Unknown types are returned unchanged.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case time.Time:
		return x.UTC()
	}
	return v
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	}
	return 5
}

// CompareValues orders two field values. nil sorts before any value; values
// of different types order by type.
func CompareValues(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64:
		y := b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

// Compare orders two records under the sort keys, breaking ties by id
// ascending. The result is never 0 for records with different ids.
func Compare(keys []SortKey, a, b Record) int {
	for _, k := range keys {
		c := CompareValues(a.Value(k.Field), b.Value(k.Field))
		if c == 0 {
			continue
		}
		if k.Descending {
			return -c
		}
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Matches reports whether a record passes every filter of the selection.
func (s Selection) Matches(r Record) bool {
	if r.Collection != "" && r.Collection != s.Collection {
		return false
	}
	for _, f := range s.Filters {
		v := Normalize(r.Value(f.Field))
		if f.NotNull && v == nil {
			return false
		}
		if len(f.Values) == 0 {
			continue
		}
		found := false
		for _, want := range f.Values {
			if CompareValues(v, want) == 0 {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Less reports whether a ranks before b in the selection order.
func (s Selection) Less(a, b Record) bool {
	return Compare(s.Sort, a, b) < 0
}

// Evaluate applies the selection to an unordered set of records: filter,
// order, keyset cursor, then limit. Backends without native ordering use it
// and tests use it as the reference result.
func Evaluate(sel Selection, records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !sel.Matches(r) {
			continue
		}
		if sel.After != nil && Compare(sel.Sort, r, *sel.After) <= 0 {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int {
		return Compare(sel.Sort, a, b)
	})
	if sel.Bounded() && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out
}
