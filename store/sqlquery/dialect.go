// Package sqlquery builds the SQL shared by the relational store backends:
// keyset-paginated selects matching store.Compare ordering, upserts, and the
// per-collection sequence and change log statements.
package sqlquery

import (
	"fmt"
	"strconv"
	"time"

	"github.com/migadu/livequery/store"
)

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Name string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Collate is appended to text columns in comparisons and ordering so
	// they compare bytewise like Go strings.
	Collate string
	// EncodeValue converts a canonical field value to a driver argument.
	EncodeValue func(t store.FieldType, v any) any
	// DecodeValue converts a scanned column value to the canonical type.
	DecodeValue func(t store.FieldType, v any) (any, error)
}

var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Collate:     ` COLLATE "C"`,
	EncodeValue: func(_ store.FieldType, v any) any { return store.Normalize(v) },
	DecodeValue: decodeNative,
}

// SQLite stores booleans as 0/1 and times as Unix microseconds.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(int) string { return "?" },
	EncodeValue: encodeSQLite,
	DecodeValue: decodeNative,
}

func encodeSQLite(t store.FieldType, v any) any {
	switch x := store.Normalize(v).(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return x.UnixMicro()
	default:
		return x
	}
}

func decodeNative(t store.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case store.TypeID, store.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case store.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
	case store.TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case int:
			return int64(x), nil
		}
	case store.TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case int64:
			return time.UnixMicro(x).UTC(), nil
		}
	}
	return nil, fmt.Errorf("cannot decode %T as %s", v, t)
}

// TableName returns the table holding a collection.
func TableName(c store.Collection) string {
	return string(c)
}
