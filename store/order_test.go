package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string, received int64, read bool) Record {
	return Record{
		Collection: Items,
		ID:         id,
		Fields: map[string]any{
			FieldFolderID: "inbox",
			FieldReceived: time.Unix(received, 0).UTC(),
			FieldRead:     read,
		},
	}
}

func TestCompareValues(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"nil before value", nil, "a", -1},
		{"equal nils", nil, nil, 0},
		{"false before true", false, true, -1},
		{"int and int64", 3, int64(3), 0},
		{"ints", int64(2), int64(10), -1},
		{"strings", "b", "a", 1},
		{"times", now, now.Add(time.Second), -1},
		{"time zones compare by instant", now.UTC(), now.In(time.FixedZone("x", 3600)), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareValues(tt.a, tt.b))
		})
	}
}

func TestCompareBreaksTiesByID(t *testing.T) {
	keys := []SortKey{{Field: FieldReceived, Descending: true}}
	a := item("a", 10, false)
	b := item("b", 10, false)
	c := item("c", 20, false)

	assert.Negative(t, Compare(keys, a, b))
	assert.Positive(t, Compare(keys, b, a))
	assert.Negative(t, Compare(keys, c, a), "descending puts newer first")
	assert.Zero(t, Compare(keys, a, a))
}

func TestSelectionMatches(t *testing.T) {
	sel := Selection{
		Collection: Items,
		Filters:    []Filter{{Field: FieldFolderID, Values: []any{"inbox"}}},
	}
	assert.True(t, sel.Matches(item("a", 1, false)))

	other := item("b", 1, false)
	other.Fields[FieldFolderID] = "sent"
	assert.False(t, sel.Matches(other))

	folders := Selection{
		Collection: Folders,
		Filters:    []Filter{{Field: FieldSpecialFolder, NotNull: true}},
	}
	plain := Record{Collection: Folders, ID: "f1", Fields: map[string]any{FieldSpecialFolder: nil}}
	special := Record{Collection: Folders, ID: "f2", Fields: map[string]any{FieldSpecialFolder: SpecialInbox}}
	assert.False(t, folders.Matches(plain))
	assert.True(t, folders.Matches(special))
}

func TestEvaluate(t *testing.T) {
	records := []Record{
		item("a", 10, false),
		item("b", 5, true),
		item("c", 20, false),
		item("d", 10, true),
	}
	sel := Selection{
		Collection: Items,
		Sort:       []SortKey{{Field: FieldReceived, Descending: true}},
		Limit:      3,
	}

	got := Evaluate(sel, records)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "d"}, ids(got))

	after := got[1]
	sel.After = &after
	sel.Limit = Unlimited
	assert.Equal(t, []string{"d", "b"}, ids(Evaluate(sel, records)))
}

func TestValidate(t *testing.T) {
	rec := Record{Collection: Items, ID: "x", Fields: map[string]any{FieldSize: 42, FieldSubject: "hi"}}
	require.NoError(t, Validate(&rec))
	assert.Equal(t, int64(42), rec.Fields[FieldSize])
	assert.Equal(t, false, rec.Fields[FieldRead], "missing fields get zero values")

	bad := Record{Collection: Items, ID: "y", Fields: map[string]any{FieldRead: "yes"}}
	assert.ErrorIs(t, Validate(&bad), ErrInvalidRecord)

	unknown := Record{Collection: Items, ID: "z", Fields: map[string]any{"color": "red"}}
	assert.ErrorIs(t, Validate(&unknown), ErrInvalidRecord)

	assert.ErrorIs(t, Validate(&Record{Collection: "calendars", ID: "q"}), ErrUnknownCollection)
}

func TestLookupProp(t *testing.T) {
	f, ok := LookupProp(Stores, 13312)
	require.True(t, ok)
	assert.Equal(t, FieldDefaultStore, f.Name)
	assert.Equal(t, TypeBool, f.Type)

	_, ok = LookupProp(Items, 99999)
	assert.False(t, ok)
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
