package sqlquery

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/migadu/livequery/store"
)

// EncodeFields serializes the field values of rec for the change log.
func EncodeFields(rec store.Record) (string, error) {
	m := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if t, ok := v.(time.Time); ok {
			m[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeFields parses field values written by EncodeFields, restoring
// their schema types.
func DecodeFields(c store.Collection, data string) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for name, msg := range raw {
		f, ok := store.LookupField(c, name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q on %s", store.ErrInvalidRecord, name, c)
		}
		v, err := decodeJSON(f.Type, msg)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func decodeJSON(t store.FieldType, msg json.RawMessage) (any, error) {
	if string(msg) == "null" {
		return nil, nil
	}
	switch t {
	case store.TypeBool:
		var b bool
		err := json.Unmarshal(msg, &b)
		return b, err
	case store.TypeInt:
		var n int64
		err := json.Unmarshal(msg, &n)
		return n, err
	case store.TypeTime:
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, err
		}
		tm, err := time.Parse(time.RFC3339Nano, s)
		return tm.UTC(), err
	default:
		var s string
		err := json.Unmarshal(msg, &s)
		return s, err
	}
}

// ChangeRow is one row of the change log.
type ChangeRow struct {
	Seq      int64
	Kind     int64
	RecordID string
	Payload  *string
	At       any
}

// Event converts a change log row into a change event.
func (r ChangeRow) Event(d Dialect, c store.Collection) (store.ChangeEvent, error) {
	ev := store.ChangeEvent{
		Kind:       store.ChangeKind(r.Kind),
		Collection: c,
		Seq:        uint64(r.Seq),
		ID:         r.RecordID,
	}
	if at, err := d.DecodeValue(store.TypeTime, r.At); err == nil && at != nil {
		ev.At = at.(time.Time)
	}
	if ev.Kind == store.Removed || r.Payload == nil {
		return ev, nil
	}
	fields, err := DecodeFields(c, *r.Payload)
	if err != nil {
		return store.ChangeEvent{}, fmt.Errorf("change %s/%d: %w", c, r.Seq, err)
	}
	ev.Record = store.Record{Collection: c, ID: r.RecordID, Fields: fields}
	return ev, nil
}
