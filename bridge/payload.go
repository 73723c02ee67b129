package bridge

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/query"
)

var ErrInvalidPayload = errors.New("invalid payload")

var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
}

// Payload is one of the JSON documents crossing the bridge: QueryResult,
// PendingAck, ItemAdded, ItemUpdated, ItemRemoved or ItemsReloaded.
type Payload interface {
	payload()
}

// QueryResult answers a one-shot query.
type QueryResult struct {
	Results *Results `json:"results" validate:"required"`
}

type Results struct {
	Data any `json:"data"`
}

// PendingAck answers a subscription.
type PendingAck struct {
	Pending uint64 `json:"pending" validate:"required"`
}

// ItemAdded and the other record-carrying variants keep the field order the
// subscription selected.
type ItemAdded struct {
	Index *int           `json:"index" validate:"required,gte=0"`
	Added *engine.Object `json:"added" validate:"required"`
}

type ItemUpdated struct {
	Index   *int           `json:"index" validate:"required,gte=0"`
	Updated *engine.Object `json:"updated" validate:"required"`
}

type ItemRemoved struct {
	Index   *int   `json:"index" validate:"required,gte=0"`
	Removed string `json:"removed" validate:"required"`
}

type ItemsReloaded struct {
	Reloaded []*engine.Object `json:"reloaded" validate:"required"`
}

func (*QueryResult) payload()   {}
func (*PendingAck) payload()    {}
func (*ItemAdded) payload()     {}
func (*ItemUpdated) payload()   {}
func (*ItemRemoved) payload()   {}
func (*ItemsReloaded) payload() {}

// Encode validates p and returns its JSON form.
func Encode(p Payload) (string, error) {
	if err := payloadValidate.Struct(p); err != nil {
		return "", fmt.Errorf("%w: %T: %v", ErrInvalidPayload, p, err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a payload, choosing the variant by its keys.
func Decode(data []byte) (Payload, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p Payload
	switch {
	case has(probe, "results"):
		p = &QueryResult{}
	case has(probe, "pending"):
		p = &PendingAck{}
	case has(probe, "added"):
		p = &ItemAdded{}
	case has(probe, "updated"):
		p = &ItemUpdated{}
	case has(probe, "removed"):
		p = &ItemRemoved{}
	case has(probe, "reloaded"):
		p = &ItemsReloaded{}
	default:
		return nil, fmt.Errorf("%w: unrecognized payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrInvalidPayload, p, err)
	}
	return p, nil
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// diffPayload converts a diff event into its wire variant, rendering
// records with the fields sel requests.
func diffPayload(sel *query.Selection, ev engine.DiffEvent) (Payload, error) {
	idx := ev.Index
	switch ev.Kind {
	case engine.ItemAdded:
		return &ItemAdded{Index: &idx, Added: engine.RenderRecord(sel, ev.Record)}, nil
	case engine.ItemUpdated:
		return &ItemUpdated{Index: &idx, Updated: engine.RenderRecord(sel, ev.Record)}, nil
	case engine.ItemRemoved:
		return &ItemRemoved{Index: &idx, Removed: ev.ID}, nil
	case engine.ItemsReloaded:
		out := make([]*engine.Object, len(ev.Records))
		for i, rec := range ev.Records {
			out[i] = engine.RenderRecord(sel, rec)
		}
		return &ItemsReloaded{Reloaded: out}, nil
	}
	return nil, fmt.Errorf("%w: diff kind %d", ErrInvalidPayload, ev.Kind)
}
