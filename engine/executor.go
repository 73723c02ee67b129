package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
)

// Object is a result object that keeps its keys in request order.
type Object struct {
	keys   []string
	values []any
}

func NewObject() *Object {
	return &Object{}
}

// Set adds or replaces a key and returns its position.
func (o *Object) Set(key string, v any) int {
	for i, k := range o.keys {
		if k == key {
			o.values[i] = v
			return i
		}
	}
	o.keys = append(o.keys, key)
	o.values = append(o.values, v)
	return len(o.keys) - 1
}

func (o *Object) Get(key string) (any, bool) {
	for i, k := range o.keys {
		if k == key {
			return o.values[i], true
		}
	}
	return nil, false
}

func (o *Object) Keys() []string {
	return o.keys
}

func (o *Object) Len() int {
	return len(o.keys)
}

func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(JSONValue(o.values[i]))
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object and keeps its key order. Nested values
// decode to plain maps and slices.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected a JSON object, got %v", tok)
	}
	o.keys, o.values = o.keys[:0], o.values[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected an object key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		o.Set(key, v)
	}
	_, err = dec.Token()
	return err
}

// JSONValue converts a field value to its wire form. Times are RFC 3339
// in UTC and the zero time is null.
func JSONValue(v any) any {
	if t, ok := v.(time.Time); ok {
		if t.IsZero() {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

// RenderRecord builds the object requested by sel from one record. Nested
// selections are left unset.
func RenderRecord(sel *query.Selection, rec store.Record) *Object {
	obj := &Object{
		keys:   make([]string, 0, len(sel.Output)),
		values: make([]any, 0, len(sel.Output)),
	}
	for _, f := range sel.Output {
		switch {
		case f.Nested != nil:
			obj.Set(f.Key, nil)
		case f.Name == "__typename":
			obj.Set(f.Key, sel.TypeName())
		default:
			obj.Set(f.Key, rec.Value(f.Name))
		}
	}
	return obj
}

// Execute runs a one-shot query plan and returns its data object. Root
// fields and nested selections are read concurrently.
func (e *Engine) Execute(ctx context.Context, plan *query.Plan) (*Object, error) {
	if plan.Operation != query.OpQuery {
		return nil, ErrNotQuery
	}
	start := time.Now()
	data, err := e.execute(ctx, plan)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.QueriesTotal.WithLabelValues(query.OpQuery.String(), status).Inc()
	metrics.QueryDuration.WithLabelValues(query.OpQuery.String()).Observe(time.Since(start).Seconds())
	return data, err
}

func (e *Engine) execute(ctx context.Context, plan *query.Plan) (*Object, error) {
	data := NewObject()
	for _, root := range plan.Roots {
		data.Set(root.ResponseKey, nil)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, root := range plan.Roots {
		g.Go(func() error {
			v, err := e.resolve(gctx, root, "")
			data.values[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// resolve reads one selection, scoped to parentID when it is nested.
func (e *Engine) resolve(ctx context.Context, sel *query.Selection, parentID string) (any, error) {
	snap, err := e.adapter.Query(ctx, sel.StoreSelection(parentID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, storeError("query "+string(sel.Collection), err)
	}

	objs := make([]*Object, len(snap.Records))
	for i, rec := range snap.Records {
		objs[i] = RenderRecord(sel, rec)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, rec := range snap.Records {
		obj := objs[i]
		for j, f := range sel.Output {
			if f.Nested == nil {
				continue
			}
			g.Go(func() error {
				v, err := e.resolve(gctx, f.Nested, rec.ID)
				obj.values[j] = v
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if sel.Single {
		if len(objs) == 0 {
			return nil, nil
		}
		return objs[0], nil
	}
	list := make([]any, len(objs))
	for i, o := range objs {
		list[i] = o
	}
	return list, nil
}
