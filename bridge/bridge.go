// Package bridge is the request/response and push contract of the query
// engine. FetchQuery answers one-shot queries with a results document and
// subscriptions with a pending id, after which every diff event is pushed
// to the caller's onNext callback as a JSON document.
package bridge

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/query"
)

var ErrMissingCallback = errors.New("subscription requires an onNext callback")

type Bridge struct {
	engine   *engine.Engine
	compiler *query.Compiler
	group    singleflight.Group
}

func New(eng *engine.Engine, compiler *query.Compiler) *Bridge {
	if compiler == nil {
		compiler = query.NewCompiler(query.Options{})
	}
	return &Bridge{engine: eng, compiler: compiler}
}

// Compile exposes the bridge's compiler so transports can inspect an
// operation before running it.
func (b *Bridge) Compile(source, operationName, variables string) (*query.Plan, error) {
	plan, err := b.compiler.Compile(source, operationName, variables)
	if err != nil {
		metrics.CompileErrorsTotal.WithLabelValues(query.KindOf(err).String()).Inc()
		return nil, err
	}
	return plan, nil
}

// FetchQuery runs one operation. Compile errors are returned as
// *query.CompileError before any store access.
//
// For a one-shot query the result is {"results": {"data": ...}} and onNext
// is never called. For a subscription the result is {"pending": id}; onNext
// then receives one payload per diff event, in order, starting with the
// initial window. Calls never overlap.
//
// The first onNext call waits until the subscription is registered but may
// run before the caller has handled the pending result; callers that must
// act on the id first gate their callback. After Unsubscribe(id) no further
// payload is passed to onNext, and onNext may itself call Unsubscribe.
func (b *Bridge) FetchQuery(ctx context.Context, source, operationName, variables string, onNext func(string)) (string, error) {
	plan, err := b.Compile(source, operationName, variables)
	if err != nil {
		return "", err
	}
	return b.Run(ctx, plan, source+"\x00"+operationName+"\x00"+variables, onNext)
}

// Run executes a compiled plan. key identifies identical one-shot queries,
// which share a single execution while one is in flight; an empty key
// disables sharing.
func (b *Bridge) Run(ctx context.Context, plan *query.Plan, key string, onNext func(string)) (string, error) {
	switch plan.Operation {
	case query.OpSubscription:
		return b.subscribe(ctx, plan, onNext)
	default:
		return b.query(ctx, plan, key)
	}
}

func (b *Bridge) query(ctx context.Context, plan *query.Plan, key string) (string, error) {
	run := func(ctx context.Context) (string, error) {
		data, err := b.engine.Execute(ctx, plan)
		if err != nil {
			return "", err
		}
		return Encode(&QueryResult{Results: &Results{Data: data}})
	}
	if key == "" {
		return run(ctx)
	}

	// The shared execution outlives any one caller; each caller stops
	// waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := b.group.DoChan(key, func() (any, error) {
		return run(shared)
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.CoalescedQueriesTotal.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *Bridge) subscribe(ctx context.Context, plan *query.Plan, onNext func(string)) (string, error) {
	if onNext == nil {
		return "", ErrMissingCallback
	}
	root := plan.Subscription()
	start := time.Now()

	registry := b.engine.Registry()
	ready := make(chan struct{})
	observer := func(id uint64, events []engine.DiffEvent) {
		<-ready
		for _, ev := range events {
			if !registry.Live(id) {
				return
			}
			p, err := diffPayload(root, ev)
			if err == nil {
				var s string
				if s, err = Encode(p); err == nil {
					onNext(s)
					continue
				}
			}
			logger.Error("Bridge: dropping undeliverable event", "subscription", id, "kind", ev.Kind, "error", err)
		}
	}

	id, err := b.engine.Subscribe(ctx, plan, observer)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(query.OpSubscription.String(), "failure").Inc()
		return "", err
	}
	defer close(ready)

	metrics.QueriesTotal.WithLabelValues(query.OpSubscription.String(), "success").Inc()
	metrics.QueryDuration.WithLabelValues(query.OpSubscription.String()).Observe(time.Since(start).Seconds())
	return Encode(&PendingAck{Pending: id})
}

// Unsubscribe cancels a subscription. Unknown ids are ignored.
func (b *Bridge) Unsubscribe(id uint64) {
	b.engine.Unsubscribe(id)
}

// Subscriptions lists the live subscriptions.
func (b *Bridge) Subscriptions() []engine.Info {
	return b.engine.Registry().List()
}
