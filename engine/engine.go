// Package engine runs queries and live subscriptions against a store
// adapter.
//
// Each subscription owns a Window maintained by a dedicated goroutine. The
// adapter's change feed only enqueues into a bounded per-subscription inbox,
// so a slow subscription never blocks the producer; a dropped batch is
// recovered by a reload. Diff events leave through the Registry, which
// delivers them to the observer from a second goroutine per subscription.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
)

type Options struct {
	// InboxSize bounds change batches waiting for one subscription.
	InboxSize int
	// OutboxSize bounds diff batches waiting for one observer.
	OutboxSize int
	// InitTimeout bounds the initial window read.
	InitTimeout time.Duration
	// RetryInterval is the delay before a failed reload is retried.
	RetryInterval time.Duration
	// Parallelism bounds concurrent nested reads of a one-shot query.
	Parallelism int
}

func DefaultOptions() Options {
	return Options{
		InboxSize:     256,
		OutboxSize:    DefaultOutboxSize,
		InitTimeout:   10 * time.Second,
		RetryInterval: 2 * time.Second,
		Parallelism:   8,
	}
}

// OptionsFromConfig builds engine options from the [engine] section.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	opts := DefaultOptions()
	if cfg.InboxSize > 0 {
		opts.InboxSize = cfg.InboxSize
	}
	if cfg.OutboxSize > 0 {
		opts.OutboxSize = cfg.OutboxSize
	}
	opts.InitTimeout = cfg.GetInitTimeout()
	opts.RetryInterval = cfg.GetRetryInterval()
	return opts
}

type Engine struct {
	adapter  store.Adapter
	registry *Registry
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(adapter store.Adapter, opts Options) *Engine {
	def := DefaultOptions()
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = def.OutboxSize
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = def.InitTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		adapter:  adapter,
		registry: NewRegistry(opts.OutboxSize),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Subscribe opens a live subscription for plan. The first event the
// observer receives is an ItemsReloaded carrying the initial window. No
// subscription exists when an error is returned.
func (e *Engine) Subscribe(ctx context.Context, plan *query.Plan, observer Observer) (uint64, error) {
	if e.ctx.Err() != nil {
		return 0, ErrClosed
	}
	root := plan.Subscription()
	if root == nil {
		return 0, ErrNotSubscription
	}
	start := time.Now()
	sel := root.StoreSelection("")

	// The feed is attached before the snapshot is read so no change between
	// the two is missed; changes the snapshot already covers are skipped by
	// sequence number.
	inbox := make(chan store.ChangeBatch, e.opts.InboxSize)
	resync := make(chan struct{}, 1)
	stopWatch, err := e.adapter.Watch(sel.Collection, func(b store.ChangeBatch) {
		metrics.ChangeBatchesTotal.WithLabelValues(string(b.Collection)).Inc()
		select {
		case inbox <- b:
		default:
			metrics.InboxDropsTotal.Inc()
			signal(resync)
		}
	})
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("failed").Inc()
		return 0, storeError("watch "+string(sel.Collection), err)
	}

	ictx, cancel := context.WithTimeout(ctx, e.opts.InitTimeout)
	snap, err := e.adapter.Query(ictx, sel)
	cancel()
	if err != nil {
		stopWatch()
		metrics.SubscriptionsTotal.WithLabelValues("failed").Inc()
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, storeError("initial read", err)
	}

	m := NewMaintainer(sel, e.adapter, snap)
	sub := e.registry.open(plan, observer)
	e.publish(sub, m, []DiffEvent{Reloaded(m.Window().Records())})
	metrics.ReloadsTotal.WithLabelValues("initial").Inc()

	e.wg.Add(1)
	go e.maintain(sub, m, inbox, resync, stopWatch)
	e.registry.Activate(sub.id)

	metrics.SubscriptionInitDuration.Observe(time.Since(start).Seconds())
	logger.Debug("Engine: subscription opened", "subscription", sub.id,
		"collection", sel.Collection, "seq", snap.Seq, "window", m.Window().Len())
	return sub.id, nil
}

// Unsubscribe cancels a subscription. It is a no-op for unknown ids.
func (e *Engine) Unsubscribe(id uint64) {
	e.registry.Cancel(id)
}

// Close cancels all subscriptions and waits for their goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.registry.Close()
	e.wg.Wait()
}

func (e *Engine) maintain(sub *Subscription, m *Maintainer, inbox <-chan store.ChangeBatch, resync chan struct{}, stopWatch func()) {
	defer e.wg.Done()
	defer stopWatch()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Engine: subscription maintenance panicked", "subscription", sub.id, "panic", p)
			e.registry.Cancel(sub.id)
		}
	}()

	var retry *time.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()
	scheduleResync := func() {
		if retry != nil {
			retry.Stop()
		}
		retry = time.AfterFunc(e.opts.RetryInterval, func() { signal(resync) })
	}

	ctx := sub.ctx
	for {
		select {
		case <-sub.Done():
			return
		case <-e.ctx.Done():
			return

		case <-resync:
			ev, err := m.Reload(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Engine: reload failed", "subscription", sub.id, "error", err)
				scheduleResync()
				continue
			}
			metrics.ReloadsTotal.WithLabelValues("resync").Inc()
			e.publish(sub, m, []DiffEvent{ev})

		case batch := <-inbox:
			start := time.Now()
			wasStale, before := m.Stale(), m.Seq()
			events, err := m.Apply(ctx, batch)
			metrics.ApplyDuration.Observe(time.Since(start).Seconds())
			if len(events) == 1 && events[0].Kind == ItemsReloaded {
				reason := "gap"
				if wasStale {
					reason = "resync"
				}
				metrics.ReloadsTotal.WithLabelValues(reason).Inc()
				logger.Debug("Engine: window reloaded", "subscription", sub.id, "reason", reason,
					"seq", before, "batch_seq", batch.FirstSeq())
			}
			e.publish(sub, m, events)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Engine: applying changes failed", "subscription", sub.id,
					"collection", batch.Collection, "seq", batch.FirstSeq(), "error", err)
				scheduleResync()
			}
		}
	}
}

// publish hands events to the registry. On backpressure the observer gets
// the whole window instead of the dropped events.
func (e *Engine) publish(sub *Subscription, m *Maintainer, events []DiffEvent) {
	if len(events) == 0 {
		return
	}
	sub.windowLen.Store(int64(m.Window().Len()))
	err := e.registry.Dispatch(sub.id, events)
	if errors.Is(err, ErrObserverBackpressure) {
		metrics.ReloadsTotal.WithLabelValues("backpressure").Inc()
		logger.Warn("Engine: observer is falling behind, sending full window", "subscription", sub.id)
		events = []DiffEvent{Reloaded(m.Window().Records())}
		err = e.registry.Dispatch(sub.id, events)
	}
	if err != nil {
		return
	}
	for _, ev := range events {
		metrics.DiffEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
