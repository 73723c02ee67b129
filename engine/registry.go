package engine

import (
	"cmp"
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/query"
)

const DefaultOutboxSize = 64

// Registry owns the subscriptions of one engine. Ids start at 1 and are
// never reused while the registry exists.
type Registry struct {
	mu         sync.Mutex
	nextID     uint64
	subs       map[uint64]*Subscription
	outboxSize int
}

func NewRegistry(outboxSize int) *Registry {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Registry{
		subs:       make(map[uint64]*Subscription),
		outboxSize: outboxSize,
	}
}

// Open registers observer for plan and returns the new subscription id.
// The subscription stays pending until Activate.
func (r *Registry) Open(plan *query.Plan, observer Observer) uint64 {
	return r.open(plan, observer).id
}

func (r *Registry) open(plan *query.Plan, observer Observer) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		plan:     plan,
		observer: observer,
		created:  time.Now(),
		outbox:   make(chan []DiffEvent, r.outboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.status.Store(int32(StatusPending))

	r.mu.Lock()
	r.nextID++
	s.id = r.nextID
	r.subs[s.id] = s
	r.mu.Unlock()

	metrics.SubscriptionsActive.Inc()
	metrics.SubscriptionsTotal.WithLabelValues("opened").Inc()
	go r.run(s)
	return s
}

// Activate marks a pending subscription active.
func (r *Registry) Activate(id uint64) {
	if s := r.get(id); s != nil {
		s.status.CompareAndSwap(int32(StatusPending), int32(StatusActive))
	}
}

func (r *Registry) get(id uint64) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// Get returns the description of a live subscription.
func (r *Registry) Get(id uint64) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// List describes all live subscriptions ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	slices.SortFunc(subs, func(a, b *Subscription) int {
		return cmp.Compare(a.id, b.id)
	})
	out := make([]Info, len(subs))
	for i, s := range subs {
		out[i] = s.info()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Dispatch queues events for delivery to the subscription's observer. It
// never blocks. ErrObserverBackpressure means the outbox overflowed and was
// emptied.
func (r *Registry) Dispatch(id uint64, events []DiffEvent) error {
	s := r.get(id)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	err := s.enqueue(events)
	metrics.OutboxDepth.Observe(float64(len(s.outbox)))
	return err
}

// Cancel stops a subscription. Queued events are dropped and deliveries
// that begin after Cancel are skipped. Unknown or already cancelled ids are
// ignored.
//
// Cancel does not wait for an observer call that is already running, so an
// observer may cancel its own subscription.
func (r *Registry) Cancel(id uint64) {
	r.remove(id)
}

// Live reports whether id names a subscription that has not been cancelled.
func (r *Registry) Live(id uint64) bool {
	s := r.get(id)
	return s != nil && s.Status() != StatusCancelled
}

func (r *Registry) remove(id uint64) *Subscription {
	r.mu.Lock()
	s, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.status.Store(int32(StatusCancelled))
	s.cancel()
	metrics.SubscriptionsActive.Dec()
	metrics.SubscriptionsTotal.WithLabelValues("cancelled").Inc()
	logger.Debug("Engine: subscription cancelled", "subscription", id)
	return s
}

// Close cancels every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Cancel(id)
	}
}

// run drains the outbox of s until it is cancelled.
func (r *Registry) run(s *Subscription) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case events := <-s.outbox:
			if !r.deliver(s, events) {
				return
			}
		}
	}
}

func (r *Registry) deliver(s *Subscription, events []DiffEvent) (ok bool) {
	if s.Status() == StatusCancelled {
		return false
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			metrics.ObserverPanicsTotal.Inc()
			logger.Error("Engine: observer panicked, cancelling subscription",
				"subscription", s.id, "panic", p, "stack", string(debug.Stack()))
			r.remove(s.id)
			ok = false
		}
	}()
	s.observer(s.id, events)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	return true
}
