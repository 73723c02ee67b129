package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
)

type Status int32

const (
	StatusPending Status = iota
	StatusActive
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Observer receives the diff events of one subscription. Calls for one
// subscription never overlap and arrive in production order. An observer
// may cancel its own subscription; the call in progress is its last.
type Observer func(id uint64, events []DiffEvent)

// Subscription is a live query owned by a Registry.
type Subscription struct {
	id       uint64
	plan     *query.Plan
	observer Observer
	created  time.Time

	status    atomic.Int32
	windowLen atomic.Int64
	outbox    chan []DiffEvent

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Subscription) ID() uint64 {
	return s.id
}

func (s *Subscription) Plan() *query.Plan {
	return s.plan
}

func (s *Subscription) Status() Status {
	return Status(s.status.Load())
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// enqueue queues events for delivery without blocking. When the outbox is
// full the queued events are discarded and ErrObserverBackpressure is
// returned.
func (s *Subscription) enqueue(events []DiffEvent) error {
	if len(events) == 0 || s.Status() == StatusCancelled {
		return nil
	}
	select {
	case s.outbox <- events:
		return nil
	default:
	}
	for {
		select {
		case <-s.outbox:
		default:
			return ErrObserverBackpressure
		}
	}
}

// Info is a point-in-time description of a subscription.
type Info struct {
	ID         uint64           `json:"id"`
	Status     string           `json:"status"`
	Operation  string           `json:"operation,omitempty"`
	Collection store.Collection `json:"collection"`
	WindowSize int64            `json:"windowSize"`
	Queued     int              `json:"queued"`
	Created    time.Time        `json:"created"`
}

func (s *Subscription) info() Info {
	inf := Info{
		ID:         s.id,
		Status:     s.Status().String(),
		WindowSize: s.windowLen.Load(),
		Queued:     len(s.outbox),
		Created:    s.created,
	}
	if s.plan != nil {
		inf.Operation = s.plan.Name
		if root := s.plan.Subscription(); root != nil {
			inf.Collection = root.Collection
		}
	}
	return inf
}
