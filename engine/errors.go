package engine

import (
	"errors"

	"github.com/migadu/livequery/store"
)

var (
	// ErrStoreUnavailable is returned when the store cannot be read while
	// executing a query or opening a subscription.
	ErrStoreUnavailable = store.ErrUnavailable

	// ErrSequenceGap signals a discontinuity in a collection's change feed.
	// It never reaches callers; the window is reloaded instead.
	ErrSequenceGap = errors.New("change feed sequence gap")

	// ErrObserverBackpressure is returned by Dispatch when a subscription's
	// outbox is full. Queued events are dropped and the caller is expected
	// to send a reload.
	ErrObserverBackpressure = errors.New("observer backpressure")

	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNotSubscription      = errors.New("operation is not a subscription")
	ErrNotQuery             = errors.New("operation is not a query")
	ErrClosed               = errors.New("engine closed")
)
