// Package cleaner provides a worker that periodically prunes the store's
// change log. Changes older than the retention period are deleted; a
// subscription that has fallen further behind than that observes a
// sequence gap and reloads its window.
//
// The worker is started in its own goroutine and runs until its context is
// done or Stop is called. PostgreSQL backends serialize pruning across
// instances with an advisory lock, so several servers may run a worker
// against the same database.
package cleaner

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/store"
)

const minAllowedInterval = time.Minute

type CleanupWorker struct {
	pruner    store.ChangePruner
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a CleanupWorker. Intervals below one minute are raised to
// one minute when the worker starts.
func New(pruner store.ChangePruner, interval, retention time.Duration) *CleanupWorker {
	return &CleanupWorker{
		pruner:    pruner,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the worker in the background.
func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Cleaner: configured interval below minimum, using minimum", "interval", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleaner: worker starting", "interval", interval, "retention", w.retention)

	ticker := time.NewTicker(interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleaner: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleaner: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					logger.Error("Cleaner: pruning failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to stop and waits for a running prune to finish.
// It must only be called after Start.
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// RunOnce prunes the change log once and returns the number of deleted
// changes.
func (w *CleanupWorker) RunOnce(ctx context.Context) (int64, error) {
	if w.retention <= 0 {
		return 0, nil
	}
	start := time.Now()
	count, err := w.pruner.PruneChanges(ctx, w.retention)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logger.Info("Cleaner: pruned change log", "changes", count, "retention", w.retention, "duration", time.Since(start))
	} else {
		logger.Debug("Cleaner: nothing to prune", "retention", w.retention)
	}
	return count, nil
}
