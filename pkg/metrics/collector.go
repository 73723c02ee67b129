package metrics

import (
	"context"
	"time"

	"github.com/migadu/livequery/logger"
)

// StatsProvider reports the number of records per collection.
type StatsProvider interface {
	RecordCounts(ctx context.Context) (map[string]int64, error)
}

// PoolStats is a snapshot of one connection pool.
type PoolStats struct {
	Total int32
	Idle  int32
	InUse int32
}

// PoolStatsProvider is implemented by backends with connection pools,
// keyed by role ("read", "write").
type PoolStatsProvider interface {
	PoolStats() map[string]PoolStats
}

// Collector periodically collects and updates store-backed metrics
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.provider.RecordCounts(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting record counts", "error", err)
		return
	}
	for collection, n := range counts {
		StoreRecordsTotal.WithLabelValues(collection).Set(float64(n))
	}
	logger.Debug("MetricsCollector: updated store metrics", "collections", len(counts))

	if pp, ok := c.provider.(PoolStatsProvider); ok {
		for role, s := range pp.PoolStats() {
			DBPoolTotalConns.WithLabelValues(role).Set(float64(s.Total))
			DBPoolIdleConns.WithLabelValues(role).Set(float64(s.Idle))
			DBPoolInUseConns.WithLabelValues(role).Set(float64(s.InUse))
		}
	}
}
