package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subscription lifecycle metrics
var (
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livequery_subscriptions_active",
			Help: "Current number of live subscriptions",
		},
	)

	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_subscriptions_total",
			Help: "Total number of subscription lifecycle transitions",
		},
		[]string{"event"}, // opened, cancelled, failed
	)

	SubscriptionInitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livequery_subscription_init_duration_seconds",
			Help:    "Time to read the initial window of a subscription",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
)

// Window maintenance metrics
var (
	DiffEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_diff_events_total",
			Help: "Total number of diff events produced",
		},
		[]string{"kind"}, // added, updated, removed, reloaded
	)

	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_reloads_total",
			Help: "Total number of full window reloads",
		},
		[]string{"reason"}, // initial, gap, backpressure, resync
	)

	ChangeBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_change_batches_total",
			Help: "Total number of change batches received from the store feed",
		},
		[]string{"collection"},
	)

	InboxDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livequery_inbox_drops_total",
			Help: "Change batches dropped because a subscription inbox was full",
		},
	)

	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livequery_apply_duration_seconds",
			Help:    "Time to apply one change batch to a window",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
)

// Dispatch metrics
var (
	OutboxDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livequery_outbox_depth",
			Help:    "Queued batches in a subscription outbox at enqueue time",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livequery_dispatch_duration_seconds",
			Help:    "Time spent in observer callbacks per batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	ObserverPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livequery_observer_panics_total",
			Help: "Observer callbacks that panicked",
		},
	)
)

// Query metrics
var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_queries_total",
			Help: "Total number of fetchQuery calls",
		},
		[]string{"operation", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livequery_query_duration_seconds",
			Help:    "Duration of fetchQuery calls until the initial payload",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	CompileErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_compile_errors_total",
			Help: "Total number of rejected queries by error kind",
		},
		[]string{"kind"},
	)

	CoalescedQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livequery_coalesced_queries_total",
			Help: "One-shot queries answered by an identical in-flight query",
		},
	)
)

// Store metrics
var (
	StoreReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_store_reads_total",
			Help: "Total number of store adapter reads",
		},
		[]string{"operation", "status"},
	)

	StoreReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livequery_store_read_duration_seconds",
			Help:    "Duration of store adapter reads",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	StoreRecordsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livequery_store_records",
			Help: "Number of records per collection",
		},
		[]string{"collection"},
	)

	ChangeLogPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livequery_change_log_pruned_total",
			Help: "Change log entries removed by retention cleanup",
		},
	)

	MessagesImportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_messages_imported_total",
			Help: "Messages parsed and stored as items",
		},
		[]string{"status"},
	)
)

// Transport metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livequery_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "code"},
	)

	WebsocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livequery_websocket_connections_current",
			Help: "Current number of open websocket connections",
		},
	)
)

// Health check metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livequery_component_health_status",
			Help: "Health of a component (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livequery_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)
)
