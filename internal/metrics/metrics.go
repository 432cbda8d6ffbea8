package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Slot ledger metrics
	SlotConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_slot_connects_total",
			Help: "Total number of account connect attempts by outcome",
		},
		[]string{"outcome"},
	)

	SlotDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_slot_disconnects_total",
			Help: "Total number of account disconnects",
		},
	)

	// Entitlement metrics
	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_quota_rejections_total",
			Help: "Total number of quota rejections by reason",
		},
		[]string{"reason"},
	)

	UsageSettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_usage_settlements_total",
			Help: "Total number of usage completion calls by outcome",
		},
		[]string{"outcome"},
	)

	// Job metrics
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_jobs_created_total",
			Help: "Total number of transfer jobs created",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_jobs_completed_total",
			Help: "Total number of transfer jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aggregator_jobs_in_progress",
			Help: "Number of jobs currently running",
		},
	)

	ItemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_items_processed_total",
			Help: "Total number of transfer items processed by outcome",
		},
		[]string{"outcome"},
	)

	BytesTransferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_bytes_transferred_total",
			Help: "Total number of bytes copied to target providers",
		},
	)

	RateLimitRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_rate_limit_retries_total",
			Help: "Total number of provider rate-limit backoff retries",
		},
		[]string{"provider"},
	)

	ItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregator_item_duration_seconds",
			Help:    "Per-item transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"provider"},
	)

	// Ownership transfer metrics
	OwnershipTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_ownership_transfers_total",
			Help: "Total number of ownership transfer attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Sweeper metrics
	LedgerRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_ledger_repairs_total",
			Help: "Total number of ledger rows repaired by the sweeper",
		},
	)

	SlotUsedReconciliationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_slot_used_reconciliations_total",
			Help: "Total number of slot_used counters reconciled by the sweeper",
		},
	)

	JobsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregator_jobs_requeued_total",
			Help: "Total number of stuck jobs requeued by the sweeper",
		},
	)
)
