package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for leasecast.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// ElectionAttempts counts tryBecomePrimary runs by outcome
	// (primary, secondary, deferred, error).
	ElectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "election",
			Name:      "attempts_total",
			Help:      "Total number of election attempts by outcome",
		},
		[]string{"outcome"},
	)

	// IsPrimary is 1 while this instance holds the lease.
	IsPrimary = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasecast",
			Subsystem: "election",
			Name:      "is_primary",
			Help:      "Whether this instance currently believes it is primary",
		},
	)

	// LeaseClaims counts fresh lease claims and renewals.
	LeaseClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "election",
			Name:      "lease_writes_total",
			Help:      "Total number of lease writes by kind (claim, renew, resign)",
		},
		[]string{"kind"},
	)

	// HeartbeatsSent counts registry heartbeats.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Total instance heartbeats persisted",
		},
	)

	// --- Storage Metrics ---

	// TransactionDuration tracks store transaction latency by label and result.
	TransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "leasecast",
			Subsystem: "storage",
			Name:      "transaction_duration_seconds",
			Help:      "Duration of store transactions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"label", "result"},
	)

	// --- Notification Metrics ---

	// NotificationsPublished counts records written to the medium by kind.
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "notify",
			Name:      "published_total",
			Help:      "Total records published to the broadcast medium",
		},
		[]string{"kind", "result"},
	)

	// NotificationsReceived counts records observed from siblings by kind
	// and disposition (dispatched, duplicate, echo, ignored, stale).
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "notify",
			Name:      "received_total",
			Help:      "Total records received from the broadcast medium",
		},
		[]string{"kind", "disposition"},
	)

	// KnownInstances tracks the number of non-stale sibling instances.
	KnownInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasecast",
			Subsystem: "notify",
			Name:      "known_instances",
			Help:      "Number of non-stale sibling instances observed",
		},
	)

	// --- Queue Metrics ---

	// QueueDepth tracks tasks waiting on the async queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "leasecast",
			Subsystem: "queue",
			Name:      "pending_tasks",
			Help:      "Number of tasks waiting on the async queue",
		},
	)

	// TicksSkipped counts periodic ticks dropped because the previous one
	// had not finished.
	TicksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "queue",
			Name:      "ticks_skipped_total",
			Help:      "Total periodic ticks skipped while the previous tick was pending",
		},
		[]string{"task"},
	)

	// --- Sync Engine Metrics ---

	// SinkCalls counts calls into the sync engine by method.
	SinkCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "leasecast",
			Subsystem: "syncengine",
			Name:      "calls_total",
			Help:      "Total sync engine callbacks by method",
		},
		[]string{"method"},
	)
)

// RecordTransaction records a store transaction outcome.
func RecordTransaction(label string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TransactionDuration.WithLabelValues(label, result).Observe(durationSeconds)
}

// SetPrimary mirrors the elector's primacy into the gauge.
func SetPrimary(primary bool) {
	if primary {
		IsPrimary.Set(1)
		return
	}
	IsPrimary.Set(0)
}
