// Package metrics defines the Prometheus instrumentation emitted by the
// protocol and delivery engines. Metrics are one-way side effects; no
// component reads them back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Authentication metrics
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_auth_failures_total",
			Help: "Total number of authentication failures by reason",
		},
		[]string{"protocol", "reason"},
	)

	AuthCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_auth_cache_hits_total",
			Help: "Total number of authentication cache hits",
		},
	)

	AuthCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_auth_cache_misses_total",
			Help: "Total number of authentication cache misses",
		},
	)

	AuthCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kite_auth_cache_entries",
			Help: "Current number of authentication cache entries",
		},
	)
)

// Connection metrics
var (
	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kite_connections_current",
			Help: "Current number of tracked connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_connections_rejected_total",
			Help: "Total number of connections rejected by the per-user limit",
		},
		[]string{"protocol"},
	)
)

// Background task queue metrics
var (
	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kite_task_queue_depth",
			Help: "Current number of queued background tasks",
		},
	)

	TaskQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_task_queue_dropped_total",
			Help: "Total number of background tasks dropped on overflow",
		},
	)

	TaskQueueFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_task_queue_failures_total",
			Help: "Total number of background tasks that failed",
		},
	)
)

// Delivery metrics
var (
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_delivery_attempts_total",
			Help: "Total number of per-host delivery attempts",
		},
		[]string{"result"},
	)

	DeliveryMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_delivery_messages_total",
			Help: "Total number of outbound messages reaching a state",
		},
		[]string{"state"},
	)

	DeliveryMessageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kite_delivery_message_duration_seconds",
			Help:    "Duration of one message processing cycle in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	DeliveryQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kite_delivery_queue_depth",
			Help: "Current number of outbound messages by state",
		},
		[]string{"state"},
	)

	DeliveryStalledRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kite_delivery_stalled_recovered_total",
			Help: "Total number of stalled sending messages requeued",
		},
	)
)
