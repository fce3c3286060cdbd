// ABOUTME: Prometheus metrics for queue-relay
// ABOUTME: Store operation outcomes, store log writes, replay results and expiry sweeps

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation results used as the "result" label of StoreOps.
const (
	ResultOK        = "ok"
	ResultNoop      = "noop"
	ResultAuth      = "auth"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultStore     = "store_error"
	ResultError     = "error"
)

var (
	// Queue store operations by operation and result
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_relay_store_ops_total",
			Help: "Total number of queue store operations",
		},
		[]string{"op", "result"},
	)

	// Records appended to the store log
	LogRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_relay_store_log_records_total",
			Help: "Total number of records appended to the store log",
		},
		[]string{"record"},
	)

	// Failed store log appends
	LogWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_relay_store_log_write_errors_total",
			Help: "Total number of failed store log appends",
		},
	)

	// Lines seen during the last startup replay, by outcome
	ReplayLines = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_relay_replay_lines",
			Help: "Store log lines processed by the startup replay",
		},
		[]string{"outcome"},
	)

	// Queues deleted for inactivity
	QueuesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_relay_queues_expired_total",
			Help: "Total number of queues deleted for inactivity",
		},
	)

	// Expiry sweep duration
	ExpirySweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_relay_expiry_sweep_duration_seconds",
			Help:    "Time taken by one inactive queue sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)
