// Package metrics defines the Prometheus collectors shared across the
// pool, coordinator, and core framing/bulk-copy packages. Registering
// them here upfront means every package can reference a label set
// without owning a registration call.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of active connections per target.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdsbulk_connections_active",
		Help: "Number of active connections per target",
	}, []string{"target_id"})

	// ConnectionsIdle tracks the number of idle connections per target.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdsbulk_connections_idle",
		Help: "Number of idle connections in the pool per target",
	}, []string{"target_id"})

	// ConnectionsMax tracks the configured max connections per target.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdsbulk_connections_max",
		Help: "Configured maximum connections per target",
	}, []string{"target_id"})

	// ConnectionsTotal counts total connection acquire/release operations.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdsbulk_connections_total",
		Help: "Total connection operations",
	}, []string{"target_id", "status"})

	// QueueLength tracks the current pool wait-queue length per target.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdsbulk_queue_length",
		Help: "Number of acquire calls waiting in queue per target",
	}, []string{"target_id"})

	// QueueWaitDuration tracks the time requests spend waiting in queue.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tdsbulk_queue_wait_seconds",
		Help:    "Time spent waiting in queue for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"target_id"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdsbulk_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"target_id", "error_type"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdsbulk_redis_operations_total",
		Help: "Total Redis operations performed by the job limiter",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tdsbulk_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// FramingErrors counts fatal InvalidFraming errors raised by the
	// stream decoder, by reason.
	FramingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdsbulk_framing_errors_total",
		Help: "Total fatal framing errors raised by the stream decoder",
	}, []string{"target_id", "reason"})

	// BatchDuration tracks the wall-clock time of a single bulk-copy
	// batch INSERT, from issue to server acknowledgement.
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tdsbulk_batch_duration_seconds",
		Help:    "Duration of a single bulk-copy batch statement",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"target_id"})

	// RowsCopiedTotal counts rows successfully committed by bulk-copy
	// operations.
	RowsCopiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdsbulk_rows_copied_total",
		Help: "Total rows committed by bulk-copy batches",
	}, []string{"target_id"})

	// ConnectionsStuck counts connections the pool force-closed because
	// they were held active past their target's statement_timeout.
	ConnectionsStuck = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tdsbulk_connections_stuck_total",
		Help: "Total active connections force-closed for exceeding statement_timeout",
	}, []string{"target_id"})
)
