// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "algobot"

// ---- risk engine ----

// TicksProcessed counts ticks fed through the engine, by feed mode.
var TicksProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "ticks_processed_total",
		Help:      "Ticks evaluated by the risk engine",
	},
	[]string{"mode"},
)

// TickEvalLatency is the wall time of one OnLTPUpdate call.
var TickEvalLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "tick_eval_latency_ms",
		Help:      "Time to evaluate one tick in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 50},
	},
)

// ExitsTriggered counts exits that reached the execution strategy.
var ExitsTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "exits_triggered_total",
		Help:      "Exit attempts by reason and detail",
	},
	[]string{"reason", "detail"},
)

// ExitRollbacks counts exiting -> active rollbacks by cause.
var ExitRollbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "exit_rollbacks_total",
		Help:      "Exit attempts rolled back to active",
	},
	[]string{"cause"},
)

// LockContention counts tick evaluations skipped because the position lock was busy.
var LockContention = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "lock_contention_total",
		Help:      "Evaluations skipped on a busy position lock",
	},
)

// MonitoredPositions is the size of the engine working set.
var MonitoredPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "monitored_positions",
		Help:      "Active positions in the working set",
	},
)

// FeedMode is 1 while ticks come from the stream and 0 during REST polling.
var FeedMode = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "feed_websocket_mode",
		Help:      "1 = websocket, 0 = rest_polling",
	},
)

// ---- buffer ----

// BufferFlushes counts flush cycles by result (ok, error, empty).
var BufferFlushes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "flushes_total",
		Help:      "Position update buffer flush cycles",
	},
	[]string{"result"},
)

// BufferDropped counts buffered position updates lost to a failed flush.
var BufferDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "dropped_updates_total",
		Help:      "Position updates dropped after a failed batch write",
	},
)

// ---- orders ----

// OrdersPlaced counts order placements by kind (entry, exit) and result.
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Order placements",
	},
	[]string{"kind", "result"},
)

// OrderPolls counts poller status responses.
var OrderPolls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "status_polls_total",
		Help:      "Order status poll outcomes",
	},
	[]string{"status"},
)

// PollerQueueDepth is the number of orders awaiting a status poll.
var PollerQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "poller_queue_depth",
		Help:      "Orders queued for status polling",
	},
)

// ---- scheduler / feed ----

// JobRuns counts scheduled job executions by job and result
// (ok, error, skipped).
var JobRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job runs by result",
	},
	[]string{"job", "result"},
)

// FeedReconnects counts tick stream reconnect attempts.
var FeedReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Tick stream reconnect attempts",
	},
)

// ---- http ----

// HTTPRequests counts API requests.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status",
	},
	[]string{"method", "status"},
)

// HTTPLatency is API request latency.
var HTTPLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route"},
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
