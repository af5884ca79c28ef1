// Package metrics registers the agent's Prometheus instrumentation: events
// shipped, bytes shipped, throttle levels, queue depth, retry counts.
// Grounded on the reference service's Prometheus usage
// (client_golang/client_model/common) adapted to the agent's own counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the agent exposes, constructed once at
// startup and passed down to components that record into it.
type Registry struct {
	EventsCollected *prometheus.CounterVec
	CollectorErrors *prometheus.CounterVec
	EventsShipped   prometheus.Counter
	BytesShipped    prometheus.Counter
	ShipFailures    prometheus.Counter

	ThrottleLevel *prometheus.GaugeVec

	HotBufferDepth  prometheus.Gauge
	QueueDepth      prometheus.Gauge
	QueueRetries    prometheus.Counter
	QueueExpired    prometheus.Counter

	RetryAttempts *prometheus.CounterVec
	RetryBackoff  *prometheus.HistogramVec

	HealthComponentStatus *prometheus.GaugeVec
}

// NewRegistry builds and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EventsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_agent_events_collected_total",
			Help: "Events produced by each collector.",
		}, []string{"collector"}),
		CollectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_agent_collector_errors_total",
			Help: "collect_events failures per collector.",
		}, []string{"collector"}),
		EventsShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securewatch_agent_events_shipped_total",
			Help: "Events successfully acknowledged by the remote endpoint.",
		}),
		BytesShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securewatch_agent_bytes_shipped_total",
			Help: "On-wire bytes sent to the remote endpoint.",
		}),
		ShipFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securewatch_agent_ship_failures_total",
			Help: "Batches that failed to ship after the transport's retry budget.",
		}),
		ThrottleLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "securewatch_agent_throttle_level",
			Help: "Current throttle level in [0,1] per named component.",
		}, []string{"component"}),
		HotBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securewatch_agent_hot_buffer_depth",
			Help: "Current row count in the hot buffer.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securewatch_agent_queue_depth",
			Help: "Current row count in the persistent queue.",
		}),
		QueueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securewatch_agent_queue_retries_total",
			Help: "Queue rows transitioned to failed (scheduled for retry or terminal).",
		}),
		QueueExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securewatch_agent_queue_expired_total",
			Help: "Queue rows expired by the age sweep.",
		}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securewatch_agent_retry_attempts_total",
			Help: "Retry attempts by operation, outcome, and error type.",
		}, []string{"operation", "outcome", "error_type"}),
		RetryBackoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "securewatch_agent_retry_backoff_seconds",
			Help:    "Backoff delay observed before each retry attempt.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"operation"}),
		HealthComponentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "securewatch_agent_component_health",
			Help: "Per-component health status: 0=unknown 1=healthy 2=warning 3=critical 4=degraded 5=unhealthy.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		r.EventsCollected, r.CollectorErrors, r.EventsShipped, r.BytesShipped, r.ShipFailures,
		r.ThrottleLevel, r.HotBufferDepth, r.QueueDepth, r.QueueRetries, r.QueueExpired,
		r.RetryAttempts, r.RetryBackoff, r.HealthComponentStatus,
	)
	return r
}

// RecordAttempt implements resilience.RetryMetrics.
func (r *Registry) RecordAttempt(operation, outcome, errorType string, durationSeconds float64) {
	r.RetryAttempts.WithLabelValues(operation, outcome, errorType).Inc()
}

// RecordFinalAttempt implements resilience.RetryMetrics.
func (r *Registry) RecordFinalAttempt(operation, outcome string, attempts int) {
	// Outcome granularity already captured per-attempt by RecordAttempt;
	// the final outcome is counted here under a "final_" outcome label for
	// a direct "total operations" signal. The attempt count is not recorded.
	r.RetryAttempts.WithLabelValues(operation, "final_"+outcome, "n/a").Inc()
}

// RecordBackoff implements resilience.RetryMetrics.
func (r *Registry) RecordBackoff(operation string, delaySeconds float64) {
	r.RetryBackoff.WithLabelValues(operation).Observe(delaySeconds)
}
