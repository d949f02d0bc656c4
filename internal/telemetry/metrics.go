// Package telemetry holds the Prometheus collectors and OpenTelemetry tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for dragonflow_executions_total.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Metrics groups every collector the scheduler core exports.
type Metrics struct {
	// Executions counts terminal results by outcome.
	Executions *prometheus.CounterVec

	// Attempts counts worker dispatch attempts, including breaker rejections.
	Attempts prometheus.Counter

	// Retries counts attempts after the first.
	Retries prometheus.Counter

	// Duration tracks wall time of whole executions by outcome.
	Duration *prometheus.HistogramVec

	// InFlight is the number of executions holding a concurrency slot.
	InFlight prometheus.Gauge

	// Queued is the number of executions waiting for a slot.
	Queued prometheus.Gauge

	// BreakerState is 0 closed, 1 open, 2 half-open per key.
	BreakerState *prometheus.GaugeVec

	// BreakerTransitions counts transitions by key and target state.
	BreakerTransitions *prometheus.CounterVec

	// ResourceViolations counts ceiling breaches by resource.
	ResourceViolations *prometheus.CounterVec

	// TasksSkipped counts tasks never dispatched because a dependency failed.
	TasksSkipped prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry so multiple instances can coexist in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonflow_executions_total",
			Help: "Total task executions by outcome",
		}, []string{"outcome"}),
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "dragonflow_attempts_total",
			Help: "Total execution attempts",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "dragonflow_retries_total",
			Help: "Total retried attempts",
		}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dragonflow_execution_duration_seconds",
			Help:    "Execution wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}, []string{"outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dragonflow_executions_in_flight",
			Help: "Executions currently holding a concurrency slot",
		}),
		Queued: f.NewGauge(prometheus.GaugeOpts{
			Name: "dragonflow_executions_queued",
			Help: "Executions waiting for a concurrency slot",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dragonflow_breaker_state",
			Help: "Circuit breaker state per key (0 closed, 1 open, 2 half-open)",
		}, []string{"key"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonflow_breaker_transitions_total",
			Help: "Circuit breaker transitions by key and target state",
		}, []string{"key", "to"}),
		ResourceViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dragonflow_resource_violations_total",
			Help: "Resource ceiling breaches by resource",
		}, []string{"resource"}),
		TasksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "dragonflow_tasks_skipped_total",
			Help: "Tasks not dispatched because an upstream task failed",
		}),
	}
}
