// Package metrics collects and exposes Prometheus metrics for the
// multi-pool orchestrator.
//
// Monitoring philosophy: RED (Rate, Errors, Duration) for workflow and
// step throughput, USE (Utilization, Saturation, Errors) for pool and
// worker capacity, with pool_id / breaker_state label dimensions since
// this orchestrator runs many concurrently scaling pools rather than
// one queue.
//
// Metric categories:
//
//  1. Workflow counters (cumulative): workflows_started_total,
//     workflows_completed_total, workflows_failed_total,
//     workflows_cancelled_total.
//  2. Step performance (histogram): step_duration_seconds, labeled by
//     pool_id, for SLA and regression tracking per pool.
//  3. Pool gauges (labeled by pool_id): pool_active_workers,
//     pool_queued_tasks, pool_in_flight_tasks.
//  4. Breaker gauge (labeled by breaker name and state): breaker_state,
//     1 for the currently active state and 0 otherwise, so a Prometheus
//     query can alert on `breaker_state{state="open"} == 1`.
//  5. Admission counter (labeled by outcome): admission_decisions_total.
//
// Each Collector owns a private *prometheus.Registry rather than
// registering against the global DefaultRegisterer (§9 Design
// Notes: "Global singletons... -> one explicit Runtime context"): the
// Runtime hands every Collector its own registry, so tests can build
// as many independent Collectors as they like without double-
// registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one orchestrator process.
type Collector struct {
	workflowsStarted   prometheus.Counter
	workflowsCompleted prometheus.Counter
	workflowsFailed    prometheus.Counter
	workflowsCancelled prometheus.Counter

	stepDuration *prometheus.HistogramVec

	poolActiveWorkers *prometheus.GaugeVec
	poolQueuedTasks   *prometheus.GaugeVec
	poolInFlight      *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec

	admissionDecisions *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics against
// registry. registry is normally a Runtime's private
// *prometheus.Registry (internal/runtime); pass prometheus.NewRegistry()
// directly in tests that don't otherwise need a Runtime.
func NewCollector(registry *prometheus.Registry) *Collector {
	c := &Collector{
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mahavishnu_workflows_started_total",
			Help: "Total number of workflows started",
		}),
		workflowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mahavishnu_workflows_completed_total",
			Help: "Total number of workflows completed successfully",
		}),
		workflowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mahavishnu_workflows_failed_total",
			Help: "Total number of workflows that failed terminally",
		}),
		workflowsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mahavishnu_workflows_cancelled_total",
			Help: "Total number of workflows cancelled",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mahavishnu_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool_id"}),
		poolActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mahavishnu_pool_active_workers",
			Help: "Current number of active workers in a pool",
		}, []string{"pool_id"}),
		poolQueuedTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mahavishnu_pool_queued_tasks",
			Help: "Current number of queued tasks in a pool",
		}, []string{"pool_id"}),
		poolInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mahavishnu_pool_in_flight_tasks",
			Help: "Current number of in-flight tasks in a pool",
		}, []string{"pool_id"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mahavishnu_breaker_state",
			Help: "1 if the breaker currently holds this state, 0 otherwise",
		}, []string{"breaker", "state"}),
		admissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mahavishnu_admission_decisions_total",
			Help: "Total admission decisions, labeled by outcome (admitted|exhausted)",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		c.workflowsStarted, c.workflowsCompleted, c.workflowsFailed, c.workflowsCancelled,
		c.stepDuration, c.poolActiveWorkers, c.poolQueuedTasks, c.poolInFlight,
		c.breakerState, c.admissionDecisions,
	)
	return c
}

// RecordWorkflowStarted records a workflow.started transition.
func (c *Collector) RecordWorkflowStarted() { c.workflowsStarted.Inc() }

// RecordWorkflowCompleted records a workflow.completed transition.
func (c *Collector) RecordWorkflowCompleted() { c.workflowsCompleted.Inc() }

// RecordWorkflowFailed records a workflow.failed transition.
func (c *Collector) RecordWorkflowFailed() { c.workflowsFailed.Inc() }

// RecordWorkflowCancelled records a workflow.cancelled transition.
func (c *Collector) RecordWorkflowCancelled() { c.workflowsCancelled.Inc() }

// RecordStepDuration records one step's execution time for poolID.
func (c *Collector) RecordStepDuration(poolID string, seconds float64) {
	c.stepDuration.WithLabelValues(poolID).Observe(seconds)
}

// UpdatePoolStats sets the instantaneous gauges for poolID.
func (c *Collector) UpdatePoolStats(poolID string, activeWorkers, queued, inFlight int) {
	c.poolActiveWorkers.WithLabelValues(poolID).Set(float64(activeWorkers))
	c.poolQueuedTasks.WithLabelValues(poolID).Set(float64(queued))
	c.poolInFlight.WithLabelValues(poolID).Set(float64(inFlight))
}

// SetBreakerState marks state as the active state for breaker and
// zeroes the other two known states, so a single gauge query reflects
// exactly one "1" per breaker at a time.
func (c *Collector) SetBreakerState(breaker, state string) {
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.breakerState.WithLabelValues(breaker, s).Set(v)
	}
}

// RecordAdmission records an admission decision, outcome being
// "admitted" or "exhausted".
func (c *Collector) RecordAdmission(outcome string) {
	c.admissionDecisions.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler serving registry's metrics in
// Prometheus exposition format, for mounting at /metrics.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
