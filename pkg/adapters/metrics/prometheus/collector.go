package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	stepsStarted       *prometheus.CounterVec
	stepFailures       *prometheus.CounterVec
	approvalsEvaluated *prometheus.CounterVec
	queryAttempts      *prometheus.CounterVec
	runsCompleted      *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	runDuration        *prometheus.HistogramVec
	activeRuns         prometheus.Gauge
	workerPoolIdle     prometheus.Gauge
	workerPoolBusy     prometheus.Gauge
	workerPoolStopped  prometheus.Gauge
}

// NewCollector creates a collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		stepsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_steps_started_total",
				Help: "Total number of steps started",
			},
			[]string{"step"},
		),
		stepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_step_failures_total",
				Help: "Total number of failed or denied steps",
			},
			[]string{"step", "kind"},
		),
		approvalsEvaluated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_approvals_evaluated_total",
				Help: "Total number of approval decisions",
			},
			[]string{"type", "approved"},
		),
		queryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_query_attempts_total",
				Help: "Total number of query generation attempts",
			},
			[]string{"status"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_runs_completed_total",
				Help: "Total number of finished runs by outcome",
			},
			[]string{"status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_step_duration_seconds",
				Help:    "Step duration in seconds, approval wait included",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"step"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_run_duration_seconds",
				Help:    "Run duration in seconds",
				Buckets: []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stepflow_active_runs",
				Help: "Number of runs currently executing",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stepflow_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stepflow_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stepflow_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// IncStepsStarted counts a started step
func (c *Collector) IncStepsStarted(stepID string) {
	c.stepsStarted.WithLabelValues(stepID).Inc()
}

// IncStepFailures counts a failed step by error kind
func (c *Collector) IncStepFailures(stepID, errorKind string) {
	c.stepFailures.WithLabelValues(stepID, errorKind).Inc()
}

// IncApprovalsEvaluated counts an approval decision
func (c *Collector) IncApprovalsEvaluated(approvalType string, approved bool) {
	c.approvalsEvaluated.WithLabelValues(approvalType, strconv.FormatBool(approved)).Inc()
}

// IncQueryAttempts counts one query attempt by status
func (c *Collector) IncQueryAttempts(status string) {
	c.queryAttempts.WithLabelValues(status).Inc()
}

// ObserveStepDuration records how long a step took
func (c *Collector) ObserveStepDuration(stepID string, duration time.Duration) {
	c.stepDuration.WithLabelValues(stepID).Observe(duration.Seconds())
}

// RecordRunCompleted records a finished run
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetActiveRuns sets the number of executing runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
