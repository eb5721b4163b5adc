// Package metrics provides Prometheus instrumentation for task processing
// plus a query service for aggregating recorded usage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the Prometheus instruments for task processing.
type Recorder struct {
	tasksTotal      *prometheus.CounterVec
	attemptsTotal   prometheus.Counter
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration prometheus.Histogram
	slotsInUse      prometheus.Gauge
	llmRequests     *prometheus.CounterVec
	llmTokens       *prometheus.CounterVec
	llmCosts        *prometheus.CounterVec
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith creates a recorder registered on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bugfixd_tasks_total",
				Help: "Tasks reaching a terminal status, by status and failure tag",
			},
			[]string{"status", "failure_tag"},
		),
		attemptsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bugfixd_attempts_total",
				Help: "Fix attempts created across all tasks",
			},
		),
		sandboxRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bugfixd_sandbox_runs_total",
				Help: "Sandbox test runs by outcome",
			},
			[]string{"outcome"},
		),
		sandboxDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bugfixd_sandbox_run_duration_seconds",
				Help:    "Duration of sandbox test runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		slotsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bugfixd_sandbox_slots_in_use",
				Help: "Sandbox slots currently occupied",
			},
		),
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, task, role, and status",
			},
			[]string{"model", "task_id", "role", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "task_id", "role", "type"},
		),
		llmCosts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"model", "task_id", "role"},
		),
	}
}

// ObserveTaskTerminal records a task reaching a terminal status.
func (r *Recorder) ObserveTaskTerminal(status, failureTag string) {
	r.tasksTotal.WithLabelValues(status, failureTag).Inc()
}

// ObserveAttempt records a new fix attempt.
func (r *Recorder) ObserveAttempt() {
	r.attemptsTotal.Inc()
}

// ObserveSandboxRun records a completed sandbox run.
func (r *Recorder) ObserveSandboxRun(outcome string, duration time.Duration) {
	r.sandboxRuns.WithLabelValues(outcome).Inc()
	r.sandboxDuration.Observe(duration.Seconds())
}

// SetSlotsInUse updates the slot occupancy gauge.
func (r *Recorder) SetSlotsInUse(n int) {
	r.slotsInUse.Set(float64(n))
}

// ObserveLLMRequest records one generation call.
func (r *Recorder) ObserveLLMRequest(model, taskID, role string, promptTokens, completionTokens int, cost float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.llmRequests.WithLabelValues(model, taskID, role, status).Inc()
	if success {
		r.llmTokens.WithLabelValues(model, taskID, role, "prompt").Add(float64(promptTokens))
		r.llmTokens.WithLabelValues(model, taskID, role, "completion").Add(float64(completionTokens))
		r.llmCosts.WithLabelValues(model, taskID, role).Add(cost)
	}
}
