// Package metrics provides Prometheus metrics for the Lucid Coder server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	BranchOpsTotal   *prometheus.CounterVec
	PipelineAttempts *prometheus.CounterVec
	PipelineResults  *prometheus.CounterVec
	JobsTotal        *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	JobsRunning      prometheus.Gauge
	LLMRequestsTotal *prometheus.CounterVec
	EventSubscribers prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucid_http_requests_total",
				Help: "Total HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lucid_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		BranchOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucid_branch_operations_total",
				Help: "Branch workflow operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		PipelineAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucid_pipeline_attempts_total",
				Help: "Goal automation attempts by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		PipelineResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucid_pipeline_results_total",
				Help: "Goal automation runs by final result.",
			},
			[]string{"result"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucid_jobs_total",
				Help: "Finished jobs by type and status.",
			},
			[]string{"type", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lucid_job_duration_seconds",
				Help:    "Job run time by type.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"type"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lucid_jobs_running",
				Help: "Number of jobs currently running.",
			},
		),
		LLMRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lucid_llm_requests_total",
				Help: "LLM completion calls by provider and status.",
			},
			[]string{"provider", "status"},
		),
		EventSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lucid_event_subscribers",
				Help: "Number of connected event stream subscribers.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.BranchOpsTotal)
	reg.MustRegister(m.PipelineAttempts)
	reg.MustRegister(m.PipelineResults)
	reg.MustRegister(m.JobsTotal)
	reg.MustRegister(m.JobDuration)
	reg.MustRegister(m.JobsRunning)
	reg.MustRegister(m.LLMRequestsTotal)
	reg.MustRegister(m.EventSubscribers)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest counts one HTTP request and its duration.
func (m *Metrics) RecordRequest(route, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// BranchOp increments the branch operation counter.
func (m *Metrics) BranchOp(op, result string) {
	m.BranchOpsTotal.WithLabelValues(op, result).Inc()
}

// PipelineAttempt counts one automation attempt.
func (m *Metrics) PipelineAttempt(stage, outcome string) {
	m.PipelineAttempts.WithLabelValues(stage, outcome).Inc()
}

// PipelineResult counts one finished automation run.
func (m *Metrics) PipelineResult(result string) {
	m.PipelineResults.WithLabelValues(result).Inc()
}

// JobStarted bumps the running gauge.
func (m *Metrics) JobStarted() {
	m.JobsRunning.Inc()
}

// JobFinished records a finished job.
func (m *Metrics) JobFinished(jobType, status string, seconds float64) {
	m.JobsRunning.Dec()
	m.JobsTotal.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(seconds)
}

// LLMRequest counts one LLM call.
func (m *Metrics) LLMRequest(provider, status string) {
	m.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
}

// SetSubscribers sets the event subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	m.EventSubscribers.Set(float64(n))
}
