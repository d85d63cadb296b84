// Package metrics exposes Prometheus collectors for the generation lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, so callers never need to guard their calls.
type Metrics struct {
	jobsCreated      *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	pollAttempts     *prometheus.CounterVec
	submitFailures   *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	reaped           *prometheus.CounterVec
	inFlight         *prometheus.GaugeVec
	pipelineFinished *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "songforge_jobs_created_total",
			Help: "Generation jobs created, by provider.",
		}, []string{"provider"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "songforge_jobs_finished_total",
			Help: "Generation jobs that reached a terminal status.",
		}, []string{"provider", "status"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "songforge_poll_attempts_total",
			Help: "Provider poll calls, by outcome.",
		}, []string{"provider", "outcome"}),
		submitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "songforge_submit_failures_total",
			Help: "Provider submissions that failed after every retry.",
		}, []string{"provider"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "songforge_job_duration_seconds",
			Help:    "Wall-clock time from job start to terminal status.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"provider", "status"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "songforge_reaped_total",
			Help: "Stalled units failed by the reaper.",
		}, []string{"kind"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "songforge_in_flight",
			Help: "Background units currently running.",
		}, []string{"kind"}),
		pipelineFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "songforge_pipelines_finished_total",
			Help: "Pipelines that reached a terminal status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.jobsCreated,
		m.jobsFinished,
		m.pollAttempts,
		m.submitFailures,
		m.jobDuration,
		m.reaped,
		m.inFlight,
		m.pipelineFinished,
	)
	return m
}

func (m *Metrics) JobCreated(provider string) {
	if m == nil {
		return
	}
	m.jobsCreated.WithLabelValues(provider).Inc()
}

// JobFinished records a terminal job and how long it ran.
func (m *Metrics) JobFinished(provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(provider, status).Inc()
	if seconds > 0 {
		m.jobDuration.WithLabelValues(provider, status).Observe(seconds)
	}
}

// PollAttempt records one poll; outcome is pending, succeeded, failed or error.
func (m *Metrics) PollAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) SubmitFailed(provider string) {
	if m == nil {
		return
	}
	m.submitFailures.WithLabelValues(provider).Inc()
}

func (m *Metrics) Reaped(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) PipelineFinished(status string) {
	if m == nil {
		return
	}
	m.pipelineFinished.WithLabelValues(status).Inc()
}

// StartUnit marks a background unit as running. Pair with EndUnit.
func (m *Metrics) StartUnit(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Inc()
}

func (m *Metrics) EndUnit(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Dec()
}
