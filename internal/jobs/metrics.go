// Package jobmetrics instruments background job runs in the worker.
package jobmetrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes used as the status label.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
)

// Metrics holds the job collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the job collectors on registerer, which must not be nil. The
// worker passes the registry of observability.Metrics so /metrics exposes both sets.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmdesk_jobs_total",
			Help: "Job runs by job type and outcome.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmdesk_jobs_failures_total",
			Help: "Job runs that ended in an error, timeouts included.",
		}, []string{"job"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fmdesk_jobs_in_flight",
			Help: "Jobs currently executing in this worker.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fmdesk_job_duration_seconds",
			Help:    "Wall time of job runs.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.inFlight, m.duration)
	return m
}

// Tracker measures one job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track marks job as started.
func (m *Metrics) Track(job string) *Tracker {
	t := &Tracker{metrics: m, job: job, start: time.Now()}
	if m != nil {
		m.inFlight.WithLabelValues(job).Inc()
	}
	return t
}

// End records the outcome of the run and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	m := t.metrics
	status := Status(err)
	m.inFlight.WithLabelValues(t.job).Dec()
	m.runs.WithLabelValues(t.job, status).Inc()
	if status != StatusSuccess {
		m.failures.WithLabelValues(t.job).Inc()
	}
	m.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Status maps a job error to its status label.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusFailure
	}
}
