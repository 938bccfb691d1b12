package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and cascades.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cascades *prometheus.CounterVec
	findings *prometheus.CounterVec
	refresh  *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// CascadeOutcome counts one per-document result of a cascade: updated,
// unchanged, skipped or failed.
func (m *Metrics) CascadeOutcome(variant, outcome string) {
	if m == nil {
		return
	}
	m.cascades.WithLabelValues(variant, outcome).Inc()
}

// AddFindings counts documents whose stored totals disagree with their lines.
func (m *Metrics) AddFindings(variant string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.findings.WithLabelValues(variant).Add(float64(count))
}

// AddRefreshed counts bills whose status moved during a scheduled refresh.
func (m *Metrics) AddRefreshed(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.refresh.WithLabelValues(outcome).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	cascades := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_cascade_outcomes_total",
		Help: "Per-document cascade results grouped by document variant and outcome.",
	}, []string{"variant", "outcome"})
	findings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reconciliation_findings_total",
		Help: "Documents whose stored totals disagree with their line items.",
	}, []string{"variant"})
	refresh := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_bill_refresh_total",
		Help: "Bills visited by the scheduled status refresh grouped by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(runs, failures, duration, cascades, findings, refresh)
	return &Metrics{runs: runs, failures: failures, duration: duration, cascades: cascades, findings: findings, refresh: refresh}
}
