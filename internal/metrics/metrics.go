// Package metrics provides Prometheus metrics for the supervisor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the supervisor.
type Metrics struct {
	// Registry metrics
	ActiveJobs       prometheus.Gauge
	DispatchesTotal  *prometheus.CounterVec
	DispatchRefused  prometheus.Counter
	JobsFinished     *prometheus.CounterVec

	// Watchdog metrics
	SupervisedRuns      prometheus.Gauge
	TerminationsTotal   *prometheus.CounterVec
	HealthCheckFailures prometheus.Counter
	RetriesMarked       prometheus.Counter
	StaleRunsPurged     prometheus.Counter
}

// New creates a Metrics instance registered with the given registerer.
// A nil registerer uses the Prometheus default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "janitor",
			Name:      "active_jobs",
			Help:      "Number of jobs currently in flight.",
		}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "dispatches_total",
			Help:      "Total number of dispatch requests.",
		}, []string{"outcome"}),
		DispatchRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "dispatches_refused_total",
			Help:      "Dispatches refused because the concurrency ceiling was reached.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "jobs_finished_total",
			Help:      "Finished jobs by terminal status.",
		}, []string{"status"}),
		SupervisedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "janitor",
			Name:      "supervised_runs",
			Help:      "Number of runs currently under watchdog supervision.",
		}),
		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "terminations_total",
			Help:      "Runs terminated by the watchdog, by result code.",
		}, []string{"code"}),
		HealthCheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "health_check_failures_total",
			Help:      "Individual failing health observations (before debouncing).",
		}),
		RetriesMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "retries_marked_total",
			Help:      "Failed runs marked eligible for automatic retry.",
		}),
		StaleRunsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "janitor",
			Name:      "stale_runs_purged_total",
			Help:      "Leaked active-run records purged by maintenance.",
		}),
	}

	reg.MustRegister(
		m.ActiveJobs,
		m.DispatchesTotal,
		m.DispatchRefused,
		m.JobsFinished,
		m.SupervisedRuns,
		m.TerminationsTotal,
		m.HealthCheckFailures,
		m.RetriesMarked,
		m.StaleRunsPurged,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTermination records a watchdog termination by result code.
func (m *Metrics) RecordTermination(code string) {
	if m == nil {
		return
	}
	m.TerminationsTotal.WithLabelValues(code).Inc()
}

// RecordHealthFailure records a single failing health observation.
func (m *Metrics) RecordHealthFailure() {
	if m == nil {
		return
	}
	m.HealthCheckFailures.Inc()
}

// RecordFinished records a finished job by terminal status.
func (m *Metrics) RecordFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
}

// SetActiveJobs sets the in-flight job gauge.
func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(n))
}

// SetSupervisedRuns sets the supervised-run gauge.
func (m *Metrics) SetSupervisedRuns(n int) {
	if m == nil {
		return
	}
	m.SupervisedRuns.Set(float64(n))
}
