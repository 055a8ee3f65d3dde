package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "erpexport"

// Metrics groups every collector the services report to.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Retries        prometheus.Counter
	Submissions    *prometheus.CounterVec
	Polls          *prometheus.CounterVec
	UnknownStates  prometheus.Counter
	Exports        *prometheus.CounterVec
	ExportDuration *prometheus.HistogramVec
	Downloads      *prometheus.CounterVec
	DownloadBytes  prometheus.Counter
	StaleRuns      prometheus.Counter
	CleanedRuns    prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a private registry so
// that tests and one-shot commands never collide on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Vendor HTTP requests by method and outcome.",
		}, []string{"method", "outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Vendor HTTP request retries.",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Export submissions by interpreted outcome.",
		}, []string{"outcome"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Task history polls by outcome.",
		}, []string{"outcome"}),
		UnknownStates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_task_states_total",
			Help:      "Matched task records carrying an undocumented state code.",
		}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Export runs by job and result.",
		}, []string{"job", "result"}),
		ExportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Wall clock of submit, settle and poll per job.",
			Buckets:   []float64{15, 30, 60, 120, 180, 300, 600},
		}, []string{"job"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "File downloads by result.",
		}, []string{"result"}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written by successful downloads.",
		}),
		StaleRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_runs_repaired_total",
			Help:      "Ledger runs marked failed after exceeding the stale timeout.",
		}),
		CleanedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_cleaned_total",
			Help:      "Expired ledger runs deleted.",
		}),
	}
	reg.MustRegister(
		m.Requests,
		m.Retries,
		m.Submissions,
		m.Polls,
		m.UnknownStates,
		m.Exports,
		m.ExportDuration,
		m.Downloads,
		m.DownloadBytes,
		m.StaleRuns,
		m.CleanedRuns,
	)
	return m
}

// OrNew returns m, or a fresh unregistered-by-default set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
