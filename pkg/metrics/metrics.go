// Package metrics exports what the runner does as prometheus metrics.
//
// Methods of nil *Metrics do nothing.
package metrics

import (
	"github.com/opst/jobrunner/pkg/asyncrunner"
	"github.com/opst/jobrunner/pkg/jobs"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobrunner"

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	submissions        prometheus.Counter
	submissionFailures prometheus.Counter
	finalized          *prometheus.CounterVec
	cleanupErrors      prometheus.Counter
	cancellations      prometheus.Counter
	watching           prometheus.Gauge
	cycleSeconds       prometheus.Histogram
}

// New creates metrics, and registers them to reg.
//
// It panics when metrics are registered already.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submissions_total",
			Help: "Jobs submitted to the cluster.",
		}),
		submissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submission_failures_total",
			Help: "Jobs failed to be submitted.",
		}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "finalized_total",
			Help: "Jobs finalized, by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		cleanupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanup_errors_total",
			Help: "Errors on deleting cluster resources of jobs.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cancellations_total",
			Help: "Jobs cancelled by users.",
		}),
		watching: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watching_jobs",
			Help: "Jobs being watched by the monitor.",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "monitor_cycle_seconds",
			Help:    "Time taken by a cycle of the monitor.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	reg.MustRegister(
		m.submissions, m.submissionFailures, m.finalized,
		m.cleanupErrors, m.cancellations, m.watching, m.cycleSeconds,
	)
	return m
}

func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.submissions.Inc()
}

func (m *Metrics) SubmissionFailed() {
	if m == nil {
		return
	}
	m.submissionFailures.Inc()
}

func (m *Metrics) Finished() {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(OutcomeSucceeded, "").Inc()
}

func (m *Metrics) Failed(reason jobs.FailureReason) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(OutcomeFailed, string(reason)).Inc()
}

func (m *Metrics) CleanupFailed() {
	if m == nil {
		return
	}
	m.cleanupErrors.Inc()
}

func (m *Metrics) Cancelled() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

// Cycle records a monitor cycle. It fits asyncrunner.WithObserver.
func (m *Metrics) Cycle(c asyncrunner.Cycle) {
	if m == nil {
		return
	}
	m.watching.Set(float64(c.Watching))
	m.cycleSeconds.Observe(c.Elapsed.Seconds())
}
