package scheduler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"noesis/jobs"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	submitted    *prometheus.CounterVec
	deduplicated *prometheus.CounterVec
	finished     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	workersBusy  prometheus.Gauge
}

// NewMetrics builds and registers the collectors. reg may be nil, in which
// case the default registerer is used. Registering twice against the same
// registry reuses the existing collectors, so two schedulers in one process
// share one set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		submitted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noesis_jobs_submitted_total",
			Help: "Jobs accepted into the queue, by type.",
		}, []string{"type"})),
		deduplicated: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noesis_jobs_deduplicated_total",
			Help: "Submissions collapsed onto an existing job, by type.",
		}, []string{"type"})),
		finished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noesis_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by type and status.",
		}, []string{"type", "status"})),
		duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noesis_job_duration_seconds",
			Help:    "Wall-clock processing time of finished jobs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"type"})),
		queueDepth: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "noesis_queue_depth",
			Help: "Jobs currently in each status.",
		}, []string{"status"})),
		workersBusy: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noesis_workers_busy",
			Help: "Workers currently processing a job.",
		})),
	}
}

// register adds c to reg, returning the already-registered collector when
// an identical one exists.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

func (m *Metrics) jobSubmitted(t jobs.Type, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.deduplicated.WithLabelValues(string(t)).Inc()
		return
	}
	m.submitted.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) jobFinished(t jobs.Type, status jobs.Status, seconds float64) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(t), string(status)).Inc()
	m.duration.WithLabelValues(string(t)).Observe(seconds)
}

func (m *Metrics) setQueueDepth(counts map[jobs.Status]int) {
	if m == nil {
		return
	}
	for _, status := range []jobs.Status{
		jobs.StatusPending, jobs.StatusAwaitingApproval, jobs.StatusApproved,
		jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted,
		jobs.StatusFailed, jobs.StatusCancelled,
	} {
		m.queueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (m *Metrics) workerBusy(delta float64) {
	if m == nil {
		return
	}
	m.workersBusy.Add(delta)
}
