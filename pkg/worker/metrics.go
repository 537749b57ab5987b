package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-environment counters exposed on /metrics. A
// dedicated registry keeps tests independent of global state.
type Metrics struct {
	Registry *prometheus.Registry

	jobsProcessed *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	polls         *prometheus.CounterVec
}

// NewMetrics builds and registers the worker metric set.
func NewMetrics(startedAt time.Time) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderworker_jobs_processed_total",
			Help: "Jobs that reached a completed terminal state.",
		}, []string{"environment"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderworker_jobs_failed_total",
			Help: "Jobs that reached a failed terminal state.",
		}, []string{"environment"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "renderworker_job_duration_seconds",
			Help:    "Wall-clock render time per job.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"environment"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renderworker_polls_total",
			Help: "Queue drain activations per environment.",
		}, []string{"environment"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "renderworker_uptime_seconds",
		Help: "Seconds since the worker process started.",
	}, func() float64 {
		return time.Since(startedAt).Seconds()
	})

	m.Registry.MustRegister(m.jobsProcessed, m.jobsFailed, m.jobDuration, m.polls, uptime)
	return m
}

func (m *Metrics) observeJob(env string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.jobsFailed.WithLabelValues(env).Inc()
	} else {
		m.jobsProcessed.WithLabelValues(env).Inc()
	}
	m.jobDuration.WithLabelValues(env).Observe(d.Seconds())
}

func (m *Metrics) observePoll(env string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(env).Inc()
}
