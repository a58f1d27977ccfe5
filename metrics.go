package bulkq

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports progress snapshots as Prometheus metrics.
type Metrics struct {
	queued    prometheus.Gauge
	completed prometheus.Gauge
	failed    prometheus.Gauge
	total     prometheus.Gauge
	progress  prometheus.Gauge
	errors    *prometheus.GaugeVec
	runs      prometheus.Counter
	duration  prometheus.Histogram
}

// NewMetrics creates the queue metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bulkq",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		queued:    gauge("items_queued", "Items waiting to be dispatched."),
		completed: gauge("items_completed", "Items persisted since the last reset."),
		failed:    gauge("items_failed", "Items currently failed."),
		total:     gauge("items_total", "Items enqueued since the last reset."),
		progress:  gauge("progress_percent", "Share of items that finished, in percent."),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulkq",
			Name:      "errors",
			Help:      "Running failure count by category.",
		}, []string{"category"}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bulkq",
			Name:      "runs_completed_total",
			Help:      "Worker runs that emitted a completion snapshot.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bulkq",
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed worker runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(m.queued, m.completed, m.failed, m.total, m.progress, m.errors, m.runs, m.duration)
	return m
}

// OnSnapshot implements ProgressSink.
func (m *Metrics) OnSnapshot(s Snapshot) {
	m.queued.Set(float64(s.QueuedCount))
	m.completed.Set(float64(s.CompletedCount))
	m.failed.Set(float64(s.FailedCount))
	m.total.Set(float64(s.TotalCount))
	m.progress.Set(float64(s.ProgressPercentage()))

	m.errors.Reset()
	for category, n := range s.ErrorCounts {
		m.errors.WithLabelValues(category).Set(float64(n))
	}

	if s.IsCompleted {
		m.runs.Inc()
		m.duration.Observe(s.Elapsed.Seconds())
	}
}
