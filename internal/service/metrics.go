package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush results used as the "result" label.
const (
	flushOK        = "ok"
	flushError     = "error"
	flushStale     = "stale"
	flushConflict  = "conflict"
	flushCancelled = "cancelled"
)

// Metrics instruments the save pipeline. A nil *Metrics is a no-op.
type Metrics struct {
	JobsEnqueued    prometheus.Counter
	Flushes         *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
	PendingJobs     *prometheus.GaugeVec
	OfflineDegraded prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "designer_save_jobs_enqueued_total",
			Help: "Total number of save jobs enqueued",
		}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "designer_save_flush_total",
			Help: "Save job deliveries by result",
		}, []string{"result"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "designer_save_flush_duration_seconds",
			Help:    "Time spent delivering a single save job",
			Buckets: prometheus.DefBuckets,
		}),
		PendingJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "designer_save_pending_jobs",
			Help: "Queued save jobs per project",
		}, []string{"project"}),
		OfflineDegraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "designer_offline_degraded",
			Help: "1 when any offline key is held only in memory",
		}),
	}
}

func (m *Metrics) jobEnqueued() {
	if m == nil {
		return
	}
	m.JobsEnqueued.Inc()
}

func (m *Metrics) flushed(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(result).Inc()
	m.FlushDuration.Observe(took.Seconds())
}

func (m *Metrics) pending(projectID string, n int) {
	if m == nil {
		return
	}
	if n == 0 {
		m.PendingJobs.DeleteLabelValues(projectID)
		return
	}
	m.PendingJobs.WithLabelValues(projectID).Set(float64(n))
}

func (m *Metrics) degraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.OfflineDegraded.Set(1)
	} else {
		m.OfflineDegraded.Set(0)
	}
}
