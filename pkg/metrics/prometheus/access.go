package prometheus

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type accessMetrics struct {
	reconciles *prometheus.CounterVec
	passes     prometheus.Histogram
	duration   prometheus.Histogram
	statuses   *prometheus.CounterVec
}

// NewAccessMetrics creates a Prometheus-backed AccessMetrics.
func NewAccessMetrics() metrics.AccessMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopAccessMetrics()
	}

	reg := metrics.GetRegistry()

	return &accessMetrics{
		reconciles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_access_reconciles_total",
				Help: "Total number of access rule reconciliations by status",
			},
			[]string{"status"},
		),
		passes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittoshare_access_reconcile_passes",
				Help:    "Driver round trips per reconciliation",
				Buckets: []float64{1, 2, 3, 5, 10},
			},
		),
		duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dittoshare_access_reconcile_duration_milliseconds",
				Help:    "Duration of access rule reconciliations in milliseconds",
				Buckets: []float64{1, 10, 100, 1000, 10000},
			},
		),
		statuses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_access_rules_status_transitions_total",
				Help: "Total number of access_rules_status transitions",
			},
			[]string{"from", "to"},
		),
	}
}

func (m *accessMetrics) RecordReconcile(passes int, duration time.Duration, err error) {
	m.reconciles.WithLabelValues(status(err)).Inc()
	m.passes.Observe(float64(passes))
	m.duration.Observe(duration.Seconds() * 1000)
}

func (m *accessMetrics) RecordStatusChange(from, to string) {
	m.statuses.WithLabelValues(from, to).Inc()
}
