package prometheus

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type schedulerMetrics struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rejected  *prometheus.CounterVec
	pools     prometheus.Gauge
}

// NewSchedulerMetrics creates a Prometheus-backed SchedulerMetrics.
func NewSchedulerMetrics() metrics.SchedulerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopSchedulerMetrics()
	}

	reg := metrics.GetRegistry()

	return &schedulerMetrics{
		decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_scheduler_decisions_total",
				Help: "Total number of scheduling decisions by request and status",
			},
			[]string{"request", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittoshare_scheduler_decision_duration_milliseconds",
				Help:    "Time spent filtering and weighing hosts",
				Buckets: []float64{0.1, 1, 10, 100, 1000},
			},
			[]string{"request"},
		),
		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_scheduler_hosts_rejected_total",
				Help: "Total number of hosts rejected per filter",
			},
			[]string{"filter"},
		),
		pools: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoshare_scheduler_pools",
				Help: "Number of pools known to the scheduler",
			},
		),
	}
}

func (m *schedulerMetrics) RecordDecision(request string, duration time.Duration, err error) {
	m.decisions.WithLabelValues(request, status(err)).Inc()
	m.duration.WithLabelValues(request).Observe(duration.Seconds() * 1000)
}

func (m *schedulerMetrics) RecordRejected(filter string, count int) {
	if count > 0 {
		m.rejected.WithLabelValues(filter).Add(float64(count))
	}
}

func (m *schedulerMetrics) SetPools(count int) {
	m.pools.Set(float64(count))
}
