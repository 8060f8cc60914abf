package prometheus

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type dataMetrics struct {
	copies   *prometheus.CounterVec
	bytes    prometheus.Counter
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

// NewDataMetrics creates a Prometheus-backed DataMetrics.
func NewDataMetrics() metrics.DataMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopDataMetrics()
	}

	reg := metrics.GetRegistry()

	return &dataMetrics{
		copies: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_data_copies_total",
				Help: "Total number of host-assisted data copies by result",
			},
			[]string{"result"},
		),
		bytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittoshare_data_copied_bytes_total",
				Help: "Total bytes moved by host-assisted data copies",
			},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittoshare_data_copy_duration_seconds",
				Help:    "Duration of host-assisted data copies",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"result"},
		),
		active: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoshare_data_active_copies",
				Help: "Number of data copies running",
			},
		),
	}
}

func (m *dataMetrics) RecordCopy(result string, bytes int64, duration time.Duration) {
	m.copies.WithLabelValues(result).Inc()
	m.bytes.Add(float64(bytes))
	m.duration.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *dataMetrics) SetActiveCopies(count int) {
	m.active.Set(float64(count))
}
