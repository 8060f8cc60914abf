package prometheus

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	storeType string
	total     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewStoreMetrics creates a Prometheus-backed StoreMetrics. storeType
// ("memory", "badger") labels every series.
func NewStoreMetrics(storeType string) metrics.StoreMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopStoreMetrics()
	}

	reg := metrics.GetRegistry()

	return &storeMetrics{
		storeType: storeType,
		total: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_store_transactions_total",
				Help: "Total number of store transactions by store type, kind, and status",
			},
			[]string{"store_type", "kind", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittoshare_store_transaction_duration_seconds",
				Help: "Duration of store transactions in seconds",
				Buckets: []float64{
					0.0001, // 100µs
					0.0005,
					0.001,
					0.005,
					0.01,
					0.025,
					0.05,
					0.1,
					0.5,
				},
			},
			[]string{"store_type", "kind"},
		),
	}
}

func (m *storeMetrics) RecordTransaction(kind string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.total.WithLabelValues(m.storeType, kind, status).Inc()
	m.duration.WithLabelValues(m.storeType, kind).Observe(duration.Seconds())
}
