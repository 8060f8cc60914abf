package prometheus

import (
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type migrationMetrics struct {
	transitions *prometheus.CounterVec
	sessions    prometheus.Gauge
}

// NewMigrationMetrics creates a Prometheus-backed MigrationMetrics.
func NewMigrationMetrics() metrics.MigrationMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopMigrationMetrics()
	}

	reg := metrics.GetRegistry()

	return &migrationMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_migration_task_state_transitions_total",
				Help: "Total number of share task_state transitions",
			},
			[]string{"from", "to"},
		),
		sessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoshare_migration_active_sessions",
				Help: "Number of migrations in progress",
			},
		),
	}
}

func (m *migrationMetrics) RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *migrationMetrics) SetActiveSessions(count int) {
	m.sessions.Set(float64(count))
}
