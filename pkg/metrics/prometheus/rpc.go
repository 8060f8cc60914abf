package prometheus

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// rpcMetrics is the Prometheus implementation of metrics.RPCMetrics.
type rpcMetrics struct {
	sent       *prometheus.CounterVec
	handled    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	dropped    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// NewRPCMetrics creates a Prometheus-backed RPCMetrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRPCMetrics()
	}

	reg := metrics.GetRegistry()

	return &rpcMetrics{
		sent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_rpc_messages_sent_total",
				Help: "Total number of RPC messages sent by topic, method and mode",
			},
			[]string{"topic", "method", "mode"},
		),
		handled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_rpc_messages_handled_total",
				Help: "Total number of RPC messages handled by topic, method and status",
			},
			[]string{"topic", "method", "status"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittoshare_rpc_handler_duration_milliseconds",
				Help: "Duration of RPC handlers in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"topic", "method"},
		),
		dropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoshare_rpc_messages_dropped_total",
				Help: "Total number of RPC messages dropped before delivery",
			},
			[]string{"topic", "reason"},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittoshare_rpc_queue_depth",
				Help: "Pending messages per endpoint",
			},
			[]string{"endpoint"},
		),
	}
}

func (m *rpcMetrics) RecordSend(topic, method, mode string) {
	m.sent.WithLabelValues(topic, method, mode).Inc()
}

func (m *rpcMetrics) RecordHandled(topic, method string, duration time.Duration, err error) {
	m.handled.WithLabelValues(topic, method, status(err)).Inc()
	m.duration.WithLabelValues(topic, method).Observe(duration.Seconds() * 1000)
}

func (m *rpcMetrics) RecordDropped(topic, reason string) {
	m.dropped.WithLabelValues(topic, reason).Inc()
}

func (m *rpcMetrics) SetQueueDepth(endpoint string, depth int) {
	m.queueDepth.WithLabelValues(endpoint).Set(float64(depth))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
