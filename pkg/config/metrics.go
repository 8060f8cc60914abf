package config

import (
	"github.com/marmos91/dittoshare/pkg/metrics"
	promMetrics "github.com/marmos91/dittoshare/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// The collectors below are never nil; they are no-ops when disabled.
	Access    metrics.AccessMetrics
	RPC       metrics.RPCMetrics
	Scheduler metrics.SchedulerMetrics
	Migration metrics.MigrationMetrics
	Data      metrics.DataMetrics
	Store     metrics.StoreMetrics
}

// InitializeMetrics creates the metrics components described by cfg.
//
// If metrics are enabled the global Prometheus registry is initialized and
// every collector is Prometheus-backed. Otherwise no server is created and
// all collectors are no-ops.
//
// Parameters:
//   - cfg: Configuration whose Server.Metrics section is read
//
// Returns:
//   - *MetricsResult: Metrics server (nil if disabled) and collectors
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Access:    metrics.NewNoopAccessMetrics(),
			RPC:       metrics.NewNoopRPCMetrics(),
			Scheduler: metrics.NewNoopSchedulerMetrics(),
			Migration: metrics.NewNoopMigrationMetrics(),
			Data:      metrics.NewNoopDataMetrics(),
			Store:     metrics.NewNoopStoreMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Server.Metrics.Port,
		}),
		Access:    promMetrics.NewAccessMetrics(),
		RPC:       promMetrics.NewRPCMetrics(),
		Scheduler: promMetrics.NewSchedulerMetrics(),
		Migration: promMetrics.NewMigrationMetrics(),
		Data:      promMetrics.NewDataMetrics(),
		Store:     promMetrics.NewStoreMetrics(cfg.Store.Type),
	}
}
