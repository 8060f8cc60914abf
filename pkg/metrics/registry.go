// Package metrics defines the collectors used by DittoShare components.
//
// Every collector is an interface with a no-op implementation, so components
// run unchanged with metrics disabled. Prometheus implementations live in
// the prometheus subpackage and register against the process-wide registry
// created by InitRegistry.
//
//	metrics.InitRegistry()
//	bus := rpc.NewBus(cfg, nil, prometheus.NewRPCMetrics())
//
//	// nil falls back to the no-op collector
//	orch := migration.New(cfg, st, sched, shares, data, nil, nil)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// written once by InitRegistry, read-only afterwards
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry, with the Go runtime and
// process collectors attached. Later calls do nothing.
//
// Collectors built before InitRegistry are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "dittoshare"}),
		)
		registry = reg
	})
}

// GetRegistry returns the process-wide registry, or nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
