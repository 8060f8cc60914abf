package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/api"
	"github.com/marmos91/dittoshare/pkg/data"
	"github.com/marmos91/dittoshare/pkg/driver/dummy"
	"github.com/marmos91/dittoshare/pkg/manager"
	"github.com/marmos91/dittoshare/pkg/migration"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/scheduler"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Components apply their own defaults again when constructed, so the values
// filled here are mostly for visibility (config generation, logging).
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyRPCDefaults(&cfg.RPC)
	applySchedulerDefaults(&cfg.Scheduler)
	applyAccessDefaults(&cfg.Access)
	applyMigrationDefaults(&cfg.Migration)
	applyQuotaDefaults(&cfg.Quota)
	applyShareDefaults(&cfg.Share)
	applyDataDefaults(&cfg.Data)

	if len(cfg.Backends) == 0 {
		cfg.Backends = []BackendConfig{defaultBackend()}
	}
	applyBackendDefaults(cfg.Backends, cfg.Share.AvailabilityZone)
	applyShareTypeDefaults(cfg.ShareTypes)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/dittoshare-db"
	}
}

func applyRPCDefaults(cfg *rpc.BusConfig) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = 64
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	// RateLimit stays disabled unless configured
}

func applySchedulerDefaults(cfg *scheduler.Config) {
	d := scheduler.DefaultConfig()
	if len(cfg.DefaultFilters) == 0 {
		cfg.DefaultFilters = d.DefaultFilters
	}
	if len(cfg.DefaultWeighers) == 0 {
		cfg.DefaultWeighers = d.DefaultWeighers
	}
	// A zero multiplier is meaningful (it disables a weigher) only when set
	// explicitly, which viper cannot tell apart from absence.
	if cfg.CapacityWeightMultiplier == 0 {
		cfg.CapacityWeightMultiplier = d.CapacityWeightMultiplier
	}
	if cfg.GoodnessWeightMultiplier == 0 {
		cfg.GoodnessWeightMultiplier = d.GoodnessWeightMultiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.ServiceDownTime <= 0 {
		cfg.ServiceDownTime = d.ServiceDownTime
	}
}

func applyAccessDefaults(cfg *access.Config) {
	if cfg.MaxReconcilePasses <= 0 {
		cfg.MaxReconcilePasses = access.DefaultConfig().MaxReconcilePasses
	}
}

func applyMigrationDefaults(cfg *migration.Config) {
	d := migration.DefaultConfig()
	if cfg.DriverContinueInterval <= 0 {
		cfg.DriverContinueInterval = d.DriverContinueInterval
	}
	if cfg.ProgressCallTimeout <= 0 {
		cfg.ProgressCallTimeout = d.ProgressCallTimeout
	}
	if cfg.ServiceDownTime <= 0 {
		cfg.ServiceDownTime = d.ServiceDownTime
	}
}

// applyQuotaDefaults fills limits left at zero. Use -1 for unlimited; a
// zero limit cannot be expressed.
func applyQuotaDefaults(cfg *quota.Limits) {
	d := quota.DefaultLimits()
	fill := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&cfg.Shares, d.Shares)
	fill(&cfg.Gigabytes, d.Gigabytes)
	fill(&cfg.Snapshots, d.Snapshots)
	fill(&cfg.SnapshotGigabytes, d.SnapshotGigabytes)
	fill(&cfg.ShareReplicas, d.ShareReplicas)
	fill(&cfg.ReplicaGigabytes, d.ReplicaGigabytes)
}

func applyShareDefaults(cfg *api.Config) {
	d := api.DefaultConfig()
	if len(cfg.EnabledProtocols) == 0 {
		cfg.EnabledProtocols = d.EnabledProtocols
	}
	if cfg.AvailabilityZone == "" {
		cfg.AvailabilityZone = d.AvailabilityZone
	}
	if cfg.ServiceDownTime <= 0 {
		cfg.ServiceDownTime = d.ServiceDownTime
	}
}

func applyDataDefaults(cfg *data.Config) {
	if cfg.MaxConcurrentCopies <= 0 {
		cfg.MaxConcurrentCopies = data.DefaultConfig().MaxConcurrentCopies
	}
}

func defaultBackend() BackendConfig {
	return BackendConfig{
		Name:   "dummy",
		Driver: "dummy",
		Pools: []dummy.PoolConfig{
			{
				Name:                     "pool",
				TotalCapacityGB:          1024,
				ThinProvisioning:         true,
				MaxOverSubscriptionRatio: 20,
				SnapshotSupport:          true,
			},
		},
	}
}

func applyBackendDefaults(backends []BackendConfig, az string) {
	for i := range backends {
		b := &backends[i]
		if b.Driver == "" {
			b.Driver = "dummy"
		}
		if b.Host == "" && b.Name != "" {
			b.Host = "share@" + b.Name
		}
		if b.AvailabilityZone == "" {
			b.AvailabilityZone = az
		}

		d := manager.DefaultConfig(b.Host)
		if b.ReportInterval == 0 {
			b.ReportInterval = d.ReportInterval
		}
		if b.HeartbeatInterval == 0 {
			b.HeartbeatInterval = d.HeartbeatInterval
		}
		if b.PollInterval == 0 {
			b.PollInterval = d.PollInterval
		}
		if b.Options == nil {
			b.Options = make(map[string]any)
		}
	}
}

func applyShareTypeDefaults(types []ShareTypeConfig) {
	for i := range types {
		if types[i].ExtraSpecs == nil {
			types[i].ExtraSpecs = map[string]string{}
		}
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Backends: []BackendConfig{defaultBackend()},
		ShareTypes: []ShareTypeConfig{
			{
				Name: "default",
				ExtraSpecs: map[string]string{
					"driver_handles_share_servers": "false",
					"snapshot_support":             "true",
				},
			},
		},
		Share: api.Config{DefaultShareType: "default"},
	}

	ApplyDefaults(cfg)
	return cfg
}
