package config

import (
	"strings"
	"testing"

	"github.com/marmos91/dittoshare/pkg/driver/dummy"
	"github.com/marmos91/dittoshare/pkg/share"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.Logging.Level = "TRACE" },
			want:   "Level",
		},
		{
			name:   "invalid log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			want:   "Format",
		},
		{
			name:   "invalid store type",
			mutate: func(c *Config) { c.Store.Type = "etcd" },
			want:   "Type",
		},
		{
			name:   "zero shutdown timeout",
			mutate: func(c *Config) { c.Server.ShutdownTimeout = 0 },
			want:   "ShutdownTimeout",
		},
		{
			name:   "metrics port out of range",
			mutate: func(c *Config) { c.Server.Metrics.Port = 70000 },
			want:   "Port",
		},
		{
			name:   "no backends",
			mutate: func(c *Config) { c.Backends = nil },
			want:   "at least one backend",
		},
		{
			name: "duplicate backend name",
			mutate: func(c *Config) {
				b := c.Backends[0]
				b.Host = "other@dummy2"
				c.Backends = append(c.Backends, b)
			},
			want: "duplicate backend name",
		},
		{
			name: "duplicate host",
			mutate: func(c *Config) {
				b := c.Backends[0]
				b.Name = "second"
				c.Backends = append(c.Backends, b)
			},
			want: "duplicate host",
		},
		{
			name:   "host without backend part",
			mutate: func(c *Config) { c.Backends[0].Host = "share" },
			want:   "service@backend",
		},
		{
			name:   "backend name with separator",
			mutate: func(c *Config) { c.Backends[0].Name = "a#b" },
			want:   "Name",
		},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Backends[0].Driver = "netapp" },
			want:   "Driver",
		},
		{
			name:   "backend without pools",
			mutate: func(c *Config) { c.Backends[0].Pools = nil },
			want:   "Pools",
		},
		{
			name: "duplicate pool",
			mutate: func(c *Config) {
				c.Backends[0].Pools = append(c.Backends[0].Pools, dummy.PoolConfig{Name: "pool"})
			},
			want: "duplicate pool name",
		},
		{
			name:   "reserved percentage over 100",
			mutate: func(c *Config) { c.Backends[0].Pools[0].ReservedPercentage = 150 },
			want:   "ReservedPercentage",
		},
		{
			name:   "unknown replication type",
			mutate: func(c *Config) { c.Backends[0].Pools[0].ReplicationType = "sync" },
			want:   "ReplicationType",
		},
		{
			name:   "undeclared default share type",
			mutate: func(c *Config) { c.Share.DefaultShareType = "platinum" },
			want:   "default_share_type",
		},
		{
			name: "duplicate share type",
			mutate: func(c *Config) {
				c.ShareTypes = append(c.ShareTypes, ShareTypeConfig{Name: "default"})
			},
			want: "duplicate share type",
		},
		{
			name:   "unknown protocol",
			mutate: func(c *Config) { c.Share.EnabledProtocols = []share.Protocol{"AFP"} },
			want:   "unknown protocol",
		},
		{
			name:   "unknown filter",
			mutate: func(c *Config) { c.Scheduler.DefaultFilters = []string{"MagicFilter"} },
			want:   "MagicFilter",
		},
		{
			name:   "unknown weigher",
			mutate: func(c *Config) { c.Scheduler.DefaultWeighers = []string{"RandomWeigher"} },
			want:   "RandomWeigher",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "Warn", "error"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level
		ApplyDefaults(cfg)
		if err := Validate(cfg); err != nil {
			t.Errorf("Level %q should be valid after normalization: %v", level, err)
		}
		if cfg.Logging.Level != strings.ToUpper(level) {
			t.Errorf("Expected %q, got %q", strings.ToUpper(level), cfg.Logging.Level)
		}
	}
}

func TestValidate_MultipleBackends(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backends = append(cfg.Backends, BackendConfig{
		Name:   "beta",
		Host:   "share@beta",
		Driver: "dummy",
		Pools:  []dummy.PoolConfig{{Name: "pool", TotalCapacityGB: 10}},
	})
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected two distinct backends to be valid: %v", err)
	}
}
