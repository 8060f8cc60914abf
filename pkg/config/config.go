package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/api"
	"github.com/marmos91/dittoshare/pkg/data"
	"github.com/marmos91/dittoshare/pkg/driver/dummy"
	"github.com/marmos91/dittoshare/pkg/migration"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/scheduler"
)

// Config represents the complete DittoShare configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOSHARE_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Backend and store sections follow the type-specific pattern: the Type
// (or Driver) field selects the implementation and the matching free-form
// section is decoded into that implementation's own config type.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Store selects where shares, instances, rules and services are kept
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// RPC tunes the in-process message bus between the services
	RPC rpc.BusConfig `mapstructure:"rpc" yaml:"rpc"`

	Scheduler scheduler.Config `mapstructure:"scheduler" yaml:"scheduler"`

	Access access.Config `mapstructure:"access" yaml:"access"`

	Migration migration.Config `mapstructure:"migration" yaml:"migration"`

	// Quota holds the per-project limits. -1 disables a limit.
	Quota quota.Limits `mapstructure:"quota" yaml:"quota"`

	// Share holds the API defaults
	Share api.Config `mapstructure:"share" yaml:"share"`

	Data data.Config `mapstructure:"data" yaml:"data"`

	// Backends lists the share services started by this process
	Backends []BackendConfig `mapstructure:"backends" yaml:"backends" validate:"dive"`

	// ShareTypes are created at startup when missing
	ShareTypes []ShareTypeConfig `mapstructure:"share_types" yaml:"share_types" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port of the /metrics HTTP server
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// StoreConfig specifies the persistence backend.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// BackendConfig describes one storage backend and the share service that
// drives it.
type BackendConfig struct {
	// Name is the backend name. It is the part after "@" in host strings.
	Name string `mapstructure:"name" yaml:"name" validate:"required,excludesall=@#"`

	// Host is the "service@backend" the service answers to.
	// Default: share@<name>
	Host string `mapstructure:"host" yaml:"host"`

	// Driver selects the driver implementation
	// Valid values: dummy
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=dummy"`

	AvailabilityZone string `mapstructure:"availability_zone" yaml:"availability_zone"`

	// Pools reported to the scheduler
	Pools []dummy.PoolConfig `mapstructure:"pools" yaml:"pools" validate:"required,min=1,dive"`

	// ReportInterval is how often capabilities are sent to the scheduler
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval" validate:"gte=0"`

	// HeartbeatInterval is how often the service record is refreshed
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gte=0"`

	// PollInterval drives migration continuation and replica refresh
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gte=0"`

	// Options contains driver-specific configuration, decoded into the
	// driver's own config type
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ShareTypeConfig declares a share type.
type ShareTypeConfig struct {
	Name       string            `mapstructure:"name" yaml:"name" validate:"required"`
	ExtraSpecs map[string]string `mapstructure:"extra_specs" yaml:"extra_specs"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOSHARE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist falls back to defaults too
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/dittoshare, ~/.config/dittoshare,
// or "." when no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittoshare")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittoshare")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
