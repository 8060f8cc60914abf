package scheduler

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/scheduler/filters"
	"github.com/marmos91/dittoshare/pkg/scheduler/weighers"
)

// Config configures the filter scheduler.
type Config struct {
	// DefaultFilters is the filter chain, in evaluation order.
	DefaultFilters []string `mapstructure:"default_filters" yaml:"default_filters" json:"default_filters"`

	// DefaultWeighers ranks the pools that pass filtering.
	DefaultWeighers []string `mapstructure:"default_weighers" yaml:"default_weighers" json:"default_weighers"`

	// CapacityWeightMultiplier scales the capacity weigher. Negative values
	// stack shares onto the fullest pools.
	CapacityWeightMultiplier float64 `mapstructure:"capacity_weight_multiplier" yaml:"capacity_weight_multiplier" json:"capacity_weight_multiplier"`

	// GoodnessWeightMultiplier scales the goodness weigher.
	GoodnessWeightMultiplier float64 `mapstructure:"goodness_weight_multiplier" yaml:"goodness_weight_multiplier" json:"goodness_weight_multiplier"`

	// MaxAttempts bounds scheduling attempts per request. 1 disables
	// rescheduling.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts" validate:"omitempty,gte=1"`

	// ServiceDownTime is how long a share service may go without a
	// heartbeat before its pools are ignored.
	ServiceDownTime time.Duration `mapstructure:"service_down_time" yaml:"service_down_time" json:"service_down_time"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		DefaultFilters:           filters.Defaults(),
		DefaultWeighers:          weighers.Defaults(),
		CapacityWeightMultiplier: 1.0,
		GoodnessWeightMultiplier: 1.0,
		MaxAttempts:              3,
		ServiceDownTime:          60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.DefaultFilters) == 0 {
		c.DefaultFilters = d.DefaultFilters
	}
	if len(c.DefaultWeighers) == 0 {
		c.DefaultWeighers = d.DefaultWeighers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ServiceDownTime <= 0 {
		c.ServiceDownTime = d.ServiceDownTime
	}
}

func (c *Config) multipliers() map[string]float64 {
	return map[string]float64{
		weighers.Capacity: c.CapacityWeightMultiplier,
		weighers.Goodness: c.GoodnessWeightMultiplier,
	}
}
