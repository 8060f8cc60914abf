package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittoshare/pkg/scheduler/filters"
	"github.com/marmos91/dittoshare/pkg/scheduler/weighers"
	"github.com/marmos91/dittoshare/pkg/share"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults; validation accepts
// both cases.
//
// Parameters:
//   - cfg: Configuration with defaults applied
//
// Returns:
//   - error: First violation, naming the offending field, or nil
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation that struct tags cannot express.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("backends: at least one backend must be configured")
	}

	names := make(map[string]bool)
	hosts := make(map[string]bool)
	for i, b := range cfg.Backends {
		if names[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		names[b.Name] = true

		host := share.ExtractHost(b.Host, share.LevelBackend)
		if !strings.Contains(host, "@") {
			return fmt.Errorf("backends[%d]: host %q must have the form service@backend", i, b.Host)
		}
		if hosts[host] {
			return fmt.Errorf("backends[%d]: duplicate host %q", i, host)
		}
		hosts[host] = true

		pools := make(map[string]bool)
		for j, p := range b.Pools {
			if pools[p.Name] {
				return fmt.Errorf("backends[%d].pools[%d]: duplicate pool name %q", i, j, p.Name)
			}
			pools[p.Name] = true
		}
	}

	typeNames := make(map[string]bool)
	for i, t := range cfg.ShareTypes {
		if typeNames[t.Name] {
			return fmt.Errorf("share_types[%d]: duplicate share type name %q", i, t.Name)
		}
		typeNames[t.Name] = true
	}
	if cfg.Share.DefaultShareType != "" && !typeNames[cfg.Share.DefaultShareType] {
		return fmt.Errorf("share: default_share_type %q is not declared in share_types", cfg.Share.DefaultShareType)
	}

	for _, p := range cfg.Share.EnabledProtocols {
		if !p.IsValid() {
			return fmt.Errorf("share: unknown protocol %q in enabled_protocols", p)
		}
	}

	// Unknown filter and weigher names fail scheduler construction; catch
	// them here with a config-level message.
	if _, err := filters.New(cfg.Scheduler.DefaultFilters); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := weighers.New(cfg.Scheduler.DefaultWeighers, nil); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == 0 {
		return fmt.Errorf("server.metrics: port is required when metrics are enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
