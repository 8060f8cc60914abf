package filters

import (
	"strings"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// specsNotCapabilities are extra specs consumed elsewhere rather than
// matched against capabilities.
var specsNotCapabilities = map[string]bool{
	share.SpecAvailabilityZones: true,
}

// CapabilitiesFilter keeps pools whose capabilities satisfy every
// unscoped (or "capabilities:"-scoped) extra spec of the share type.
// Specs in other scopes ("vendor:key") are ignored; nested capabilities
// are addressed with further colons.
type CapabilitiesFilter struct{}

func (CapabilitiesFilter) Name() string { return Capabilities }

func (CapabilitiesFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	for key, req := range props.ExtraSpecs() {
		if specsNotCapabilities[key] {
			continue
		}
		scope := strings.Split(key, ":")
		if len(scope) > 1 {
			if scope[0] != "capabilities" {
				continue
			}
			scope = scope[1:]
		}

		var cap any = h.Capabilities
		for _, part := range scope {
			m, ok := cap.(map[string]any)
			if !ok {
				cap = nil
				break
			}
			cap = m[part]
			if cap == nil {
				break
			}
		}
		if cap == nil {
			logger.Debug("scheduler: %s does not report capability %q", h.Name, key)
			return false
		}

		values, ok := cap.([]any)
		if !ok {
			values = []any{cap}
		}
		matched := false
		for _, v := range values {
			if Match(v, req) {
				matched = true
				break
			}
		}
		if !matched {
			logger.Debug("scheduler: %s capability %s=%v does not satisfy %q", h.Name, key, cap, req)
			return false
		}
	}
	return true
}
