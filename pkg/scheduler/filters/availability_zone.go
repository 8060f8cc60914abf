package filters

import (
	"strings"

	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// AvailabilityZoneFilter keeps pools in the requested availability zone
// and, if the share type restricts zones, in one of the allowed zones.
type AvailabilityZoneFilter struct{}

func (AvailabilityZoneFilter) Name() string { return AvailabilityZone }

func (AvailabilityZoneFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	if rs := props.RequestSpec; rs != nil && rs.AvailabilityZone != "" {
		if h.AvailabilityZone != rs.AvailabilityZone {
			return false
		}
	}
	allowed := props.ExtraSpecs()[share.SpecAvailabilityZones]
	if strings.TrimSpace(allowed) == "" {
		return true
	}
	for _, az := range strings.Split(allowed, ",") {
		if strings.TrimSpace(az) == h.AvailabilityZone {
			return true
		}
	}
	return false
}
