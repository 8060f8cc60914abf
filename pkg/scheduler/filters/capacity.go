package filters

import (
	"math"

	"github.com/dustin/go-humanize"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// CapacityFilter keeps pools with room for the requested size, honouring
// the reserved percentage and thin provisioning.
type CapacityFilter struct{}

func (CapacityFilter) Name() string { return Capacity }

func (CapacityFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	size := float64(props.Size)

	switch {
	case h.FreeCapacityGB.IsMissing():
		logger.Warn("scheduler: free capacity not reported by %s", h.Name)
		return false
	case h.FreeCapacityGB.IsUnknown():
		return true
	}
	free := h.FreeCapacityGB.GB
	reserved := float64(h.ReservedPercentage) / 100

	if !h.TotalCapacityGB.IsKnown() {
		// Without a total the reserved share cannot be computed.
		return reserved == 0 && size <= free
	}
	total := h.TotalCapacityGB.GB
	if total <= 0 {
		logger.Warn("scheduler: %s reports non-positive total capacity", h.Name)
		return false
	}

	free = math.Floor(free - total*reserved)
	thin := h.ThinProvisioning && UseThinLogic(props.ExtraSpecs())
	ratio := h.MaxOverSubscriptionRatio

	if thin && ratio >= 1 {
		provisionedRatio := (h.ProvisionedCapacityGB + size) / total
		if provisionedRatio > ratio {
			logger.Debug("scheduler: %s over-subscribed (%.2f > %.2f)", h.Name, provisionedRatio, ratio)
			return false
		}
		if free*ratio >= size {
			return true
		}
		logger.Debug("scheduler: %s lacks virtual capacity for %d GB", h.Name, props.Size)
		return false
	}
	if thin {
		logger.Warn("scheduler: %s has max_over_subscription_ratio %.2f < 1", h.Name, ratio)
		return false
	}
	if free < size {
		logger.Debug("scheduler: %s has %s free, %d GB requested", h.Name,
			humanize.Bytes(uint64(max(free, 0)*1e9)), props.Size)
		return false
	}
	return true
}

// UseThinLogic reports whether thin provisioning math applies to a share
// type: true unless the type sets thin_provisioning (or the scoped
// capabilities:thin_provisioning) to a false value.
func UseThinLogic(extraSpecs map[string]string) bool {
	v, ok := extraSpecs["thin_provisioning"]
	if !ok {
		v, ok = extraSpecs["capabilities:thin_provisioning"]
	}
	if !ok {
		return true
	}
	if b, ok := parseBool(v); ok {
		return b
	}
	return Match(true, v)
}
