package weighers

import (
	"math"

	"github.com/marmos91/dittoshare/pkg/scheduler/filters"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// CapacityWeigher prefers pools with more free (or, thin provisioned,
// more virtual free) capacity. A negative multiplier stacks shares onto
// the fullest pools instead. Pools with unknown capacity rank last either
// way, so Multiplier must match the one the weigher is ranked with.
type CapacityWeigher struct {
	Multiplier float64
}

func (CapacityWeigher) Name() string { return Capacity }

func (w CapacityWeigher) Weigh(hosts []*host.State, props *share.FilterProperties) []float64 {
	thinLogic := filters.UseThinLogic(props.ExtraSpecs())
	out := make([]float64, len(hosts))
	for i, h := range hosts {
		if !h.TotalCapacityGB.IsKnown() || !h.FreeCapacityGB.IsKnown() {
			if w.Multiplier > 0 {
				out[i] = math.Inf(-1)
			} else {
				out[i] = math.Inf(1)
			}
			continue
		}
		total := h.TotalCapacityGB.GB
		reserved := float64(h.ReservedPercentage) / 100
		if thinLogic && h.ThinProvisioning {
			out[i] = math.Floor(total*h.MaxOverSubscriptionRatio - h.ProvisionedCapacityGB - total*reserved)
		} else {
			out[i] = math.Floor(h.FreeCapacityGB.GB - total*reserved)
		}
	}
	return out
}
