package filters

import (
	"github.com/juju/collections/set"

	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// ConsistencyGroupFilter keeps shares of a consistency group together:
// on the same pool for "pool" support, on the same backend for "host".
type ConsistencyGroupFilter struct{}

func (ConsistencyGroupFilter) Name() string { return ConsistencyGroup }

func (ConsistencyGroupFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	rs := props.RequestSpec
	if rs == nil || rs.ConsistencyGroupID == "" {
		return true
	}
	switch props.CGSupport {
	case "pool":
		return set.NewStrings(rs.ConsistencyGroupHosts...).Contains(h.Name)
	case "host":
		backends := set.NewStrings()
		for _, cgHost := range rs.ConsistencyGroupHosts {
			backends.Add(share.ExtractHost(cgHost, share.LevelBackend))
		}
		return backends.Contains(h.Backend)
	}
	return false
}
