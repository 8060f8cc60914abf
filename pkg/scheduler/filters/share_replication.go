package filters

import (
	"github.com/juju/collections/set"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// ShareReplicationFilter keeps pools that can hold a new replica: same
// replication domain as the active replica and no replica of the share
// already on the pool.
type ShareReplicationFilter struct{}

func (ShareReplicationFilter) Name() string { return ShareReplication }

func (ShareReplicationFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	if props.ShareType.ReplicationType() == "" {
		return true
	}
	if h.ReplicationDomain == "" {
		logger.Debug("scheduler: %s has no replication domain", h.Name)
		return false
	}
	rs := props.RequestSpec
	if rs == nil || rs.ActiveReplicaHost == "" {
		return true
	}
	if h.ReplicationDomain != props.ReplicationDomain {
		logger.Debug("scheduler: %s replication domain %q does not match %q",
			h.Name, h.ReplicationDomain, props.ReplicationDomain)
		return false
	}
	if set.NewStrings(rs.AllReplicaHosts...).Contains(h.Name) {
		logger.Debug("scheduler: %s already holds a replica of share %s", h.Name, rs.ShareID)
		return false
	}
	return true
}
