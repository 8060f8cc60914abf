package filters

import (
	"github.com/juju/collections/set"

	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// RetryFilter skips pools already attempted for this request.
type RetryFilter struct{}

func (RetryFilter) Name() string { return Retry }

func (RetryFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	if props.Retry == nil {
		return true
	}
	return !set.NewStrings(props.Retry.Hosts...).Contains(h.Name)
}
