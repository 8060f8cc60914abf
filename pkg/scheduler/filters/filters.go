// Package filters holds the scheduler's host filters.
//
// A filter is a predicate over one pool and the filter properties of a
// request. Filters never mutate the host state; the scheduler hands them a
// private copy per request anyway.
package filters

import (
	"sort"

	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
)

// Filter decides whether a pool can take a request.
type Filter interface {
	Name() string
	HostPasses(h *host.State, props *share.FilterProperties) bool
}

// Filter names accepted by New.
const (
	AvailabilityZone = "AvailabilityZoneFilter"
	Capacity         = "CapacityFilter"
	Capabilities     = "CapabilitiesFilter"
	ConsistencyGroup = "ConsistencyGroupFilter"
	ShareReplication = "ShareReplicationFilter"
	JSON             = "JsonFilter"
	Driver           = "DriverFilter"
	Retry            = "RetryFilter"
)

var constructors = map[string]func() Filter{
	AvailabilityZone: func() Filter { return AvailabilityZoneFilter{} },
	Capacity:         func() Filter { return CapacityFilter{} },
	Capabilities:     func() Filter { return CapabilitiesFilter{} },
	ConsistencyGroup: func() Filter { return ConsistencyGroupFilter{} },
	ShareReplication: func() Filter { return ShareReplicationFilter{} },
	JSON:             func() Filter { return NewJSONFilter() },
	Driver:           func() Filter { return NewDriverFilter() },
	Retry:            func() Filter { return RetryFilter{} },
}

// Defaults is the filter chain used when none is configured.
func Defaults() []string {
	return []string{AvailabilityZone, Capacity, Capabilities, ConsistencyGroup, Driver, ShareReplication, Retry}
}

// Available lists the known filter names.
func Available() []string {
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the filter chain for names, in order.
func New(names []string) ([]Filter, error) {
	out := make([]Filter, 0, len(names))
	for _, name := range names {
		ctor, ok := constructors[name]
		if !ok {
			return nil, share.Errorf(share.KindInvalidInput, "unknown scheduler filter %q", name)
		}
		out = append(out, ctor())
	}
	return out, nil
}
