// Package host holds the scheduler's view of one storage pool.
package host

import (
	"fmt"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/scheduler/jsonexpr"
	"github.com/marmos91/dittoshare/pkg/share"
)

// State is one candidate pool. Name is "host@backend#pool"; Backend is
// "host@backend".
type State struct {
	Name     string
	Backend  string
	PoolName string

	AvailabilityZone string
	ServiceDisabled  bool

	BackendName   string
	VendorName    string
	DriverVersion string

	TotalCapacityGB           driver.Capacity
	FreeCapacityGB            driver.Capacity
	AllocatedCapacityGB       float64
	ProvisionedCapacityGB     float64
	ReservedPercentage        int
	ThinProvisioning          bool
	MaxOverSubscriptionRatio  float64
	DriverHandlesShareServers bool
	SnapshotSupport           bool
	ReplicationType           string
	ReplicationDomain         string
	ConsistencyGroupSupport   string

	FilterFunction   string
	GoodnessFunction string

	// Capabilities is the flattened capability report: the typed fields
	// above under their wire names plus any vendor capabilities.
	Capabilities map[string]any

	UpdatedAt time.Time
}

// FromPool builds the state of pool p reported by backend.
func FromPool(backend string, svc *share.Service, stats *driver.Stats, p driver.PoolStats, updated time.Time) *State {
	ratio := p.MaxOverSubscriptionRatio
	if ratio == 0 {
		ratio = 1
	}
	provisioned := p.ProvisionedCapacityGB
	if provisioned == 0 {
		provisioned = p.AllocatedCapacityGB
	}
	s := &State{
		Name:                      share.AppendPool(backend, p.Name),
		Backend:                   backend,
		PoolName:                  p.Name,
		BackendName:               stats.BackendName,
		VendorName:                stats.VendorName,
		DriverVersion:             stats.DriverVersion,
		TotalCapacityGB:           p.TotalCapacityGB,
		FreeCapacityGB:            p.FreeCapacityGB,
		AllocatedCapacityGB:       p.AllocatedCapacityGB,
		ProvisionedCapacityGB:     provisioned,
		ReservedPercentage:        p.ReservedPercentage,
		ThinProvisioning:          p.ThinProvisioning,
		MaxOverSubscriptionRatio:  ratio,
		DriverHandlesShareServers: p.DriverHandlesShareServers,
		SnapshotSupport:           p.SnapshotSupport,
		ReplicationType:           p.ReplicationType,
		ReplicationDomain:         p.ReplicationDomain,
		ConsistencyGroupSupport:   p.ConsistencyGroupSupport,
		FilterFunction:            stats.FilterFunction,
		GoodnessFunction:          stats.GoodnessFunction,
		UpdatedAt:                 updated,
	}
	if s.ReplicationDomain == "" {
		s.ReplicationDomain = stats.ReplicationDomain
	}
	if svc != nil {
		s.AvailabilityZone = svc.AvailabilityZone
		s.ServiceDisabled = svc.Disabled
	}

	caps := make(map[string]any, len(p.Capabilities)+16)
	for k, v := range p.Capabilities {
		caps[k] = deepcopy.Copy(v)
	}
	caps["pool_name"] = p.Name
	caps["share_backend_name"] = stats.BackendName
	caps["vendor_name"] = stats.VendorName
	caps["driver_version"] = stats.DriverVersion
	caps["storage_protocol"] = stats.StorageProtocol
	caps["total_capacity_gb"] = capacityValue(p.TotalCapacityGB)
	caps["free_capacity_gb"] = capacityValue(p.FreeCapacityGB)
	caps["allocated_capacity_gb"] = p.AllocatedCapacityGB
	caps["provisioned_capacity_gb"] = provisioned
	caps["reserved_percentage"] = float64(p.ReservedPercentage)
	caps["thin_provisioning"] = p.ThinProvisioning
	caps["max_over_subscription_ratio"] = ratio
	caps["driver_handles_share_servers"] = p.DriverHandlesShareServers
	caps["snapshot_support"] = p.SnapshotSupport
	if p.ReplicationType != "" {
		caps["replication_type"] = p.ReplicationType
	}
	if s.ReplicationDomain != "" {
		caps["replication_domain"] = s.ReplicationDomain
	}
	if p.ConsistencyGroupSupport != "" {
		caps["consistency_group_support"] = p.ConsistencyGroupSupport
	}
	s.Capabilities = caps
	return s
}

func capacityValue(c driver.Capacity) any {
	switch c.State {
	case driver.CapacityKnown:
		return c.GB
	case driver.CapacityUnknown:
		return "unknown"
	}
	return nil
}

// Enabled reports whether the pool accepts placements. Pools reporting
// the capability enabled=false are excluded before filtering.
func (s *State) Enabled() bool {
	if v, ok := s.Capabilities["enabled"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return true
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	if s.Capabilities != nil {
		c.Capabilities = deepcopy.Copy(s.Capabilities).(map[string]any)
	}
	return &c
}

// Consume books size GB on the pool. Unknown capacity stays unknown.
func (s *State) Consume(size int) {
	if s.FreeCapacityGB.IsKnown() {
		s.FreeCapacityGB.GB -= float64(size)
		s.Capabilities["free_capacity_gb"] = s.FreeCapacityGB.GB
	}
	s.AllocatedCapacityGB += float64(size)
	s.ProvisionedCapacityGB += float64(size)
	s.Capabilities["allocated_capacity_gb"] = s.AllocatedCapacityGB
	s.Capabilities["provisioned_capacity_gb"] = s.ProvisionedCapacityGB
}

// Stats is the host_stats view used by driver filter and goodness
// functions.
func (s *State) Stats() map[string]any {
	return map[string]any{
		"host":                         s.Name,
		"share_backend_name":           s.BackendName,
		"vendor_name":                  s.VendorName,
		"driver_version":               s.DriverVersion,
		"total_capacity_gb":            capacityValue(s.TotalCapacityGB),
		"free_capacity_gb":             capacityValue(s.FreeCapacityGB),
		"allocated_capacity_gb":        s.AllocatedCapacityGB,
		"provisioned_capacity_gb":      s.ProvisionedCapacityGB,
		"reserved_percentage":          float64(s.ReservedPercentage),
		"thin_provisioning":            s.ThinProvisioning,
		"max_over_subscription_ratio":  s.MaxOverSubscriptionRatio,
		"driver_handles_share_servers": s.DriverHandlesShareServers,
		"snapshot_support":             s.SnapshotSupport,
		"replication_domain":           s.ReplicationDomain,
		"replication_type":             s.ReplicationType,
		"consistency_group_support":    s.ConsistencyGroupSupport,
		"availability_zone":            s.AvailabilityZone,
	}
}

// Env is the namespace of JSON filter queries: host stats at the top
// level, reported capabilities both at the top level (where they do not
// shadow a stat) and under "capabilities", and the service under
// "service".
func (s *State) Env() jsonexpr.Env {
	env := jsonexpr.Env{}
	for k, v := range s.Capabilities {
		env[k] = v
	}
	for k, v := range s.Stats() {
		env[k] = v
	}
	env["capabilities"] = s.Capabilities
	env["service"] = map[string]any{
		"disabled":          s.ServiceDisabled,
		"availability_zone": s.AvailabilityZone,
		"host":              s.Backend,
	}
	return env
}

// FunctionEnv is the namespace of backend filter and goodness functions.
func (s *State) FunctionEnv(props *share.FilterProperties) jsonexpr.Env {
	extra := make(map[string]any)
	for k, v := range props.ExtraSpecs() {
		extra[k] = v
	}
	shareVars := map[string]any{}
	if rs := props.RequestSpec; rs != nil {
		sp := rs.ShareProperties
		shareVars["size"] = float64(sp.Size)
		shareVars["share_proto"] = string(sp.Protocol)
		shareVars["project_id"] = sp.ProjectID
		shareVars["snapshot_support"] = sp.SnapshotSupport
		shareVars["replication_type"] = sp.ReplicationType
		shareVars["is_public"] = sp.IsPublic
		md := map[string]any{}
		for k, v := range sp.Metadata {
			md[k] = v
		}
		shareVars["metadata"] = md
	}
	return jsonexpr.Env{
		"extra":        extra,
		"stats":        s.Stats(),
		"capabilities": s.Capabilities,
		"share":        shareVars,
	}
}

func (s *State) String() string {
	return fmt.Sprintf("%s (free %s / total %s)", s.Name, s.FreeCapacityGB, s.TotalCapacityGB)
}
