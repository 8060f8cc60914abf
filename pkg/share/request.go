package share

// RequestSpec describes one placement request. It travels from the API to
// the scheduler and on to the chosen host, and is never persisted.
type RequestSpec struct {
	ShareID                 string          `json:"share_id"`
	ShareInstanceID         string          `json:"share_instance_id"`
	SnapshotID              string          `json:"snapshot_id,omitempty"`
	ShareProperties         ShareProperties `json:"share_properties"`
	ShareInstanceProperties InstanceProps   `json:"share_instance_properties"`
	ShareType               *ShareType      `json:"share_type,omitempty"`
	AvailabilityZone        string          `json:"availability_zone,omitempty"`
	ConsistencyGroupID      string          `json:"consistency_group_id,omitempty"`
	ConsistencyGroupHosts   []string        `json:"consistency_group_hosts,omitempty"`

	// ActiveReplicaHost and AllReplicaHosts are set for replica requests
	// so the destination can establish the replication relationship.
	ActiveReplicaHost string   `json:"active_replica_host,omitempty"`
	AllReplicaHosts   []string `json:"all_replica_hosts,omitempty"`
}

// ShareProperties is the subset of a share the scheduler looks at.
type ShareProperties struct {
	ProjectID       string            `json:"project_id"`
	Size            int               `json:"size"`
	Protocol        Protocol          `json:"share_proto"`
	ShareTypeID     string            `json:"share_type_id,omitempty"`
	SnapshotSupport bool              `json:"snapshot_support"`
	ReplicationType string            `json:"replication_type,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	IsPublic        bool              `json:"is_public"`
}

// InstanceProps is the subset of an instance the scheduler looks at.
type InstanceProps struct {
	AvailabilityZone string `json:"availability_zone,omitempty"`
	ShareNetworkID   string `json:"share_network_id,omitempty"`
	Host             string `json:"host,omitempty"`
}

// NewRequestSpec builds the request spec for placing instance of s.
func NewRequestSpec(s *Share, inst *ShareInstance, st *ShareType) *RequestSpec {
	props := ShareProperties{
		ProjectID:       s.ProjectID,
		Size:            s.Size,
		Protocol:        s.Protocol,
		ShareTypeID:     s.ShareTypeID,
		ReplicationType: s.ReplicationType,
		Metadata:        s.Metadata,
		IsPublic:        s.IsPublic,
	}
	if st != nil {
		props.SnapshotSupport = st.SnapshotSupport()
	}
	return &RequestSpec{
		ShareID:         s.ID,
		ShareInstanceID: inst.ID,
		SnapshotID:      s.SnapshotID,
		ShareProperties: props,
		ShareInstanceProperties: InstanceProps{
			AvailabilityZone: inst.AvailabilityZone,
			ShareNetworkID:   inst.ShareNetworkID,
			Host:             inst.Host,
		},
		ShareType:          st,
		AvailabilityZone:   inst.AvailabilityZone,
		ConsistencyGroupID: s.ConsistencyGroupID,
	}
}

// RetryInfo is the retry bookkeeping of a scheduling request.
type RetryInfo struct {
	NumAttempts int      `json:"num_attempts"`
	Hosts       []string `json:"hosts,omitempty"`
	LastError   string   `json:"last_error,omitempty"`
}

// FilterProperties is the per-call input of the scheduler filters and
// weighers.
type FilterProperties struct {
	RequestSpec    *RequestSpec      `json:"request_spec"`
	ShareType      *ShareType        `json:"share_type,omitempty"`
	Size           int               `json:"size"`
	ResourceType   map[string]string `json:"resource_type,omitempty"`
	Retry          *RetryInfo        `json:"retry,omitempty"`
	SchedulerHints map[string]string `json:"scheduler_hints,omitempty"`

	// CGSupport is the consistency group support level required by the
	// share's consistency group, if any.
	CGSupport string `json:"cg_support,omitempty"`

	// ReplicationDomain is the domain of the active replica's host. The
	// scheduler sets it for replica requests.
	ReplicationDomain string `json:"replication_domain,omitempty"`
}

// ExtraSpecs returns the share type extra specs, never nil.
func (p *FilterProperties) ExtraSpecs() map[string]string {
	if p.ShareType == nil || p.ShareType.ExtraSpecs == nil {
		return map[string]string{}
	}
	return p.ShareType.ExtraSpecs
}
