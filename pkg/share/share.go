// Package share defines the domain model of the control plane: shares,
// their physical instances, access rules, snapshots, share servers and
// services, plus the error taxonomy shared by every other package.
//
// Entities are plain structs with enum-typed status fields. Constructors
// (NewShare, NewInstance, NewAccessRule, ...) assign identifiers and
// timestamps and validate the result; persisted entities are decoded
// without re-validation.
package share

import (
	"sort"
	"strings"
	"time"
)

// Share is a logical filesystem requested by a tenant.
type Share struct {
	ID                 string            `json:"id" validate:"required"`
	Name               string            `json:"name,omitempty"`
	Description        string            `json:"description,omitempty"`
	ProjectID          string            `json:"project_id" validate:"required"`
	UserID             string            `json:"user_id,omitempty"`
	Size               int               `json:"size" validate:"gt=0"`
	Protocol           Protocol          `json:"protocol" validate:"required"`
	ShareTypeID        string            `json:"share_type_id,omitempty"`
	SnapshotID         string            `json:"snapshot_id,omitempty"`
	ShareNetworkID     string            `json:"share_network_id,omitempty"`
	ConsistencyGroupID string            `json:"consistency_group_id,omitempty"`
	TaskState          TaskState         `json:"task_state,omitempty"`
	ReplicationType    string            `json:"replication_type,omitempty"`
	IsPublic           bool              `json:"is_public"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ShareType groups the capability requirements a share is created with.
type ShareType struct {
	ID         string            `json:"id" validate:"required"`
	Name       string            `json:"name" validate:"required"`
	ExtraSpecs map[string]string `json:"extra_specs"`
}

// Well-known extra spec keys.
const (
	SpecDriverHandlesShareServers = "driver_handles_share_servers"
	SpecSnapshotSupport           = "snapshot_support"
	SpecReplicationType           = "replication_type"
	SpecConsistencyGroupSupport   = "consistency_group_support"
	SpecAvailabilityZones         = "availability_zones"
)

// DriverHandlesShareServers reports the required driver_handles_share_servers spec.
func (t *ShareType) DriverHandlesShareServers() bool {
	return specTrue(t.ExtraSpecs[SpecDriverHandlesShareServers])
}

// SnapshotSupport reports whether shares of this type may be snapshotted.
// Absent means supported.
func (t *ShareType) SnapshotSupport() bool {
	v, ok := t.ExtraSpecs[SpecSnapshotSupport]
	return !ok || specTrue(v)
}

// ReplicationType returns the replication style (readable, writable, dr) or "".
func (t *ShareType) ReplicationType() string {
	if t == nil {
		return ""
	}
	return t.ExtraSpecs[SpecReplicationType]
}

func specTrue(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "<is> ")
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// ShareInstance is one placement of a share on one backend pool.
type ShareInstance struct {
	ID                string            `json:"id" validate:"required"`
	ShareID           string            `json:"share_id" validate:"required"`
	Host              string            `json:"host,omitempty"`
	Status            Status            `json:"status" validate:"required"`
	AccessRulesStatus AccessRulesStatus `json:"access_rules_status" validate:"required"`
	ReplicaState      ReplicaState      `json:"replica_state,omitempty"`
	AvailabilityZone  string            `json:"availability_zone,omitempty"`
	ShareServerID     string            `json:"share_server_id,omitempty"`
	ShareNetworkID    string            `json:"share_network_id,omitempty"`
	ExportLocations   []string          `json:"export_locations,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsReplica reports whether the instance participates in replication.
func (i *ShareInstance) IsReplica() bool {
	return i.ReplicaState != ReplicaStateNone
}

// SortInstances orders instances by creation time, then by ID.
func SortInstances(instances []*ShareInstance) {
	sort.SliceStable(instances, func(a, b int) bool {
		ia, ib := instances[a], instances[b]
		if !ia.CreatedAt.Equal(ib.CreatedAt) {
			return ia.CreatedAt.Before(ib.CreatedAt)
		}
		return ia.ID < ib.ID
	})
}

// PrimaryInstance picks the instance that represents the share: the active
// replica if there is one, otherwise the oldest instance that is not being
// torn down, otherwise the oldest instance. Returns nil for an empty slice.
func PrimaryInstance(instances []*ShareInstance) *ShareInstance {
	if len(instances) == 0 {
		return nil
	}
	sorted := make([]*ShareInstance, len(instances))
	copy(sorted, instances)
	SortInstances(sorted)

	for _, inst := range sorted {
		if inst.ReplicaState == ReplicaStateActive {
			return inst
		}
	}
	for _, inst := range sorted {
		switch inst.Status {
		case StatusDeleting, StatusErrorDeleting, StatusDeleted:
			continue
		}
		return inst
	}
	return sorted[0]
}

// AggregateStatus is the status of the share's primary instance.
func AggregateStatus(instances []*ShareInstance) Status {
	if p := PrimaryInstance(instances); p != nil {
		return p.Status
	}
	return StatusDeleted
}
