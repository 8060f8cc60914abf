// Package driver defines the contract between the share manager and a
// storage backend.
//
// A Driver implements the mandatory share operations. Optional capabilities
// (per-rule access, replication, driver-assisted migration) are separate
// interfaces discovered with a type assertion, so a backend only implements
// what it supports. Operations a backend cannot perform return a
// share.KindNotSupported error.
package driver

import (
	"context"

	"github.com/marmos91/dittoshare/pkg/share"
)

// ErrShrinkPossibleDataLoss is returned by ShrinkShare when the share holds
// more data than the requested size. The instance goes back to available
// rather than shrinking_error, because nothing was changed.
var ErrShrinkPossibleDataLoss = share.Errorf(share.KindDriver, "shrinking may cause data loss")

// PoolStats is the capability report of one storage pool.
type PoolStats struct {
	Name                      string   `json:"pool_name"`
	TotalCapacityGB           Capacity `json:"total_capacity_gb"`
	FreeCapacityGB            Capacity `json:"free_capacity_gb"`
	AllocatedCapacityGB       float64  `json:"allocated_capacity_gb"`
	ProvisionedCapacityGB     float64  `json:"provisioned_capacity_gb"`
	ReservedPercentage        int      `json:"reserved_percentage"`
	ThinProvisioning          bool     `json:"thin_provisioning"`
	MaxOverSubscriptionRatio  float64  `json:"max_over_subscription_ratio"`
	DriverHandlesShareServers bool     `json:"driver_handles_share_servers"`
	SnapshotSupport           bool     `json:"snapshot_support"`
	ReplicationType           string   `json:"replication_type,omitempty"`
	ReplicationDomain         string   `json:"replication_domain,omitempty"`
	ConsistencyGroupSupport   string   `json:"consistency_group_support,omitempty"`

	// Capabilities holds vendor-specific capabilities matched by extra specs.
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// Stats is the capability report of a backend.
type Stats struct {
	BackendName               string `json:"share_backend_name"`
	VendorName                string `json:"vendor_name"`
	DriverVersion             string `json:"driver_version"`
	StorageProtocol           string `json:"storage_protocol"`
	DriverHandlesShareServers bool   `json:"driver_handles_share_servers"`
	SnapshotSupport           bool   `json:"snapshot_support"`
	ReplicationDomain         string `json:"replication_domain,omitempty"`

	// FilterFunction and GoodnessFunction are expressions in the scheduler's
	// JSON expression language, evaluated per pool.
	FilterFunction   string `json:"filter_function,omitempty"`
	GoodnessFunction string `json:"goodness_function,omitempty"`

	Pools []PoolStats `json:"pools"`
}

// ManagedShare is what a backend reports about a share it was asked to
// adopt.
type ManagedShare struct {
	Size            int      `json:"size"`
	ExportLocations []string `json:"export_locations"`
}

// Driver is the mandatory backend contract.
type Driver interface {
	// Name identifies the driver implementation.
	Name() string

	// CreateShare provisions inst and returns its export locations.
	CreateShare(ctx context.Context, inst *share.ShareInstance, sh *share.Share, srv *share.ShareServer) ([]string, error)

	// CreateShareFromSnapshot provisions inst with the content of snap.
	CreateShareFromSnapshot(ctx context.Context, inst *share.ShareInstance, sh *share.Share, snap *share.SnapshotInstance, srv *share.ShareServer) ([]string, error)

	// DeleteShare removes inst. Deleting an instance the backend does not
	// know returns a share.KindNotFound error.
	DeleteShare(ctx context.Context, inst *share.ShareInstance, srv *share.ShareServer) error

	// UpdateAccess makes the backend's ACL of inst equal to current plus add
	// minus del. When add and del are both empty, current is the full set
	// to resync. The returned map holds access keys by rule ID.
	UpdateAccess(ctx context.Context, inst *share.ShareInstance, current, add, del []*share.AccessRule, srv *share.ShareServer) (map[string]string, error)

	ExtendShare(ctx context.Context, inst *share.ShareInstance, newSize int, srv *share.ShareServer) error

	// ShrinkShare returns ErrShrinkPossibleDataLoss when the share holds more
	// than newSize.
	ShrinkShare(ctx context.Context, inst *share.ShareInstance, newSize int, srv *share.ShareServer) error

	CreateSnapshot(ctx context.Context, snap *share.SnapshotInstance, inst *share.ShareInstance, srv *share.ShareServer) error
	DeleteSnapshot(ctx context.Context, snap *share.SnapshotInstance, inst *share.ShareInstance, srv *share.ShareServer) error

	// ManageExisting adopts a share that already exists at exportPath.
	ManageExisting(ctx context.Context, inst *share.ShareInstance, exportPath string, opts map[string]string) (*ManagedShare, error)
	Unmanage(ctx context.Context, inst *share.ShareInstance) error

	// GetShareStats returns the capability report. With refresh the driver
	// queries the backend instead of returning a cached report.
	GetShareStats(ctx context.Context, refresh bool) (*Stats, error)
}

// LegacyAccessDriver applies access rules one at a time. It is used when
// UpdateAccess returns share.KindNotSupported.
type LegacyAccessDriver interface {
	AllowAccess(ctx context.Context, inst *share.ShareInstance, rule *share.AccessRule, srv *share.ShareServer) error
	DenyAccess(ctx context.Context, inst *share.ShareInstance, rule *share.AccessRule, srv *share.ShareServer) error
}

// ReplicaUpdate reports the state of one replica after a replication call.
type ReplicaUpdate struct {
	ID              string             `json:"id"`
	ReplicaState    share.ReplicaState `json:"replica_state"`
	ExportLocations []string           `json:"export_locations,omitempty"`
}

// ReplicationDriver is implemented by backends that replicate shares.
// Calls receive every replica of the share so the driver can locate the
// active one.
type ReplicationDriver interface {
	CreateReplica(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, rules []*share.AccessRule, srv *share.ShareServer) (*ReplicaUpdate, error)
	DeleteReplica(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, srv *share.ShareServer) error

	// PromoteReplica makes replica the active one and returns the new state
	// of every replica whose state changed.
	PromoteReplica(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, rules []*share.AccessRule, srv *share.ShareServer) ([]ReplicaUpdate, error)

	UpdateReplicaState(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, rules []*share.AccessRule, srv *share.ShareServer) (share.ReplicaState, error)
}

// Compatibility is the result of a driver-assisted migration check.
type Compatibility struct {
	Compatible       bool `json:"compatible"`
	Writable         bool `json:"writable"`
	Nondisruptive    bool `json:"nondisruptive"`
	PreserveMetadata bool `json:"preserve_metadata"`
}

// MigrationDriver is implemented by backends that migrate shares
// themselves. Phase one is MigrationStart followed by MigrationContinue
// until it reports done; phase two is MigrationComplete.
type MigrationDriver interface {
	MigrationCheckCompatibility(ctx context.Context, src *share.ShareInstance, destHost string) (*Compatibility, error)
	MigrationStart(ctx context.Context, src, dest *share.ShareInstance) error
	MigrationContinue(ctx context.Context, src, dest *share.ShareInstance) (bool, error)
	MigrationComplete(ctx context.Context, src, dest *share.ShareInstance) ([]string, error)
	MigrationCancel(ctx context.Context, src, dest *share.ShareInstance) error
	MigrationGetProgress(ctx context.Context, src, dest *share.ShareInstance) (*share.ProgressReport, error)
}

// ConnectionInfoDriver exposes how a data mover mounts an instance for a
// host-assisted copy.
type ConnectionInfoDriver interface {
	ConnectionInfo(ctx context.Context, inst *share.ShareInstance) (map[string]string, error)
}
