// Package rpcapi holds the typed clients of the three service topics and
// the argument structs they exchange.
//
// The clients only know method names and payload shapes; the services
// register matching handlers with rpc.HandleFunc and rpc.HandleCast.
package rpcapi

import (
	"time"

	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/share"
)

// Scheduler topic methods.
const (
	MethodScheduleCreateShare   = "create_share_instance"
	MethodScheduleCreateReplica = "create_share_replica"
	MethodMigrateShareToHost    = "migrate_share_to_host"
	MethodUpdateCapabilities    = "update_service_capabilities"
	MethodGetPools              = "get_pools"
)

// Share topic methods.
const (
	MethodCreateInstance         = "create_share_instance"
	MethodDeleteInstance         = "delete_share_instance"
	MethodUpdateAccess           = "update_access"
	MethodExtendShare            = "extend_share"
	MethodShrinkShare            = "shrink_share"
	MethodCreateSnapshot         = "create_snapshot"
	MethodDeleteSnapshot         = "delete_snapshot"
	MethodManageShare            = "manage_share"
	MethodUnmanageShare          = "unmanage_share"
	MethodCreateReplica          = "create_share_replica"
	MethodDeleteReplica          = "delete_share_replica"
	MethodPromoteReplica         = "promote_share_replica"
	MethodUpdateReplica          = "update_share_replica"
	MethodMigrationStart         = "migration_start"
	MethodMigrationComplete      = "migration_complete"
	MethodMigrationCancel        = "migration_cancel"
	MethodMigrationGetProgress   = "migration_get_progress"
	MethodGetConnectionInfo      = "get_connection_info"
	MethodDeleteShareServer      = "delete_share_server"
	MethodHostAssistedCompletion = "migration_data_copy_done"
)

// Data topic methods.
const (
	MethodDataCopyStart       = "data_copy_start"
	MethodDataCopyCancel      = "data_copy_cancel"
	MethodDataCopyGetProgress = "data_copy_get_progress"
)

// SchedulerTarget addresses any scheduler.
func SchedulerTarget() rpc.Target {
	return rpc.Target{Topic: share.TopicScheduler}
}

// ShareTarget addresses the share manager of a host. The pool part of the
// host string is dropped.
func ShareTarget(host string) rpc.Target {
	return rpc.Target{Topic: share.TopicShare, Server: share.ExtractHost(host, share.LevelBackend)}
}

// DataTarget addresses any data service.
func DataTarget() rpc.Target {
	return rpc.Target{Topic: share.TopicData}
}

// ScheduleArgs asks the scheduler to place an instance or replica.
type ScheduleArgs struct {
	RequestSpec      *share.RequestSpec     `json:"request_spec"`
	FilterProperties share.FilterProperties `json:"filter_properties"`
}

// MigrateToHostArgs asks the scheduler to validate a migration destination
// and start the migration on the source host.
type MigrateToHostArgs struct {
	ShareID                    string             `json:"share_id"`
	DestHost                   string             `json:"dest_host"`
	ForceHostAssistedMigration bool               `json:"force_host_assisted_migration"`
	Writable                   bool               `json:"writable"`
	PreserveMetadata           bool               `json:"preserve_metadata"`
	NewShareNetworkID          string             `json:"new_share_network_id,omitempty"`
	RequestSpec                *share.RequestSpec `json:"request_spec"`
}

// CapabilitiesArgs is a backend's periodic capability report.
type CapabilitiesArgs struct {
	Host      string        `json:"host"`
	Stats     *driver.Stats `json:"stats"`
	Timestamp time.Time     `json:"timestamp"`
}

// GetPoolsArgs filters a pool listing. Empty fields match everything.
type GetPoolsArgs struct {
	Host    string `json:"host,omitempty"`
	Backend string `json:"backend,omitempty"`
	Pool    string `json:"pool,omitempty"`
}

// PoolInfo is one entry of a pool listing.
type PoolInfo struct {
	Name         string           `json:"name"`
	Host         string           `json:"host"`
	Backend      string           `json:"backend"`
	Pool         string           `json:"pool"`
	Capabilities driver.PoolStats `json:"capabilities"`
}

// InstanceArgs addresses one instance on a host.
type InstanceArgs struct {
	InstanceID string `json:"share_instance_id"`
	Force      bool   `json:"force,omitempty"`
}

// CreateInstanceArgs asks a host to provision an instance.
type CreateInstanceArgs struct {
	InstanceID       string                 `json:"share_instance_id"`
	RequestSpec      *share.RequestSpec     `json:"request_spec"`
	FilterProperties share.FilterProperties `json:"filter_properties"`
	SnapshotID       string                 `json:"snapshot_id,omitempty"`
}

// ResizeArgs asks a host to extend or shrink an instance. ReservationIDs
// are committed on success and rolled back on failure.
type ResizeArgs struct {
	InstanceID     string   `json:"share_instance_id"`
	NewSize        int      `json:"new_size"`
	ProjectID      string   `json:"project_id"`
	ReservationIDs []string `json:"reservations,omitempty"`
}

// SnapshotArgs addresses a snapshot instance on a host.
type SnapshotArgs struct {
	SnapshotInstanceID string `json:"snapshot_instance_id"`
	Force              bool   `json:"force,omitempty"`
}

// ManageArgs asks a host to adopt an existing share.
type ManageArgs struct {
	InstanceID string            `json:"share_instance_id"`
	ExportPath string            `json:"export_path"`
	Options    map[string]string `json:"driver_options,omitempty"`
}

// ReplicaArgs addresses a replica on a host.
type ReplicaArgs struct {
	ReplicaID   string             `json:"share_replica_id"`
	RequestSpec *share.RequestSpec `json:"request_spec,omitempty"`
	Force       bool               `json:"force,omitempty"`
}

// MigrationStartArgs starts a migration on the source host.
type MigrationStartArgs struct {
	ShareID                    string `json:"share_id"`
	SourceInstanceID           string `json:"share_instance_id"`
	DestHost                   string `json:"dest_host"`
	ForceHostAssistedMigration bool   `json:"force_host_assisted_migration"`
	Writable                   bool   `json:"writable"`
	PreserveMetadata           bool   `json:"preserve_metadata"`
	NewShareNetworkID          string `json:"new_share_network_id,omitempty"`
}

// MigrationArgs addresses a running migration.
type MigrationArgs struct {
	ShareID               string `json:"share_id"`
	SourceInstanceID      string `json:"src_instance_id"`
	DestinationInstanceID string `json:"dest_instance_id"`
}

// DataCopyArgs asks the data service to copy one instance onto another.
type DataCopyArgs struct {
	ShareID               string            `json:"share_id"`
	SourceInstanceID      string            `json:"src_instance_id"`
	DestinationInstanceID string            `json:"dest_instance_id"`
	SourceConnection      map[string]string `json:"connection_info_src"`
	DestConnection        map[string]string `json:"connection_info_dest"`
}

// ShareArgs addresses a share.
type ShareArgs struct {
	ShareID string `json:"share_id"`
}

// ServerArgs addresses a share server.
type ServerArgs struct {
	ShareServerID string `json:"share_server_id"`
}
