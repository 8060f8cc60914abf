package rpcapi

import (
	"context"
	"time"

	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/share"
)

// SchedulerClient calls the scheduler topic.
type SchedulerClient struct {
	t rpc.Transport
}

// NewSchedulerClient wraps t.
func NewSchedulerClient(t rpc.Transport) *SchedulerClient {
	return &SchedulerClient{t: t}
}

func (c *SchedulerClient) CreateShareInstance(ctx context.Context, args ScheduleArgs) error {
	return c.t.SendAsync(ctx, SchedulerTarget(), MethodScheduleCreateShare, args)
}

func (c *SchedulerClient) CreateShareReplica(ctx context.Context, args ScheduleArgs) error {
	return c.t.SendAsync(ctx, SchedulerTarget(), MethodScheduleCreateReplica, args)
}

func (c *SchedulerClient) MigrateShareToHost(ctx context.Context, args MigrateToHostArgs) error {
	return c.t.SendAsync(ctx, SchedulerTarget(), MethodMigrateShareToHost, args)
}

func (c *SchedulerClient) UpdateServiceCapabilities(ctx context.Context, args CapabilitiesArgs) error {
	return c.t.SendAsync(ctx, SchedulerTarget(), MethodUpdateCapabilities, args)
}

// GetPools lists the pools known to the scheduler.
func (c *SchedulerClient) GetPools(ctx context.Context, args GetPoolsArgs, timeout time.Duration) ([]PoolInfo, error) {
	var pools []PoolInfo
	if err := c.t.SendSync(ctx, SchedulerTarget(), MethodGetPools, args, &pools, timeout); err != nil {
		return nil, err
	}
	return pools, nil
}

// ShareClient calls the share manager of a host.
type ShareClient struct {
	t rpc.Transport
}

// NewShareClient wraps t.
func NewShareClient(t rpc.Transport) *ShareClient {
	return &ShareClient{t: t}
}

func (c *ShareClient) CreateShareInstance(ctx context.Context, host string, args CreateInstanceArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodCreateInstance, args)
}

func (c *ShareClient) DeleteShareInstance(ctx context.Context, host, instanceID string, force bool) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodDeleteInstance, InstanceArgs{InstanceID: instanceID, Force: force})
}

func (c *ShareClient) UpdateAccess(ctx context.Context, host, instanceID string) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodUpdateAccess, InstanceArgs{InstanceID: instanceID})
}

func (c *ShareClient) ExtendShare(ctx context.Context, host string, args ResizeArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodExtendShare, args)
}

func (c *ShareClient) ShrinkShare(ctx context.Context, host string, args ResizeArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodShrinkShare, args)
}

func (c *ShareClient) CreateSnapshot(ctx context.Context, host, snapshotInstanceID string) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodCreateSnapshot, SnapshotArgs{SnapshotInstanceID: snapshotInstanceID})
}

func (c *ShareClient) DeleteSnapshot(ctx context.Context, host, snapshotInstanceID string, force bool) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodDeleteSnapshot, SnapshotArgs{SnapshotInstanceID: snapshotInstanceID, Force: force})
}

func (c *ShareClient) ManageShare(ctx context.Context, host string, args ManageArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodManageShare, args)
}

func (c *ShareClient) UnmanageShare(ctx context.Context, host, instanceID string) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodUnmanageShare, InstanceArgs{InstanceID: instanceID})
}

func (c *ShareClient) CreateShareReplica(ctx context.Context, host string, args ReplicaArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodCreateReplica, args)
}

func (c *ShareClient) DeleteShareReplica(ctx context.Context, host, replicaID string, force bool) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodDeleteReplica, ReplicaArgs{ReplicaID: replicaID, Force: force})
}

func (c *ShareClient) PromoteShareReplica(ctx context.Context, host, replicaID string) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodPromoteReplica, ReplicaArgs{ReplicaID: replicaID})
}

func (c *ShareClient) UpdateShareReplica(ctx context.Context, host, replicaID string) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodUpdateReplica, ReplicaArgs{ReplicaID: replicaID})
}

func (c *ShareClient) MigrationStart(ctx context.Context, host string, args MigrationStartArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodMigrationStart, args)
}

func (c *ShareClient) MigrationComplete(ctx context.Context, host string, args MigrationArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodMigrationComplete, args)
}

// MigrationDataCopyDone tells the source host that the data service
// finished a host-assisted copy.
func (c *ShareClient) MigrationDataCopyDone(ctx context.Context, host string, args MigrationArgs) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodHostAssistedCompletion, args)
}

// MigrationCancel cancels a driver-assisted migration and waits for the
// host to acknowledge.
func (c *ShareClient) MigrationCancel(ctx context.Context, host string, args MigrationArgs, timeout time.Duration) error {
	return c.t.SendSync(ctx, ShareTarget(host), MethodMigrationCancel, args, nil, timeout)
}

func (c *ShareClient) MigrationGetProgress(ctx context.Context, host string, args MigrationArgs, timeout time.Duration) (*share.ProgressReport, error) {
	var p share.ProgressReport
	if err := c.t.SendSync(ctx, ShareTarget(host), MethodMigrationGetProgress, args, &p, timeout); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetConnectionInfo returns how to mount an instance for a data copy.
func (c *ShareClient) GetConnectionInfo(ctx context.Context, host, instanceID string, timeout time.Duration) (map[string]string, error) {
	var info map[string]string
	if err := c.t.SendSync(ctx, ShareTarget(host), MethodGetConnectionInfo, InstanceArgs{InstanceID: instanceID}, &info, timeout); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *ShareClient) DeleteShareServer(ctx context.Context, host, serverID string) error {
	return c.t.SendAsync(ctx, ShareTarget(host), MethodDeleteShareServer, ServerArgs{ShareServerID: serverID})
}

// DataClient calls the data service.
type DataClient struct {
	t rpc.Transport
}

// NewDataClient wraps t.
func NewDataClient(t rpc.Transport) *DataClient {
	return &DataClient{t: t}
}

func (c *DataClient) DataCopyStart(ctx context.Context, args DataCopyArgs) error {
	return c.t.SendAsync(ctx, DataTarget(), MethodDataCopyStart, args)
}

func (c *DataClient) DataCopyCancel(ctx context.Context, shareID string, timeout time.Duration) error {
	return c.t.SendSync(ctx, DataTarget(), MethodDataCopyCancel, ShareArgs{ShareID: shareID}, nil, timeout)
}

func (c *DataClient) DataCopyGetProgress(ctx context.Context, shareID string, timeout time.Duration) (*share.ProgressReport, error) {
	var p share.ProgressReport
	if err := c.t.SendSync(ctx, DataTarget(), MethodDataCopyGetProgress, ShareArgs{ShareID: shareID}, &p, timeout); err != nil {
		return nil, err
	}
	return &p, nil
}
