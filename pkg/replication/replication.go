// Package replication manages the replicas of a share.
//
// A replica is a share instance with a replica_state. Exactly one replica of
// a replicated share is active at any time; the others are in_sync,
// out_of_sync or error copies of it. The Coordinator validates requests
// against that invariant, hands the backend work to the share manager of
// the replica's host and folds the results back into the store when the
// share manager calls back.
//
// Every mutation takes the share's lock, so a promotion cannot interleave
// with a deletion or with another promotion of the same share.
package replication

import (
	"context"
	"fmt"
	"sort"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// CreateRequest asks for a new replica of a share.
type CreateRequest struct {
	ShareID          string
	AvailabilityZone string
	ShareNetworkID   string
}

// Coordinator orchestrates replica creation, promotion, resync and deletion.
type Coordinator struct {
	store     store.Store
	machine   *lifecycle.Machine
	scheduler *rpcapi.SchedulerClient
	shares    *rpcapi.ShareClient
	clock     clock.Clock
	locks     *kmutex.Kmutex
}

// NewCoordinator creates a Coordinator. A nil clock uses the wall clock.
func NewCoordinator(st store.Store, m *lifecycle.Machine, sched *rpcapi.SchedulerClient, shares *rpcapi.ShareClient, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Coordinator{
		store:     st,
		machine:   m,
		scheduler: sched,
		shares:    shares,
		clock:     clk,
		locks:     kmutex.New(),
	}
}

func (c *Coordinator) lock(shareID string) func() {
	c.locks.Lock(shareID)
	return func() { c.locks.Unlock(shareID) }
}

// Replicas returns the replicas of a share ordered by creation time.
func (c *Coordinator) Replicas(ctx context.Context, shareID string) ([]*share.ShareInstance, error) {
	instances, err := c.store.ListInstances(ctx, shareID)
	if err != nil {
		return nil, err
	}
	out := instances[:0]
	for _, inst := range instances {
		if inst.IsReplica() {
			out = append(out, inst)
		}
	}
	return out, nil
}

// activeReplicas returns the replicas whose replica_state is active.
func activeReplicas(instances []*share.ShareInstance) []*share.ShareInstance {
	var out []*share.ShareInstance
	for _, inst := range instances {
		if inst.ReplicaState == share.ReplicaStateActive {
			out = append(out, inst)
		}
	}
	return out
}

func (c *Coordinator) replicationType(ctx context.Context, s *share.Share) (string, *share.ShareType, error) {
	var st *share.ShareType
	if s.ShareTypeID != "" {
		var err error
		if st, err = c.store.GetShareType(ctx, s.ShareTypeID); err != nil && !share.IsNotFound(err) {
			return "", nil, err
		}
	}
	if s.ReplicationType != "" {
		return s.ReplicationType, st, nil
	}
	return st.ReplicationType(), st, nil
}

// CreateReplica adds an out_of_sync replica to a share and asks the
// scheduler to place it next to the existing replicas.
func (c *Coordinator) CreateReplica(ctx context.Context, req CreateRequest) (*share.ShareInstance, error) {
	defer c.lock(req.ShareID)()

	s, err := c.store.GetShare(ctx, req.ShareID)
	if err != nil {
		return nil, err
	}
	replType, st, err := c.replicationType(ctx, s)
	if err != nil {
		return nil, err
	}
	if replType == "" {
		return nil, &share.Error{Kind: share.KindInvalidShare,
			Message: "replication not supported", Resource: "share", ID: s.ID}
	}
	if s.TaskState.IsBusy() {
		return nil, &share.Error{Kind: share.KindResourceBusy,
			Message: fmt.Sprintf("share has task %s in progress", s.TaskState), Resource: "share", ID: s.ID}
	}

	instances, err := c.store.ListInstances(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	var active *share.ShareInstance
	for _, inst := range activeReplicas(instances) {
		if inst.Status == share.StatusAvailable {
			active = inst
			break
		}
	}
	if active == nil {
		return nil, &share.Error{Kind: share.KindReplication,
			Message: "share has no active replica in available state", Resource: "share", ID: s.ID}
	}

	now := c.clock.Now()
	replica, err := share.NewInstance(s.ID, "", req.AvailabilityZone, req.ShareNetworkID, now)
	if err != nil {
		return nil, err
	}
	replica.ReplicaState = share.ReplicaStateOutOfSync
	if err := c.store.CreateInstance(ctx, replica); err != nil {
		return nil, fmt.Errorf("failed to create replica: %w", err)
	}
	// From here on a failure leaves the replica in error so it can be deleted.
	fail := func(cause error) (*share.ShareInstance, error) {
		if err := c.ReplicaCreateFailed(ctx, replica.ID, cause); err != nil {
			logger.Error("replication: failed to record error on replica=%s: %v", replica.ID, err)
		}
		if err := c.failSnapshotInstances(ctx, s.ID, replica.ID); err != nil {
			logger.Error("replication: failed to record error on snapshots of replica=%s: %v", replica.ID, err)
		}
		return nil, cause
	}
	if err := c.cloneRules(ctx, s.ID, replica.ID); err != nil {
		return fail(err)
	}
	if err := c.cloneSnapshots(ctx, s.ID, replica.ID); err != nil {
		return fail(err)
	}

	hosts := make([]string, 0, len(instances))
	for _, inst := range instances {
		if inst.IsReplica() && inst.Host != "" {
			hosts = append(hosts, inst.Host)
		}
	}
	sort.Strings(hosts)

	spec := share.NewRequestSpec(s, replica, st)
	spec.ActiveReplicaHost = active.Host
	spec.AllReplicaHosts = hosts
	args := rpcapi.ScheduleArgs{
		RequestSpec: spec,
		FilterProperties: share.FilterProperties{
			RequestSpec: spec,
			ShareType:   st,
			Size:        s.Size,
		},
	}
	if err := c.scheduler.CreateShareReplica(ctx, args); err != nil {
		return fail(fmt.Errorf("failed to schedule replica %s: %w", replica.ID, err))
	}
	logger.Info("replication: replica=%s of share=%s requested (active on %s)", replica.ID, s.ID, active.Host)
	return replica, nil
}

// cloneRules queues every existing rule of the share on the new replica.
func (c *Coordinator) cloneRules(ctx context.Context, shareID, replicaID string) error {
	rules, err := c.store.ListAccessRules(ctx, shareID)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	for _, r := range rules {
		if r.State == share.AccessStateQueuedToDeny {
			continue
		}
		if err := c.store.CreateMapping(ctx, share.NewMapping(replicaID, r.ID, now)); err != nil {
			return fmt.Errorf("failed to map rule %s on replica: %w", r.ID, err)
		}
	}
	return nil
}

// cloneSnapshots creates a snapshot instance on the new replica for every
// snapshot of the share.
func (c *Coordinator) cloneSnapshots(ctx context.Context, shareID, replicaID string) error {
	snaps, err := c.store.ListSnapshots(ctx, shareID)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	for _, snap := range snaps {
		si := &share.SnapshotInstance{
			ID:              share.NewID(),
			SnapshotID:      snap.ID,
			ShareInstanceID: replicaID,
			Status:          share.StatusCreating,
			Progress:        "0%",
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := c.store.CreateSnapshotInstance(ctx, si); err != nil {
			return fmt.Errorf("failed to create snapshot instance for %s: %w", snap.ID, err)
		}
	}
	return nil
}

// snapshotInstances returns the snapshot instances that live on replicaID.
func (c *Coordinator) snapshotInstances(ctx context.Context, shareID, replicaID string) ([]*share.SnapshotInstance, error) {
	snaps, err := c.store.ListSnapshots(ctx, shareID)
	if err != nil {
		return nil, err
	}
	var out []*share.SnapshotInstance
	for _, snap := range snaps {
		sis, err := c.store.ListSnapshotInstances(ctx, snap.ID)
		if err != nil {
			return nil, err
		}
		for _, si := range sis {
			if si.ShareInstanceID == replicaID {
				out = append(out, si)
			}
		}
	}
	return out, nil
}

func (c *Coordinator) dropSnapshotInstances(ctx context.Context, shareID, replicaID string) error {
	sis, err := c.snapshotInstances(ctx, shareID, replicaID)
	if err != nil {
		return err
	}
	for _, si := range sis {
		if err := c.store.DeleteSnapshotInstance(ctx, si.ID); err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (c *Coordinator) failSnapshotInstances(ctx context.Context, shareID, replicaID string) error {
	sis, err := c.snapshotInstances(ctx, shareID, replicaID)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	for _, si := range sis {
		_, err := c.store.UpdateSnapshotInstance(ctx, si.ID, func(si *share.SnapshotInstance) error {
			si.Status = share.StatusError
			si.UpdatedAt = now
			return nil
		})
		if err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// PromoteReplica makes replicaID the active replica. Promoting a replica
// that is out_of_sync or in error loses data written since it diverged, so
// only administrators may do it.
func (c *Coordinator) PromoteReplica(ctx context.Context, replicaID string, isAdmin bool) (*share.ShareInstance, error) {
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return nil, err
	}
	defer c.lock(replica.ShareID)()
	if replica, err = c.store.GetInstance(ctx, replicaID); err != nil {
		return nil, err
	}

	if replica.Status != share.StatusAvailable {
		return nil, &share.Error{Kind: share.KindReplication,
			Message:  fmt.Sprintf("replica must be available to be promoted, it is %s", replica.Status),
			Resource: "replica", ID: replicaID}
	}
	if replica.ReplicaState == share.ReplicaStateActive {
		return replica, nil
	}
	switch replica.ReplicaState {
	case share.ReplicaStateOutOfSync, share.ReplicaStateError:
		if !isAdmin {
			return nil, &share.Error{Kind: share.KindPermissionDenied,
				Message:  fmt.Sprintf("promoting a replica in state %s requires administrator privileges", replica.ReplicaState),
				Resource: "replica", ID: replicaID}
		}
	}

	updated, err := c.machine.Apply(ctx, replicaID, lifecycle.ReplicationChange)
	if err != nil {
		return nil, err
	}
	if err := c.shares.PromoteShareReplica(ctx, replica.Host, replicaID); err != nil {
		return nil, fmt.Errorf("failed to send promotion of replica %s: %w", replicaID, err)
	}
	logger.Info("replication: promoting replica=%s of share=%s on %s", replicaID, replica.ShareID, replica.Host)
	return updated, nil
}

// DeleteReplica removes a replica. The only active replica of a share can
// never be deleted, not even with force.
func (c *Coordinator) DeleteReplica(ctx context.Context, replicaID string, force bool) error {
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	defer c.lock(replica.ShareID)()

	instances, err := c.store.ListInstances(ctx, replica.ShareID)
	if err != nil {
		return err
	}
	var current *share.ShareInstance
	for _, inst := range instances {
		if inst.ID == replicaID {
			current = inst
		}
	}
	if current == nil {
		return share.NotFound("replica", replicaID)
	}
	if current.ReplicaState == share.ReplicaStateActive && len(activeReplicas(instances)) == 1 {
		return &share.Error{Kind: share.KindReplicationConflict,
			Message: "cannot delete the last active replica", Resource: "replica", ID: replicaID}
	}

	_, err = c.machine.Apply(ctx, replicaID, lifecycle.Delete, lifecycle.Force(),
		lifecycle.With(func(i *share.ShareInstance) {
			i.ReplicaState = share.ReplicaStateOutOfSync
		}))
	if err != nil {
		return err
	}

	if current.Host == "" {
		if err := c.dropSnapshotInstances(ctx, current.ShareID, replicaID); err != nil {
			return err
		}
		logger.Info("replication: unscheduled replica=%s removed", replicaID)
		return c.machine.Deleted(ctx, replicaID)
	}
	if err := c.shares.DeleteShareReplica(ctx, current.Host, replicaID, force); err != nil {
		return fmt.Errorf("failed to send deletion of replica %s: %w", replicaID, err)
	}
	logger.Info("replication: deleting replica=%s on %s (force=%t)", replicaID, current.Host, force)
	return nil
}

// ResyncReplica asks the replica's host to refresh its replica_state.
func (c *Coordinator) ResyncReplica(ctx context.Context, replicaID string, isAdmin bool) error {
	if !isAdmin {
		return share.Errorf(share.KindPermissionDenied, "resyncing a replica requires administrator privileges")
	}
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	if replica.Host == "" {
		return &share.Error{Kind: share.KindInvalidHost,
			Message: "replica does not have a valid host", Resource: "replica", ID: replicaID}
	}
	instances, err := c.store.ListInstances(ctx, replica.ShareID)
	if err != nil {
		return err
	}
	if len(activeReplicas(instances)) == 0 {
		return &share.Error{Kind: share.KindReplication,
			Message: "share has no active replica", Resource: "share", ID: replica.ShareID}
	}
	return c.shares.UpdateShareReplica(ctx, replica.Host, replicaID)
}

// ============================================================================
// Share manager callbacks
// ============================================================================

// ReplicaCreated records a replica the backend finished creating. The rules
// the driver received with the replica are marked active on it.
func (c *Coordinator) ReplicaCreated(ctx context.Context, replicaID string, update driver.ReplicaUpdate) error {
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	defer c.lock(replica.ShareID)()

	if update.ReplicaState == share.ReplicaStateActive {
		logger.Warn("replication: backend reported new replica=%s as active, recording it in_sync", replicaID)
		update.ReplicaState = share.ReplicaStateInSync
	}
	_, err = c.machine.Apply(ctx, replicaID, lifecycle.Created, lifecycle.With(func(i *share.ShareInstance) {
		if update.ReplicaState != share.ReplicaStateNone {
			i.ReplicaState = update.ReplicaState
		}
		if len(update.ExportLocations) > 0 {
			i.ExportLocations = update.ExportLocations
		}
	}))
	if err != nil {
		return err
	}

	mappings, err := c.store.ListMappingsForInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if !m.IsPendingApply() {
			continue
		}
		_, err := c.store.UpdateMapping(ctx, m.ID, func(m *share.InstanceAccessMapping) error {
			if m.IsPendingApply() {
				m.State = share.AccessStateActive
			}
			return nil
		})
		if err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	logger.Info("replication: replica=%s available (%s)", replicaID, update.ReplicaState)
	return nil
}

// ReplicaCreateFailed records a replica the backend could not create.
func (c *Coordinator) ReplicaCreateFailed(ctx context.Context, replicaID string, cause error) error {
	_, err := c.machine.Apply(ctx, replicaID, lifecycle.DriverError, lifecycle.With(func(i *share.ShareInstance) {
		i.ReplicaState = share.ReplicaStateError
	}))
	logger.Error("replication: replica=%s creation failed: %v", replicaID, cause)
	return err
}

// PromotionCompleted records a finished promotion. updates holds the states
// the driver reported; replicas it did not mention keep their state, except
// the previous active replica which becomes in_sync.
func (c *Coordinator) PromotionCompleted(ctx context.Context, replicaID string, updates []driver.ReplicaUpdate) error {
	promoted, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	defer c.lock(promoted.ShareID)()

	reported := make(map[string]driver.ReplicaUpdate, len(updates))
	for _, u := range updates {
		reported[u.ID] = u
	}

	instances, err := c.store.ListInstances(ctx, promoted.ShareID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if !inst.IsReplica() || inst.ID == replicaID {
			continue
		}
		u, ok := reported[inst.ID]
		state := inst.ReplicaState
		if ok && u.ReplicaState != share.ReplicaStateNone {
			state = u.ReplicaState
		}
		if state == share.ReplicaStateActive {
			// The promoted replica is the only one that may be active.
			state = share.ReplicaStateInSync
		}
		_, err := c.store.UpdateInstance(ctx, inst.ID, func(i *share.ShareInstance) error {
			i.ReplicaState = state
			if ok && len(u.ExportLocations) > 0 {
				i.ExportLocations = u.ExportLocations
			}
			if i.Status == share.StatusReplicationChange {
				i.Status = share.StatusAvailable
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to demote replica %s: %w", inst.ID, err)
		}
	}

	u := reported[replicaID]
	_, err = c.machine.Apply(ctx, replicaID, lifecycle.ReplicationChanged, lifecycle.With(func(i *share.ShareInstance) {
		i.ReplicaState = share.ReplicaStateActive
		if len(u.ExportLocations) > 0 {
			i.ExportLocations = u.ExportLocations
		}
	}))
	if err != nil {
		return err
	}
	logger.Info("replication: replica=%s is now active for share=%s", replicaID, promoted.ShareID)
	return nil
}

// PromotionFailed records a failed promotion. The previous active replica
// stays active.
func (c *Coordinator) PromotionFailed(ctx context.Context, replicaID string, cause error) error {
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	defer c.lock(replica.ShareID)()

	_, err = c.machine.Apply(ctx, replicaID, lifecycle.DriverError, lifecycle.With(func(i *share.ShareInstance) {
		i.ReplicaState = share.ReplicaStateError
	}))
	logger.Error("replication: promotion of replica=%s failed: %v", replicaID, cause)
	return err
}

// ReplicaStateReported records the replica_state a periodic or requested
// update returned. Reports for the active replica are ignored, and no
// report can make a second replica active.
func (c *Coordinator) ReplicaStateReported(ctx context.Context, replicaID string, state share.ReplicaState) error {
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	defer c.lock(replica.ShareID)()

	if state == share.ReplicaStateActive {
		return &share.Error{Kind: share.KindReplication,
			Message: "a replica cannot become active outside of a promotion", Resource: "replica", ID: replicaID}
	}
	_, err = c.store.UpdateInstance(ctx, replicaID, func(i *share.ShareInstance) error {
		if i.ReplicaState == share.ReplicaStateActive {
			return nil
		}
		i.ReplicaState = state
		return nil
	})
	return err
}

// ReplicaDeleted removes a replica the backend finished deleting.
func (c *Coordinator) ReplicaDeleted(ctx context.Context, replicaID string) error {
	replica, err := c.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	defer c.lock(replica.ShareID)()

	if _, err := c.machine.Apply(ctx, replicaID, lifecycle.Deleted); err != nil {
		return err
	}
	if err := c.dropSnapshotInstances(ctx, replica.ShareID, replicaID); err != nil {
		return err
	}
	return c.machine.Deleted(ctx, replicaID)
}

// ReplicaDeleteFailed records a replica the backend could not delete.
func (c *Coordinator) ReplicaDeleteFailed(ctx context.Context, replicaID string, cause error) error {
	_, err := c.machine.Apply(ctx, replicaID, lifecycle.DriverError)
	logger.Error("replication: deletion of replica=%s failed: %v", replicaID, cause)
	return err
}
