package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/driver/dummy"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/migration"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/replication"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/rpc/rpctest"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/marmos91/dittoshare/pkg/store/memory"
)

const (
	backend  = "share@dummy"
	poolHost = "share@dummy#pool"
)

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	ctx   context.Context
	clock *testclock.Clock
	st    store.Store
	drv   *dummy.Driver
	rec   *rpctest.Recorder
	quota *quota.Engine
	m     *Manager
	share *share.Share
}

func newFixture(t *testing.T, dcfg dummy.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	st := memory.NewStore()
	rec := rpctest.NewRecorder()
	drv := dummy.New(dcfg, clk)
	engine := quota.NewEngine(quota.DefaultLimits())

	sched := rpcapi.NewSchedulerClient(rec)
	shares := rpcapi.NewShareClient(rec)
	data := rpcapi.NewDataClient(rec)
	machine := lifecycle.New(st, clk)

	m := New(Config{Host: poolHost, AvailabilityZone: "az1"}, Deps{
		Store:       st,
		Driver:      drv,
		Machine:     machine,
		Access:      access.NewSynchronizer(access.DefaultConfig(), st, drv, nil),
		Replication: replication.NewCoordinator(st, machine, sched, shares, clk),
		Migration:   migration.New(migration.Config{}, st, sched, shares, data, clk, nil),
		Quota:       engine,
		Scheduler:   sched,
		Shares:      shares,
		Data:        data,
		Clock:       clk,
	})

	sh, err := share.NewShare(share.ShareOptions{ProjectID: "p", Size: 1, Protocol: share.ProtocolNFS}, clk.Now())
	require.NoError(t, err)
	require.NoError(t, st.CreateShare(ctx, sh))
	return &fixture{ctx: ctx, clock: clk, st: st, drv: drv, rec: rec, quota: engine, m: m, share: sh}
}

func (f *fixture) addInstance(t *testing.T, host string, status share.Status) *share.ShareInstance {
	t.Helper()
	inst, err := share.NewInstance(f.share.ID, host, "az1", "", f.clock.Now())
	require.NoError(t, err)
	inst.Status = status
	require.NoError(t, f.st.CreateInstance(f.ctx, inst))
	return inst
}

// provision creates an available instance on this backend.
func (f *fixture) provision(t *testing.T) *share.ShareInstance {
	t.Helper()
	inst := f.addInstance(t, poolHost, share.StatusCreating)
	require.NoError(t, f.m.createShareInstance(f.ctx, rpcapi.CreateInstanceArgs{InstanceID: inst.ID}))
	return f.instance(t, inst.ID)
}

func (f *fixture) instance(t *testing.T, id string) *share.ShareInstance {
	t.Helper()
	inst, err := f.st.GetInstance(f.ctx, id)
	require.NoError(t, err)
	return inst
}

func (f *fixture) setStatus(t *testing.T, id string, status share.Status) {
	t.Helper()
	_, err := f.st.UpdateInstance(f.ctx, id, func(i *share.ShareInstance) error {
		i.Status = status
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) updateShare(t *testing.T, fn func(*share.Share)) {
	t.Helper()
	_, err := f.st.UpdateShare(f.ctx, f.share.ID, func(s *share.Share) error {
		fn(s)
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) taskState(t *testing.T) share.TaskState {
	t.Helper()
	s, err := f.st.GetShare(f.ctx, f.share.ID)
	require.NoError(t, err)
	return s.TaskState
}

func (f *fixture) callsTo(method string, target rpc.Target) []rpctest.Call {
	var out []rpctest.Call
	for _, c := range f.rec.Find(method) {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================================
// Instances
// ============================================================================

func TestCreateShareInstance(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)

	assert.Equal(t, share.StatusAvailable, inst.Status)
	require.Len(t, inst.ExportLocations, 1)
	assert.Contains(t, inst.ExportLocations[0], inst.ID)
	assert.True(t, f.drv.HasInstance(inst.ID))
}

func TestCreateShareInstanceReschedules(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.addInstance(t, poolHost, share.StatusCreating)
	f.drv.FailOn(dummy.OpCreateShare, errors.New("backend offline"), 1)

	spec := share.NewRequestSpec(f.share, inst, nil)
	err := f.m.createShareInstance(f.ctx, rpcapi.CreateInstanceArgs{
		InstanceID:  inst.ID,
		RequestSpec: spec,
		FilterProperties: share.FilterProperties{
			RequestSpec: spec,
			Size:        1,
			Retry:       &share.RetryInfo{NumAttempts: 1, Hosts: []string{poolHost}},
		},
	})
	require.Error(t, err)

	got := f.instance(t, inst.ID)
	assert.Equal(t, share.StatusCreating, got.Status)
	assert.Empty(t, got.Host)

	calls := f.callsTo(rpcapi.MethodScheduleCreateShare, rpcapi.SchedulerTarget())
	require.Len(t, calls, 1)
	var args rpcapi.ScheduleArgs
	require.NoError(t, calls[0].Decode(&args))
	require.NotNil(t, args.FilterProperties.Retry)
	assert.Equal(t, "backend offline", args.FilterProperties.Retry.LastError)
	assert.Empty(t, args.RequestSpec.ShareInstanceProperties.Host)
}

func TestCreateShareInstanceWithoutRetryFails(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.addInstance(t, poolHost, share.StatusCreating)
	f.drv.FailOn(dummy.OpCreateShare, errors.New("backend offline"), 1)

	require.Error(t, f.m.createShareInstance(f.ctx, rpcapi.CreateInstanceArgs{InstanceID: inst.ID}))
	assert.Equal(t, share.StatusError, f.instance(t, inst.ID).Status)
	assert.Empty(t, f.rec.Calls())
}

func TestDeleteShareInstance(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	f.setStatus(t, inst.ID, share.StatusDeleting)

	require.NoError(t, f.m.deleteShareInstance(f.ctx, rpcapi.InstanceArgs{InstanceID: inst.ID}))

	assert.False(t, f.drv.HasInstance(inst.ID))
	_, err := f.st.GetInstance(f.ctx, inst.ID)
	assert.True(t, share.IsNotFound(err))
	_, err = f.st.GetShare(f.ctx, f.share.ID)
	assert.True(t, share.IsNotFound(err), "last instance takes the share with it")
}

func TestDeleteShareInstanceFailure(t *testing.T) {
	tests := []struct {
		name   string
		force  bool
		status share.Status
	}{
		{"plain delete records the error", false, share.StatusErrorDeleting},
		{"forced delete ignores the backend", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dummy.Config{})
			inst := f.provision(t)
			f.setStatus(t, inst.ID, share.StatusDeleting)
			f.drv.FailOn(dummy.OpDeleteShare, errors.New("busy"), -1)

			err := f.m.deleteShareInstance(f.ctx, rpcapi.InstanceArgs{InstanceID: inst.ID, Force: tt.force})
			if !tt.force {
				require.Error(t, err)
				assert.Equal(t, tt.status, f.instance(t, inst.ID).Status)
				return
			}
			require.NoError(t, err)
			_, err = f.st.GetInstance(f.ctx, inst.ID)
			assert.True(t, share.IsNotFound(err))
		})
	}
}

func TestDeleteShareInstanceAlreadyGone(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.addInstance(t, poolHost, share.StatusDeleting)

	require.NoError(t, f.m.deleteShareInstance(f.ctx, rpcapi.InstanceArgs{InstanceID: inst.ID}))
	_, err := f.st.GetInstance(f.ctx, inst.ID)
	assert.True(t, share.IsNotFound(err))
}

// ============================================================================
// Resize
// ============================================================================

func TestExtendShareCommitsReservation(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	f.setStatus(t, inst.ID, share.StatusExtending)
	ids, err := f.quota.Reserve(f.ctx, "p", quota.Deltas{quota.Gigabytes: 1})
	require.NoError(t, err)

	require.NoError(t, f.m.extendShare(f.ctx, rpcapi.ResizeArgs{
		InstanceID: inst.ID, NewSize: 2, ProjectID: "p", ReservationIDs: ids,
	}))

	assert.Equal(t, share.StatusAvailable, f.instance(t, inst.ID).Status)
	s, err := f.st.GetShare(f.ctx, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 2, f.drv.Size(inst.ID))
	assert.Equal(t, quota.Usage{InUse: 1}, f.quota.Usage("p")[quota.Gigabytes])
}

func TestExtendShareFailureRollsBack(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	f.setStatus(t, inst.ID, share.StatusExtending)
	ids, err := f.quota.Reserve(f.ctx, "p", quota.Deltas{quota.Gigabytes: 1})
	require.NoError(t, err)
	f.drv.FailOn(dummy.OpExtend, errors.New("pool full"), 1)

	require.Error(t, f.m.extendShare(f.ctx, rpcapi.ResizeArgs{
		InstanceID: inst.ID, NewSize: 2, ProjectID: "p", ReservationIDs: ids,
	}))

	assert.Equal(t, share.StatusExtendingError, f.instance(t, inst.ID).Status)
	assert.Equal(t, quota.Usage{}, f.quota.Usage("p")[quota.Gigabytes])
}

func TestShrinkShare(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	f.updateShare(t, func(s *share.Share) { s.Size = 10 })
	f.share.Size = 10
	inst := f.provision(t)
	f.setStatus(t, inst.ID, share.StatusShrinking)

	require.NoError(t, f.m.shrinkShare(f.ctx, rpcapi.ResizeArgs{InstanceID: inst.ID, NewSize: 4, ProjectID: "p"}))

	assert.Equal(t, share.StatusAvailable, f.instance(t, inst.ID).Status)
	s, err := f.st.GetShare(f.ctx, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Size)
}

func TestShrinkSharePossibleDataLoss(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	f.updateShare(t, func(s *share.Share) { s.Size = 10 })
	f.share.Size = 10
	inst := f.provision(t)
	f.setStatus(t, inst.ID, share.StatusShrinking)
	f.drv.SetUsage(inst.ID, 6)

	err := f.m.shrinkShare(f.ctx, rpcapi.ResizeArgs{InstanceID: inst.ID, NewSize: 4, ProjectID: "p"})
	require.ErrorIs(t, err, driver.ErrShrinkPossibleDataLoss)

	assert.Equal(t, share.StatusShrinkingPossibleDataLossError, f.instance(t, inst.ID).Status)
	s, err := f.st.GetShare(f.ctx, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Size)
}

// ============================================================================
// Snapshots
// ============================================================================

func (f *fixture) addSnapshot(t *testing.T, inst *share.ShareInstance) (*share.Snapshot, *share.SnapshotInstance) {
	t.Helper()
	now := f.clock.Now()
	snap := &share.Snapshot{ID: share.NewID(), ShareID: f.share.ID, ProjectID: "p", Size: 1,
		Status: share.StatusCreating, CreatedAt: now, UpdatedAt: now}
	si := &share.SnapshotInstance{ID: share.NewID(), SnapshotID: snap.ID, ShareInstanceID: inst.ID,
		Status: share.StatusCreating, Progress: "0%", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.st.CreateSnapshot(f.ctx, snap, []*share.SnapshotInstance{si}))
	return snap, si
}

func TestSnapshotLifecycle(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	snap, si := f.addSnapshot(t, inst)
	ids, err := f.quota.Reserve(f.ctx, "p", quota.Deltas{quota.Snapshots: 1, quota.SnapshotGigabytes: 1})
	require.NoError(t, err)
	require.NoError(t, f.quota.Commit(f.ctx, "p", ids))

	require.NoError(t, f.m.createSnapshot(f.ctx, rpcapi.SnapshotArgs{SnapshotInstanceID: si.ID}))

	gotSI, err := f.st.GetSnapshotInstance(f.ctx, si.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusAvailable, gotSI.Status)
	assert.Equal(t, "100%", gotSI.Progress)
	gotSnap, err := f.st.GetSnapshot(f.ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusAvailable, gotSnap.Status)

	require.NoError(t, f.m.deleteSnapshot(f.ctx, rpcapi.SnapshotArgs{SnapshotInstanceID: si.ID}))

	_, err = f.st.GetSnapshot(f.ctx, snap.ID)
	assert.True(t, share.IsNotFound(err))
	assert.Equal(t, 0, f.quota.Usage("p")[quota.Snapshots].InUse)
	assert.Equal(t, 0, f.quota.Usage("p")[quota.SnapshotGigabytes].InUse)
}

func TestCreateSnapshotFailureMarksError(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	snap, si := f.addSnapshot(t, inst)
	f.drv.FailOn(dummy.OpCreateSnapshot, errors.New("no space"), 1)

	require.Error(t, f.m.createSnapshot(f.ctx, rpcapi.SnapshotArgs{SnapshotInstanceID: si.ID}))

	gotSnap, err := f.st.GetSnapshot(f.ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusError, gotSnap.Status)
}

func TestDeleteSnapshotFailureKeepsRows(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	_, si := f.addSnapshot(t, inst)
	require.NoError(t, f.m.createSnapshot(f.ctx, rpcapi.SnapshotArgs{SnapshotInstanceID: si.ID}))
	f.drv.FailOn(dummy.OpDeleteSnapshot, errors.New("busy"), 1)

	require.Error(t, f.m.deleteSnapshot(f.ctx, rpcapi.SnapshotArgs{SnapshotInstanceID: si.ID}))

	got, err := f.st.GetSnapshotInstance(f.ctx, si.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusErrorDeleting, got.Status)
}

// ============================================================================
// Manage / unmanage
// ============================================================================

func TestManageAndUnmanage(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.addInstance(t, poolHost, share.StatusManageStarting)

	require.NoError(t, f.m.manageShare(f.ctx, rpcapi.ManageArgs{
		InstanceID: inst.ID, ExportPath: "10.0.0.1:/existing", Options: map[string]string{"size": "7"},
	}))

	got := f.instance(t, inst.ID)
	assert.Equal(t, share.StatusAvailable, got.Status)
	assert.Equal(t, []string{"10.0.0.1:/existing"}, got.ExportLocations)
	s, err := f.st.GetShare(f.ctx, f.share.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, s.Size)
	assert.Equal(t, quota.Usage{InUse: 7}, f.quota.Usage("p")[quota.Gigabytes])
	assert.Equal(t, quota.Usage{InUse: 1}, f.quota.Usage("p")[quota.Shares])

	f.setStatus(t, inst.ID, share.StatusUnmanageStarting)
	require.NoError(t, f.m.unmanageShare(f.ctx, rpcapi.InstanceArgs{InstanceID: inst.ID}))

	_, err = f.st.GetShare(f.ctx, f.share.ID)
	assert.True(t, share.IsNotFound(err))
	assert.Equal(t, quota.Usage{}, f.quota.Usage("p")[quota.Gigabytes])
	assert.Equal(t, quota.Usage{}, f.quota.Usage("p")[quota.Shares])
}

func TestManageOverQuota(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	limits := quota.DefaultLimits()
	limits.Gigabytes = 5
	f.quota.SetProjectLimits("p", limits)
	inst := f.addInstance(t, poolHost, share.StatusManageStarting)

	err := f.m.manageShare(f.ctx, rpcapi.ManageArgs{
		InstanceID: inst.ID, ExportPath: "10.0.0.1:/big", Options: map[string]string{"size": "7"},
	})
	require.Error(t, err)
	assert.Equal(t, share.StatusManageError, f.instance(t, inst.ID).Status)
}

// ============================================================================
// Replicas
// ============================================================================

func (f *fixture) addActiveReplica(t *testing.T) *share.ShareInstance {
	t.Helper()
	active := f.provision(t)
	_, err := f.st.UpdateInstance(f.ctx, active.ID, func(i *share.ShareInstance) error {
		i.ReplicaState = share.ReplicaStateActive
		return nil
	})
	require.NoError(t, err)
	return f.instance(t, active.ID)
}

func TestCreateShareReplica(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	f.addActiveReplica(t)
	replica := f.addInstance(t, poolHost, share.StatusCreating)
	_, err := f.st.UpdateInstance(f.ctx, replica.ID, func(i *share.ShareInstance) error {
		i.ReplicaState = share.ReplicaStateOutOfSync
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.m.createShareReplica(f.ctx, rpcapi.ReplicaArgs{ReplicaID: replica.ID}))

	got := f.instance(t, replica.ID)
	assert.Equal(t, share.StatusAvailable, got.Status)
	assert.Equal(t, share.ReplicaStateInSync, got.ReplicaState)
	assert.NotEmpty(t, got.ExportLocations)
}

func TestCreateShareReplicaFailure(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	f.addActiveReplica(t)
	replica := f.addInstance(t, poolHost, share.StatusCreating)
	f.drv.FailOn(dummy.OpCreateReplica, errors.New("link down"), 1)

	require.Error(t, f.m.createShareReplica(f.ctx, rpcapi.ReplicaArgs{ReplicaID: replica.ID}))

	got := f.instance(t, replica.ID)
	assert.Equal(t, share.StatusError, got.Status)
	assert.Equal(t, share.ReplicaStateError, got.ReplicaState)
}

func TestPromoteShareReplica(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	active := f.addActiveReplica(t)
	replica := f.provision(t)
	_, err := f.st.UpdateInstance(f.ctx, replica.ID, func(i *share.ShareInstance) error {
		i.ReplicaState = share.ReplicaStateInSync
		i.Status = share.StatusReplicationChange
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.m.promoteShareReplica(f.ctx, rpcapi.ReplicaArgs{ReplicaID: replica.ID}))

	assert.Equal(t, share.ReplicaStateActive, f.instance(t, replica.ID).ReplicaState)
	assert.Equal(t, share.ReplicaStateInSync, f.instance(t, active.ID).ReplicaState)
}

func TestPollRefreshesOutOfSyncReplicas(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	f.addActiveReplica(t)
	replica := f.provision(t)
	_, err := f.st.UpdateInstance(f.ctx, replica.ID, func(i *share.ShareInstance) error {
		i.ReplicaState = share.ReplicaStateOutOfSync
		return nil
	})
	require.NoError(t, err)

	f.m.Poll(f.ctx)

	assert.Equal(t, share.ReplicaStateInSync, f.instance(t, replica.ID).ReplicaState)
	assert.Equal(t, 1, f.drv.CallCount(dummy.OpUpdateReplica))
}

func TestPollResumesOutOfSyncAccess(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)
	other := f.addInstance(t, "other@dummy#pool", share.StatusAvailable)

	for _, target := range []*share.ShareInstance{inst, other} {
		r, err := share.NewAccessRule(f.share.ID, share.AccessTypeIP, "10.0.0.1", share.AccessLevelRW, f.clock.Now())
		require.NoError(t, err)
		require.NoError(t, f.st.CreateAccessRule(f.ctx, r, []*share.InstanceAccessMapping{
			share.NewMapping(target.ID, r.ID, f.clock.Now()),
		}))
		_, err = f.st.UpdateInstance(f.ctx, target.ID, func(i *share.ShareInstance) error {
			i.AccessRulesStatus = share.AccessRulesOutOfSync
			return nil
		})
		require.NoError(t, err)
	}

	f.m.Poll(f.ctx)

	assert.Equal(t, share.AccessRulesActive, f.instance(t, inst.ID).AccessRulesStatus)
	assert.Len(t, f.drv.Rules(inst.ID), 1)
	// Instances of other backends are left to their own manager
	assert.Equal(t, share.AccessRulesOutOfSync, f.instance(t, other.ID).AccessRulesStatus)
}

func TestDeleteShareReplica(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	f.addActiveReplica(t)
	replica := f.provision(t)
	_, err := f.st.UpdateInstance(f.ctx, replica.ID, func(i *share.ShareInstance) error {
		i.ReplicaState = share.ReplicaStateInSync
		i.Status = share.StatusDeleting
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.m.deleteShareReplica(f.ctx, rpcapi.ReplicaArgs{ReplicaID: replica.ID}))

	_, err = f.st.GetInstance(f.ctx, replica.ID)
	assert.True(t, share.IsNotFound(err))
	assert.False(t, f.drv.HasInstance(replica.ID))
}

// ============================================================================
// Migration
// ============================================================================

func TestDriverAssistedMigration(t *testing.T) {
	f := newFixture(t, dummy.Config{DriverMigration: true, MigrationSteps: 2})
	src := f.provision(t)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationStarting })

	require.NoError(t, f.m.migrationStart(f.ctx, rpcapi.MigrationStartArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestHost: "share@dummy#pool2",
	}))
	assert.Equal(t, share.TaskStateMigrationDriverInProgress, f.taskState(t))
	assert.Equal(t, share.StatusMigrating, f.instance(t, src.ID).Status)

	srcRow, dest, err := f.m.migrationPair(f.ctx, f.share.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, src.ID, srcRow.ID)
	assert.Equal(t, "share@dummy#pool2", dest.Host)

	f.m.Poll(f.ctx)
	assert.Equal(t, share.TaskStateMigrationDriverInProgress, f.taskState(t))
	f.m.Poll(f.ctx)
	assert.Equal(t, share.TaskStateMigrationDriverPhase1Done, f.taskState(t))

	require.NoError(t, f.m.migrationComplete(f.ctx, rpcapi.MigrationArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestinationInstanceID: dest.ID,
	}))

	assert.Equal(t, share.TaskStateMigrationSuccess, f.taskState(t))
	got := f.instance(t, dest.ID)
	assert.Equal(t, share.StatusAvailable, got.Status)
	require.Len(t, got.ExportLocations, 1)
	assert.Contains(t, got.ExportLocations[0], dest.ID)
	_, err = f.st.GetInstance(f.ctx, src.ID)
	assert.True(t, share.IsNotFound(err))
	assert.True(t, f.drv.HasInstance(dest.ID))
	assert.False(t, f.drv.HasInstance(src.ID))
}

func TestDriverAssistedMigrationCancel(t *testing.T) {
	f := newFixture(t, dummy.Config{DriverMigration: true, MigrationSteps: 5})
	src := f.provision(t)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationStarting })
	require.NoError(t, f.m.migrationStart(f.ctx, rpcapi.MigrationStartArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestHost: "share@dummy#pool2",
	}))
	f.m.Poll(f.ctx)

	report, err := f.m.migrationGetProgress(f.ctx, rpcapi.MigrationArgs{ShareID: f.share.ID})
	require.NoError(t, err)
	assert.Equal(t, 20, report.TotalProgress)

	require.NoError(t, f.m.migrationCancel(f.ctx, rpcapi.MigrationArgs{ShareID: f.share.ID}))

	assert.Equal(t, share.TaskStateMigrationCancelled, f.taskState(t))
	assert.Equal(t, share.StatusAvailable, f.instance(t, src.ID).Status)
	instances, err := f.st.ListInstances(f.ctx, f.share.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 1, "destination row is removed")
}

func TestDriverAssistedMigrationContinueFailure(t *testing.T) {
	f := newFixture(t, dummy.Config{DriverMigration: true})
	src := f.provision(t)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationStarting })
	require.NoError(t, f.m.migrationStart(f.ctx, rpcapi.MigrationStartArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestHost: "share@dummy#pool2",
	}))
	f.drv.FailOn(dummy.OpMigrationContinue, errors.New("replication link lost"), 1)

	f.m.Poll(f.ctx)

	assert.Equal(t, share.TaskStateMigrationError, f.taskState(t))
	assert.Equal(t, share.StatusAvailable, f.instance(t, src.ID).Status)
}

func TestHostAssistedMigrationStart(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	src := f.provision(t)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationStarting })

	require.NoError(t, f.m.migrationStart(f.ctx, rpcapi.MigrationStartArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestHost: "other@dummy#pool",
	}))

	assert.Equal(t, share.TaskStateMigrationInProgress, f.taskState(t))
	_, dest, err := f.m.migrationPair(f.ctx, f.share.ID, "", "")
	require.NoError(t, err)

	calls := f.callsTo(rpcapi.MethodCreateInstance, rpcapi.ShareTarget("other@dummy#pool"))
	require.Len(t, calls, 1)
	var args rpcapi.CreateInstanceArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, dest.ID, args.InstanceID)
}

func TestHostAssistedMigrationRefusesWritable(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	src := f.provision(t)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationStarting })

	err := f.m.migrationStart(f.ctx, rpcapi.MigrationStartArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestHost: "other@dummy#pool", Writable: true,
	})
	require.Error(t, err)
	assert.True(t, share.IsKind(err, share.KindMigrationFailed))
	assert.Equal(t, share.TaskStateMigrationError, f.taskState(t))
	assert.Equal(t, share.StatusAvailable, f.instance(t, src.ID).Status)
}

func TestMigrationDestinationStartsDataCopy(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	src := f.addInstance(t, "other@dummy#pool", share.StatusMigrating)
	dest := f.addInstance(t, poolHost, share.StatusMigratingTo)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationInProgress })
	f.rec.OnSync(rpcapi.MethodGetConnectionInfo, func(rpctest.Call) (any, error) {
		return map[string]string{"export": "other:/shares/" + src.ID}, nil
	})

	require.NoError(t, f.m.createShareInstance(f.ctx, rpcapi.CreateInstanceArgs{InstanceID: dest.ID}))

	assert.Equal(t, share.TaskStateDataCopyingStarting, f.taskState(t))
	got := f.instance(t, dest.ID)
	assert.Equal(t, share.StatusMigratingTo, got.Status)
	assert.NotEmpty(t, got.ExportLocations)

	calls := f.rec.Find(rpcapi.MethodDataCopyStart)
	require.Len(t, calls, 1)
	assert.Equal(t, rpcapi.DataTarget(), calls[0].Target)
	var args rpcapi.DataCopyArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, src.ID, args.SourceInstanceID)
	assert.Equal(t, dest.ID, args.DestinationInstanceID)
	assert.Equal(t, "other:/shares/"+src.ID, args.SourceConnection["export"])
	assert.Equal(t, "nfs", args.DestConnection["type"])
}

func TestMigrationDestinationCreateFailureAborts(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	src := f.addInstance(t, "other@dummy#pool", share.StatusMigrating)
	dest := f.addInstance(t, poolHost, share.StatusMigratingTo)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateMigrationInProgress })
	f.drv.FailOn(dummy.OpCreateShare, errors.New("pool full"), 1)

	require.Error(t, f.m.createShareInstance(f.ctx, rpcapi.CreateInstanceArgs{InstanceID: dest.ID}))

	assert.Equal(t, share.TaskStateMigrationError, f.taskState(t))
	assert.Equal(t, share.StatusAvailable, f.instance(t, src.ID).Status)
	_, err := f.st.GetInstance(f.ctx, dest.ID)
	assert.True(t, share.IsNotFound(err))
}

func TestHostAssistedMigrationComplete(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	src := f.provision(t)
	f.setStatus(t, src.ID, share.StatusMigrating)
	dest := f.addInstance(t, "other@dummy#pool", share.StatusMigratingTo)
	_, err := f.st.UpdateInstance(f.ctx, dest.ID, func(i *share.ShareInstance) error {
		i.ExportLocations = []string{"other:/shares/" + dest.ID}
		return nil
	})
	require.NoError(t, err)
	f.updateShare(t, func(s *share.Share) { s.TaskState = share.TaskStateDataCopyingCompleted })

	require.NoError(t, f.m.migrationComplete(f.ctx, rpcapi.MigrationArgs{
		ShareID: f.share.ID, SourceInstanceID: src.ID, DestinationInstanceID: dest.ID,
	}))

	assert.Equal(t, share.TaskStateMigrationSuccess, f.taskState(t))
	assert.Equal(t, share.StatusAvailable, f.instance(t, dest.ID).Status)
	assert.False(t, f.drv.HasInstance(src.ID))
	_, err = f.st.GetInstance(f.ctx, src.ID)
	assert.True(t, share.IsNotFound(err))
}

func TestMigrationDataCopyDone(t *testing.T) {
	tests := []struct {
		name  string
		state share.TaskState
		want  share.TaskState
	}{
		{"completed copy waits for completion", share.TaskStateDataCopyingCompleted, share.TaskStateDataCopyingCompleted},
		{"cancelled copy rolls back", share.TaskStateDataCopyingCancelled, share.TaskStateMigrationCancelled},
		{"failed copy rolls back", share.TaskStateDataCopyingError, share.TaskStateMigrationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dummy.Config{})
			src := f.provision(t)
			f.setStatus(t, src.ID, share.StatusMigrating)
			dest := f.addInstance(t, "other@dummy#pool", share.StatusMigratingTo)
			_, err := f.st.UpdateInstance(f.ctx, dest.ID, func(i *share.ShareInstance) error {
				i.ExportLocations = []string{"other:/shares/" + dest.ID}
				return nil
			})
			require.NoError(t, err)
			f.updateShare(t, func(s *share.Share) { s.TaskState = tt.state })

			require.NoError(t, f.m.migrationDataCopyDone(f.ctx, rpcapi.MigrationArgs{
				ShareID: f.share.ID, SourceInstanceID: src.ID, DestinationInstanceID: dest.ID,
			}))

			assert.Equal(t, tt.want, f.taskState(t))
			deletes := f.callsTo(rpcapi.MethodDeleteInstance, rpcapi.ShareTarget(dest.Host))
			if tt.state == share.TaskStateDataCopyingCompleted {
				assert.Equal(t, share.StatusMigrating, f.instance(t, src.ID).Status)
				assert.Empty(t, deletes)
				return
			}
			assert.Equal(t, share.StatusAvailable, f.instance(t, src.ID).Status)
			assert.Equal(t, share.StatusDeleting, f.instance(t, dest.ID).Status)
			assert.Len(t, deletes, 1)
		})
	}
}

func TestGetConnectionInfo(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	inst := f.provision(t)

	info, err := f.m.getConnectionInfo(f.ctx, rpcapi.InstanceArgs{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, inst.ExportLocations[0], info["export"])
}

// ============================================================================
// Background worker
// ============================================================================

func TestStartReportsAndHeartbeats(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, dummy.Config{Pools: []dummy.PoolConfig{{Name: "pool", TotalCapacityGB: 100}}})

	require.NoError(t, f.m.Start(f.ctx))
	require.NoError(t, f.m.Start(f.ctx), "second start is a no-op")

	svc, err := f.st.GetService(f.ctx, share.TopicShare, backend)
	require.NoError(t, err)
	assert.Equal(t, "az1", svc.AvailabilityZone)
	reports := f.rec.Find(rpcapi.MethodUpdateCapabilities)
	require.Len(t, reports, 1)
	var args rpcapi.CapabilitiesArgs
	require.NoError(t, reports[0].Decode(&args))
	assert.Equal(t, backend, args.Host)

	require.NoError(t, f.clock.WaitAdvance(10*time.Second, time.Second, 3))
	want := f.clock.Now()
	assert.Eventually(t, func() bool {
		svc, err := f.st.GetService(f.ctx, share.TopicShare, backend)
		return err == nil && svc.UpdatedAt.Equal(want)
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(f.ctx, time.Second)
	defer cancel()
	require.NoError(t, f.m.Stop(ctx))
	require.NoError(t, f.m.Stop(ctx))
}

func TestConfigDefaults(t *testing.T) {
	m := New(Config{Host: poolHost}, Deps{})
	assert.Equal(t, backend, m.Host())
	assert.Equal(t, 10*time.Second, m.cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, m.cfg.ReportInterval)
	assert.Equal(t, 30*time.Second, m.cfg.CallTimeout)
	assert.Equal(t, rpcapi.ShareTarget(backend), m.Target())
}
