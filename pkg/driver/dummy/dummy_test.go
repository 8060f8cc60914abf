package dummy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/share"
)

func newInstance(id, host string) *share.ShareInstance {
	return &share.ShareInstance{ID: id, ShareID: "s-" + id, Host: host, Status: share.StatusCreating}
}

func newDriver(cfg Config) *Driver {
	if len(cfg.Pools) == 0 {
		cfg.Pools = []PoolConfig{{Name: "pool1", TotalCapacityGB: 100, SnapshotSupport: true}}
	}
	return New(cfg, nil)
}

func TestCreateAndStats(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{BackendName: "alpha"})

	inst := newInstance("i1", "node1@alpha#pool1")
	exports, err := d.CreateShare(ctx, inst, &share.Share{Size: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"node1:/shares/i1"}, exports)

	stats, err := d.GetShareStats(ctx, true)
	require.NoError(t, err)
	require.Len(t, stats.Pools, 1)
	assert.Equal(t, "alpha", stats.BackendName)
	assert.Equal(t, driver.GB(70), stats.Pools[0].FreeCapacityGB)
	assert.Equal(t, 30.0, stats.Pools[0].ProvisionedCapacityGB)
	assert.Equal(t, 1.0, stats.Pools[0].MaxOverSubscriptionRatio)
}

func TestUnknownCapacityPool(t *testing.T) {
	d := newDriver(Config{Pools: []PoolConfig{{Name: "p", UnknownCapacity: true}}})
	stats, err := d.GetShareStats(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, stats.Pools[0].TotalCapacityGB.IsUnknown())
	assert.True(t, stats.Pools[0].FreeCapacityGB.IsUnknown())
}

func TestFailureInjectionWithRetry(t *testing.T) {
	ctx := context.Background()
	boom := share.Errorf(share.KindDriver, "transient")

	t.Run("absorbed by retries", func(t *testing.T) {
		d := newDriver(Config{Retry: driver.RetryPolicy{Attempts: 3, Delay: time.Millisecond}})
		d.FailOn(OpCreateShare, boom, 2)
		_, err := d.CreateShare(ctx, newInstance("i1", "h@b#pool1"), &share.Share{Size: 1}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, d.CallCount(OpCreateShare))
	})

	t.Run("surfaced without retries", func(t *testing.T) {
		d := newDriver(Config{})
		d.FailOn(OpCreateShare, boom, -1)
		_, err := d.CreateShare(ctx, newInstance("i1", "h@b#pool1"), &share.Share{Size: 1}, nil)
		assert.Same(t, boom, err)
		assert.False(t, d.HasInstance("i1"))

		d.ClearFaults()
		_, err = d.CreateShare(ctx, newInstance("i1", "h@b#pool1"), &share.Share{Size: 1}, nil)
		assert.NoError(t, err)
	})
}

func TestUpdateAccess(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{})
	inst := newInstance("i1", "h@b#pool1")
	_, err := d.CreateShare(ctx, inst, &share.Share{Size: 1}, nil)
	require.NoError(t, err)

	r1 := &share.AccessRule{ID: "r1", AccessType: share.AccessTypeIP, AccessTo: "10.0.0.1", AccessLevel: share.AccessLevelRW}
	r2 := &share.AccessRule{ID: "r2", AccessType: share.AccessTypeUser, AccessTo: "alice", AccessLevel: share.AccessLevelRO}

	keys, err := d.UpdateAccess(ctx, inst, []*share.AccessRule{r1, r2}, []*share.AccessRule{r1, r2}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Equal(t, []string{"ip:10.0.0.1:rw", "user:alice:ro"}, d.Rules("i1"))

	_, err = d.UpdateAccess(ctx, inst, []*share.AccessRule{r2}, nil, []*share.AccessRule{r1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:alice:ro"}, d.Rules("i1"))

	// Full resync.
	keys, err = d.UpdateAccess(ctx, inst, []*share.AccessRule{r1}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r1": "ip-r1"}, keys)
	assert.Equal(t, []string{"ip:10.0.0.1:rw"}, d.Rules("i1"))
}

func TestLegacyAccess(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{LegacyAccess: true})
	inst := newInstance("i1", "h@b#pool1")
	_, err := d.CreateShare(ctx, inst, &share.Share{Size: 1}, nil)
	require.NoError(t, err)

	_, err = d.UpdateAccess(ctx, inst, nil, nil, nil, nil)
	assert.True(t, share.IsKind(err, share.KindNotSupported))

	r := &share.AccessRule{ID: "r1", AccessType: share.AccessTypeIP, AccessTo: "10.0.0.0/24", AccessLevel: share.AccessLevelRO}
	require.NoError(t, d.AllowAccess(ctx, inst, r, nil))
	require.NoError(t, d.DenyAccess(ctx, inst, r, nil))
	assert.True(t, share.IsNotFound(d.DenyAccess(ctx, inst, r, nil)))
}

func TestShrinkPossibleDataLoss(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{})
	inst := newInstance("i1", "h@b#pool1")
	_, err := d.CreateShare(ctx, inst, &share.Share{Size: 10}, nil)
	require.NoError(t, err)
	d.SetUsage("i1", 6)

	err = d.ShrinkShare(ctx, inst, 5, nil)
	assert.True(t, errors.Is(err, driver.ErrShrinkPossibleDataLoss))
	assert.Equal(t, 10, d.Size("i1"))

	require.NoError(t, d.ShrinkShare(ctx, inst, 8, nil))
	assert.Equal(t, 8, d.Size("i1"))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{})
	src := newInstance("i1", "h@b#pool1")
	_, err := d.CreateShare(ctx, src, &share.Share{Size: 2}, nil)
	require.NoError(t, err)

	snap := &share.SnapshotInstance{ID: "sn1", ShareInstanceID: "i1"}
	require.NoError(t, d.CreateSnapshot(ctx, snap, src, nil))

	_, err = d.CreateShareFromSnapshot(ctx, newInstance("i2", "h@b#pool1"), &share.Share{Size: 2}, snap, nil)
	require.NoError(t, err)
	assert.True(t, d.HasInstance("i2"))

	require.NoError(t, d.DeleteSnapshot(ctx, snap, src, nil))
	assert.True(t, share.IsNotFound(d.DeleteSnapshot(ctx, snap, src, nil)))
}

func TestReplication(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{})
	active := newInstance("i1", "h@b#pool1")
	active.ReplicaState = share.ReplicaStateActive
	_, err := d.CreateShare(ctx, active, &share.Share{Size: 4}, nil)
	require.NoError(t, err)

	replica := newInstance("i2", "h2@b#pool1")
	replica.ReplicaState = share.ReplicaStateOutOfSync
	all := []*share.ShareInstance{active, replica}

	upd, err := d.CreateReplica(ctx, all, replica, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, share.ReplicaStateInSync, upd.ReplicaState)
	assert.Equal(t, 4, d.Size("i2"))

	updates, err := d.PromoteReplica(ctx, all, replica, nil, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []driver.ReplicaUpdate{
		{ID: "i2", ReplicaState: share.ReplicaStateActive},
		{ID: "i1", ReplicaState: share.ReplicaStateInSync},
	}, updates)
}

func TestDriverMigration(t *testing.T) {
	ctx := context.Background()
	d := newDriver(Config{DriverMigration: true, MigrationSteps: 2})
	src := newInstance("i1", "h@b#pool1")
	dest := newInstance("i2", "h2@b#pool1")
	_, err := d.CreateShare(ctx, src, &share.Share{Size: 1}, nil)
	require.NoError(t, err)

	compat, err := d.MigrationCheckCompatibility(ctx, src, dest.Host)
	require.NoError(t, err)
	assert.True(t, compat.Compatible)

	require.NoError(t, d.MigrationStart(ctx, src, dest))
	_, err = d.MigrationComplete(ctx, src, dest)
	assert.True(t, share.IsKind(err, share.KindInvalidState))

	done, err := d.MigrationContinue(ctx, src, dest)
	require.NoError(t, err)
	assert.False(t, done)
	p, err := d.MigrationGetProgress(ctx, src, dest)
	require.NoError(t, err)
	assert.Equal(t, 50, p.TotalProgress)

	done, err = d.MigrationContinue(ctx, src, dest)
	require.NoError(t, err)
	assert.True(t, done)

	exports, err := d.MigrationComplete(ctx, src, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2:/shares/i2"}, exports)
	assert.False(t, d.HasInstance("i1"))
	assert.True(t, d.HasInstance("i2"))
}
