// Package storetest is a conformance suite for store.Store implementations.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &storetest.Suite{
//	        NewStore: func(t *testing.T, clk clock.Clock) store.Store {
//	            return store.New(mybackend.New(), clk)
//	        },
//	    }
//	    suite.Run(t)
//	}
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Suite tests the Store contract, not implementation details.
type Suite struct {
	// NewStore returns a fresh, empty store using clk for timestamps.
	NewStore func(t *testing.T, clk clock.Clock) store.Store
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run executes all tests in the suite.
func (suite *Suite) Run(t *testing.T) {
	t.Run("Shares", suite.testShares)
	t.Run("Instances", suite.testInstances)
	t.Run("AccessRules", suite.testAccessRules)
	t.Run("Snapshots", suite.testSnapshots)
	t.Run("ShareServers", suite.testShareServers)
	t.Run("Services", suite.testServices)
	t.Run("ShareTypes", suite.testShareTypes)
}

func (suite *Suite) fresh(t *testing.T) (store.Store, *testclock.Clock) {
	clk := testclock.NewClock(epoch)
	s := suite.NewStore(t, clk)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func newShare(t *testing.T, project string) *share.Share {
	sh, err := share.NewShare(share.ShareOptions{
		ProjectID: project,
		Size:      1,
		Protocol:  share.ProtocolNFS,
	}, epoch)
	require.NoError(t, err)
	return sh
}

func newInstance(t *testing.T, shareID string, created time.Time) *share.ShareInstance {
	inst, err := share.NewInstance(shareID, "host1@be#pool", "az1", "", created)
	require.NoError(t, err)
	return inst
}

// ============================================================================
// Shares
// ============================================================================

func (suite *Suite) testShares(test *testing.T) {
	ctx := context.Background()

	test.Run("CreateGetDelete", func(t *testing.T) {
		s, _ := suite.fresh(t)
		sh := newShare(t, "p1")
		require.NoError(t, s.CreateShare(ctx, sh))

		got, err := s.GetShare(ctx, sh.ID)
		require.NoError(t, err)
		assert.Equal(t, sh.ProjectID, got.ProjectID)
		assert.Equal(t, 1, got.Size)

		require.NoError(t, s.DeleteShare(ctx, sh.ID))
		_, err = s.GetShare(ctx, sh.ID)
		assert.True(t, share.IsNotFound(err))
	})

	test.Run("CreateDuplicateConflicts", func(t *testing.T) {
		s, _ := suite.fresh(t)
		sh := newShare(t, "p1")
		require.NoError(t, s.CreateShare(ctx, sh))
		err := s.CreateShare(ctx, sh)
		assert.True(t, share.IsKind(err, share.KindConflict))
	})

	test.Run("DeleteMissing", func(t *testing.T) {
		s, _ := suite.fresh(t)
		assert.True(t, share.IsNotFound(s.DeleteShare(ctx, "nope")))
	})

	test.Run("ListFiltersByProject", func(t *testing.T) {
		s, _ := suite.fresh(t)
		require.NoError(t, s.CreateShare(ctx, newShare(t, "p1")))
		require.NoError(t, s.CreateShare(ctx, newShare(t, "p1")))
		require.NoError(t, s.CreateShare(ctx, newShare(t, "p2")))

		p1, err := s.ListShares(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, p1, 2)
		assert.Less(t, p1[0].ID, p1[1].ID)

		all, err := s.ListShares(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	test.Run("UpdateStampsTimeAndKeepsID", func(t *testing.T) {
		s, clk := suite.fresh(t)
		sh := newShare(t, "p1")
		require.NoError(t, s.CreateShare(ctx, sh))
		clk.Advance(time.Minute)

		got, err := s.UpdateShare(ctx, sh.ID, func(x *share.Share) error {
			x.ID = "hijack"
			x.TaskState = share.TaskStateMigrationStarting
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, sh.ID, got.ID)
		assert.Equal(t, share.TaskStateMigrationStarting, got.TaskState)
		assert.True(t, got.UpdatedAt.Equal(epoch.Add(time.Minute)))
	})

	test.Run("UpdateCallbackErrorLeavesRow", func(t *testing.T) {
		s, _ := suite.fresh(t)
		sh := newShare(t, "p1")
		require.NoError(t, s.CreateShare(ctx, sh))

		_, err := s.UpdateShare(ctx, sh.ID, func(x *share.Share) error {
			x.Size = 99
			return share.Errorf(share.KindInvalidState, "nope")
		})
		require.Error(t, err)

		got, err := s.GetShare(ctx, sh.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Size)
	})
}

// ============================================================================
// Instances
// ============================================================================

func (suite *Suite) testInstances(test *testing.T) {
	ctx := context.Background()

	test.Run("ListInCreationOrder", func(t *testing.T) {
		s, _ := suite.fresh(t)
		sh := newShare(t, "p1")
		require.NoError(t, s.CreateShare(ctx, sh))

		later := newInstance(t, sh.ID, epoch.Add(time.Hour))
		earlier := newInstance(t, sh.ID, epoch)
		require.NoError(t, s.CreateInstance(ctx, later))
		require.NoError(t, s.CreateInstance(ctx, earlier))
		require.NoError(t, s.CreateInstance(ctx, newInstance(t, "other", epoch)))

		list, err := s.ListInstances(ctx, sh.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, earlier.ID, list[0].ID)
		assert.Equal(t, later.ID, list[1].ID)
	})

	test.Run("ServerIndexFollowsUpdates", func(t *testing.T) {
		s, _ := suite.fresh(t)
		inst := newInstance(t, "s1", epoch)
		inst.ShareServerID = "srv1"
		require.NoError(t, s.CreateInstance(ctx, inst))

		onSrv1, err := s.ListInstancesByServer(ctx, "srv1")
		require.NoError(t, err)
		assert.Len(t, onSrv1, 1)

		_, err = s.UpdateInstance(ctx, inst.ID, func(x *share.ShareInstance) error {
			x.ShareServerID = "srv2"
			return nil
		})
		require.NoError(t, err)

		onSrv1, err = s.ListInstancesByServer(ctx, "srv1")
		require.NoError(t, err)
		assert.Empty(t, onSrv1)
		onSrv2, err := s.ListInstancesByServer(ctx, "srv2")
		require.NoError(t, err)
		assert.Len(t, onSrv2, 1)
	})

	test.Run("ShareIDImmutable", func(t *testing.T) {
		s, _ := suite.fresh(t)
		inst := newInstance(t, "s1", epoch)
		require.NoError(t, s.CreateInstance(ctx, inst))

		got, err := s.UpdateInstance(ctx, inst.ID, func(x *share.ShareInstance) error {
			x.ShareID = "s2"
			x.Status = share.StatusAvailable
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "s1", got.ShareID)
		assert.Equal(t, share.StatusAvailable, got.Status)
	})

	test.Run("DeleteRemovesMappings", func(t *testing.T) {
		s, _ := suite.fresh(t)
		inst := newInstance(t, "s1", epoch)
		require.NoError(t, s.CreateInstance(ctx, inst))
		rule, err := share.NewAccessRule("s1", share.AccessTypeIP, "10.0.0.1", share.AccessLevelRW, epoch)
		require.NoError(t, err)
		require.NoError(t, s.CreateAccessRule(ctx, rule, []*share.InstanceAccessMapping{share.NewMapping(inst.ID, rule.ID, epoch)}))

		require.NoError(t, s.DeleteInstance(ctx, inst.ID))

		_, err = s.GetInstance(ctx, inst.ID)
		assert.True(t, share.IsNotFound(err))
		ms, err := s.ListMappingsForRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Empty(t, ms)
		list, err := s.ListInstances(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

// ============================================================================
// Access rules
// ============================================================================

func (suite *Suite) testAccessRules(test *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (store.Store, *share.AccessRule, []*share.InstanceAccessMapping) {
		s, _ := suite.fresh(t)
		a := newInstance(t, "s1", epoch)
		b := newInstance(t, "s1", epoch.Add(time.Second))
		require.NoError(t, s.CreateInstance(ctx, a))
		require.NoError(t, s.CreateInstance(ctx, b))
		rule, err := share.NewAccessRule("s1", share.AccessTypeIP, "10.0.0.1", share.AccessLevelRW, epoch)
		require.NoError(t, err)
		ms := []*share.InstanceAccessMapping{
			share.NewMapping(a.ID, rule.ID, epoch),
			share.NewMapping(b.ID, rule.ID, epoch),
		}
		require.NoError(t, s.CreateAccessRule(ctx, rule, ms))
		return s, rule, ms
	}

	test.Run("RuleStateAggregatesMappings", func(t *testing.T) {
		s, rule, ms := setup(t)

		got, err := s.GetAccessRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, share.AccessStateQueuedToApply, got.State)

		_, err = s.UpdateMapping(ctx, ms[0].ID, func(m *share.InstanceAccessMapping) error {
			m.State = share.AccessStateActive
			return nil
		})
		require.NoError(t, err)
		got, err = s.GetAccessRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, share.AccessStateQueuedToApply, got.State)

		_, err = s.UpdateMapping(ctx, ms[1].ID, func(m *share.InstanceAccessMapping) error {
			m.State = share.AccessStateActive
			return nil
		})
		require.NoError(t, err)
		got, err = s.GetAccessRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, share.AccessStateActive, got.State)

		_, err = s.UpdateMapping(ctx, ms[0].ID, func(m *share.InstanceAccessMapping) error {
			m.State = share.AccessStateError
			return nil
		})
		require.NoError(t, err)
		got, err = s.GetAccessRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, share.AccessStateError, got.State)
	})

	test.Run("GetMappingByInstanceAndRule", func(t *testing.T) {
		s, rule, ms := setup(t)
		got, err := s.GetMapping(ctx, ms[1].ShareInstanceID, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, ms[1].ID, got.ID)

		_, err = s.GetMapping(ctx, ms[1].ShareInstanceID, "other")
		assert.True(t, share.IsNotFound(err))
	})

	test.Run("DeleteMappingAndRule", func(t *testing.T) {
		s, rule, ms := setup(t)
		require.NoError(t, s.DeleteMapping(ctx, ms[0].ID))

		forInst, err := s.ListMappingsForInstance(ctx, ms[0].ShareInstanceID)
		require.NoError(t, err)
		assert.Empty(t, forInst)

		require.NoError(t, s.DeleteAccessRule(ctx, rule.ID))
		_, err = s.GetAccessRule(ctx, rule.ID)
		assert.True(t, share.IsNotFound(err))
		forRule, err := s.ListMappingsForRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Empty(t, forRule)
		rules, err := s.ListAccessRules(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	test.Run("ListRulesInCreationOrder", func(t *testing.T) {
		s, first, _ := setup(t)
		second, err := share.NewAccessRule("s1", share.AccessTypeUser, "alice", share.AccessLevelRO, epoch.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.CreateAccessRule(ctx, second, nil))

		rules, err := s.ListAccessRules(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, first.ID, rules[0].ID)
		assert.Equal(t, second.ID, rules[1].ID)
		assert.Equal(t, share.AccessStateQueuedToApply, rules[1].State)
	})
}

// ============================================================================
// Snapshots
// ============================================================================

func (suite *Suite) testSnapshots(test *testing.T) {
	ctx := context.Background()

	test.Run("SnapshotWithInstances", func(t *testing.T) {
		s, _ := suite.fresh(t)
		snap := &share.Snapshot{ID: share.NewID(), ShareID: "s1", ProjectID: "p1", Size: 1, Status: share.StatusCreating, CreatedAt: epoch}
		si := &share.SnapshotInstance{ID: share.NewID(), SnapshotID: snap.ID, ShareInstanceID: "i1", Status: share.StatusCreating, CreatedAt: epoch}
		require.NoError(t, s.CreateSnapshot(ctx, snap, []*share.SnapshotInstance{si}))

		snaps, err := s.ListSnapshots(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, snaps, 1)

		_, err = s.UpdateSnapshotInstance(ctx, si.ID, func(x *share.SnapshotInstance) error {
			x.Status = share.StatusAvailable
			x.Progress = "100%"
			return nil
		})
		require.NoError(t, err)
		got, err := s.GetSnapshotInstance(ctx, si.ID)
		require.NoError(t, err)
		assert.Equal(t, share.StatusAvailable, got.Status)
		sis, err := s.ListSnapshotInstances(ctx, snap.ID)
		require.NoError(t, err)
		require.Len(t, sis, 1)
		assert.Equal(t, "100%", sis[0].Progress)

		require.NoError(t, s.DeleteSnapshot(ctx, snap.ID))
		_, err = s.GetSnapshotInstance(ctx, si.ID)
		assert.True(t, share.IsNotFound(err))
		sis, err = s.ListSnapshotInstances(ctx, snap.ID)
		require.NoError(t, err)
		assert.Empty(t, sis)
		snaps, err = s.ListSnapshots(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, snaps)
	})

	test.Run("CGSnapshotMembers", func(t *testing.T) {
		s, _ := suite.fresh(t)
		require.NoError(t, s.CreateCGSnapshotMember(ctx, &share.CGSnapshotMember{ID: "m1", CGSnapshotID: "cg1", ShareID: "s1", CreatedAt: epoch}))
		members, err := s.ListCGSnapshotMembers(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, members, 1)
		members, err = s.ListCGSnapshotMembers(ctx, "s2")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

// ============================================================================
// Share servers, services, share types
// ============================================================================

func (suite *Suite) testShareServers(test *testing.T) {
	ctx := context.Background()

	test.Run("UpdateRefreshesTimestamp", func(t *testing.T) {
		s, clk := suite.fresh(t)
		srv := &share.ShareServer{ID: "srv1", Host: "host1@be", Status: share.StatusAvailable, CreatedAt: epoch, UpdatedAt: epoch}
		require.NoError(t, s.CreateShareServer(ctx, srv))
		clk.Advance(time.Hour)

		got, err := s.UpdateShareServer(ctx, "srv1", func(*share.ShareServer) error { return nil })
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(epoch.Add(time.Hour)))

		require.NoError(t, s.DeleteShareServer(ctx, "srv1"))
		_, err = s.GetShareServer(ctx, "srv1")
		assert.True(t, share.IsNotFound(err))
	})
}

func (suite *Suite) testServices(test *testing.T) {
	ctx := context.Background()

	test.Run("RegisterUpsertsByTopicAndHost", func(t *testing.T) {
		s, _ := suite.fresh(t)
		svc := &share.Service{ID: "a", Host: "host1@be", Topic: share.TopicShare, CreatedAt: epoch, UpdatedAt: epoch}
		require.NoError(t, s.RegisterService(ctx, svc))
		svc2 := *svc
		svc2.ID = "b"
		require.NoError(t, s.RegisterService(ctx, &svc2))
		require.NoError(t, s.RegisterService(ctx, &share.Service{ID: "c", Host: "sched", Topic: share.TopicScheduler}))

		list, err := s.ListServices(ctx, share.TopicShare)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "b", list[0].ID)

		got, err := s.UpdateService(ctx, share.TopicShare, "host1@be", func(x *share.Service) error {
			x.Disabled = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, got.Disabled)

		_, err = s.GetService(ctx, share.TopicData, "host1@be")
		assert.True(t, share.IsNotFound(err))
	})
}

func (suite *Suite) testShareTypes(test *testing.T) {
	ctx := context.Background()

	test.Run("UniqueNames", func(t *testing.T) {
		s, _ := suite.fresh(t)
		require.NoError(t, s.CreateShareType(ctx, &share.ShareType{ID: "t1", Name: "gold"}))
		require.NoError(t, s.CreateShareType(ctx, &share.ShareType{ID: "t2", Name: "bronze"}))
		err := s.CreateShareType(ctx, &share.ShareType{ID: "t3", Name: "gold"})
		assert.True(t, share.IsKind(err, share.KindConflict))

		byName, err := s.GetShareTypeByName(ctx, "gold")
		require.NoError(t, err)
		assert.Equal(t, "t1", byName.ID)

		all, err := s.ListShareTypes(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "bronze", all[0].Name)
	})
}
