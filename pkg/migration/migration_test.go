package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/rpc/rpctest"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/marmos91/dittoshare/pkg/store/memory"
)

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	ctx   context.Context
	clock *testclock.Clock
	st    store.Store
	rec   *rpctest.Recorder
	o     *Orchestrator
	share *share.Share
	src   *share.ShareInstance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	st := memory.NewStore()
	rec := rpctest.NewRecorder()

	sh, err := share.NewShare(share.ShareOptions{ProjectID: "p", Size: 1, Protocol: share.ProtocolNFS}, clk.Now())
	require.NoError(t, err)
	require.NoError(t, st.CreateShare(ctx, sh))
	src, err := share.NewInstance(sh.ID, "h1@dummy#p", "az1", "", clk.Now())
	require.NoError(t, err)
	src.Status = share.StatusAvailable
	require.NoError(t, st.CreateInstance(ctx, src))

	for _, host := range []string{"h1@dummy", "h2@dummy"} {
		require.NoError(t, st.RegisterService(ctx, &share.Service{
			ID: host, Host: host, Topic: share.TopicShare, UpdatedAt: clk.Now(),
		}))
	}

	o := New(Config{}, st, rpcapi.NewSchedulerClient(rec), rpcapi.NewShareClient(rec),
		rpcapi.NewDataClient(rec), clk, nil)
	return &fixture{ctx: ctx, clock: clk, st: st, rec: rec, o: o, share: sh, src: src}
}

func (f *fixture) taskState(t *testing.T) share.TaskState {
	t.Helper()
	s, err := f.st.GetShare(f.ctx, f.share.ID)
	require.NoError(t, err)
	return s.TaskState
}

func (f *fixture) setTaskState(t *testing.T, ts share.TaskState) {
	t.Helper()
	_, err := f.st.UpdateShare(f.ctx, f.share.ID, func(s *share.Share) error {
		s.TaskState = ts
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) addInstance(t *testing.T, host string, status share.Status, state share.ReplicaState) *share.ShareInstance {
	t.Helper()
	inst, err := share.NewInstance(f.share.ID, host, "az1", "", f.clock.Now())
	require.NoError(t, err)
	inst.Status = status
	inst.ReplicaState = state
	require.NoError(t, f.st.CreateInstance(f.ctx, inst))
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

func (f *fixture) start() error {
	return f.o.Start(f.ctx, StartRequest{ShareID: f.share.ID, DestHost: "h2@dummy#p"})
}

// ============================================================================
// Start
// ============================================================================

func TestStart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.start())

	assert.Equal(t, share.TaskStateMigrationStarting, f.taskState(t))
	sess, ok := f.o.Session(f.share.ID)
	require.True(t, ok)
	assert.Equal(t, f.src.ID, sess.SourceInstanceID)
	assert.Equal(t, "h2@dummy#p", sess.DestHost)

	calls := f.rec.Find(rpcapi.MethodMigrateShareToHost)
	require.Len(t, calls, 1)
	assert.Equal(t, rpcapi.SchedulerTarget(), calls[0].Target)
	var args rpcapi.MigrateToHostArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, "h2@dummy#p", args.DestHost)
	assert.Equal(t, f.src.ID, args.RequestSpec.ShareInstanceID)
}

func TestStartWithReplicasConflicts(t *testing.T) {
	f := newFixture(t)
	_, err := f.st.UpdateInstance(f.ctx, f.src.ID, func(i *share.ShareInstance) error {
		i.ReplicaState = share.ReplicaStateActive
		return nil
	})
	require.NoError(t, err)
	f.addInstance(t, "h3@dummy#p", share.StatusAvailable, share.ReplicaStateInSync)

	err = f.start()
	require.Error(t, err)
	assert.True(t, share.IsKind(err, share.KindConflict))
	assert.Equal(t, share.TaskStateNone, f.taskState(t))
	_, ok := f.o.Session(f.share.ID)
	assert.False(t, ok)
	assert.Empty(t, f.rec.Calls())
}

func TestStartPreconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		dest  string
		want  share.ErrorKind
	}{
		{
			name: "two instances",
			setup: func(t *testing.T, f *fixture) {
				f.addInstance(t, "h3@dummy#p", share.StatusAvailable, share.ReplicaStateNone)
			},
			want: share.KindInvalidShare,
		},
		{
			name:  "instance not available",
			setup: func(t *testing.T, f *fixture) { f.setStatus(t, f.src.ID, share.StatusExtending) },
			want:  share.KindInvalidShare,
		},
		{
			name:  "busy",
			setup: func(t *testing.T, f *fixture) { f.setTaskState(t, share.TaskStateDataCopyingInProgress) },
			want:  share.KindResourceBusy,
		},
		{
			name: "same host",
			dest: "h1@dummy#p",
			want: share.KindInvalidHost,
		},
		{
			name: "snapshots",
			setup: func(t *testing.T, f *fixture) {
				require.NoError(t, f.st.CreateSnapshot(f.ctx, &share.Snapshot{
					ID: "snap", ShareID: f.share.ID, ProjectID: "p", Size: 1, Status: share.StatusAvailable,
				}, nil))
			},
			want: share.KindInvalidShare,
		},
		{
			name: "unknown destination service",
			dest: "h9@dummy#p",
			want: share.KindServiceNotFound,
		},
		{
			name: "destination down",
			setup: func(t *testing.T, f *fixture) {
				f.clock.Advance(2 * time.Minute)
				_, err := f.st.UpdateService(f.ctx, share.TopicShare, "h1@dummy", func(s *share.Service) error {
					s.UpdatedAt = f.clock.Now()
					return nil
				})
				require.NoError(t, err)
			},
			want: share.KindInvalidHost,
		},
		{
			name: "destination disabled",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.st.UpdateService(f.ctx, share.TopicShare, "h2@dummy", func(s *share.Service) error {
					s.Disabled = true
					return nil
				})
				require.NoError(t, err)
			},
			want: share.KindInvalidHost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before := f.taskState(t)
			dest := tt.dest
			if dest == "" {
				dest = "h2@dummy#p"
			}
			err := f.o.Start(f.ctx, StartRequest{ShareID: f.share.ID, DestHost: dest})
			require.Error(t, err)
			assert.True(t, share.IsKind(err, tt.want), "got %v", err)
			assert.Equal(t, before, f.taskState(t))
			assert.Empty(t, f.rec.Calls())
		})
	}
}

func TestStartAfterTerminalState(t *testing.T) {
	f := newFixture(t)
	f.setTaskState(t, share.TaskStateMigrationError)
	require.NoError(t, f.start())
	assert.Equal(t, share.TaskStateMigrationStarting, f.taskState(t))
}

func TestStartSchedulerUnreachable(t *testing.T) {
	f := newFixture(t)
	f.rec.Fail(rpcapi.MethodMigrateShareToHost, errors.New("queue full"))

	err := f.start()
	assert.True(t, share.IsKind(err, share.KindInvalidHost))
	assert.Equal(t, share.TaskStateMigrationError, f.taskState(t))
	_, ok := f.o.Session(f.share.ID)
	assert.False(t, ok)
}

// ============================================================================
// Task states
// ============================================================================

func TestSetTaskStateDriverPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.start())

	for _, ts := range []share.TaskState{
		share.TaskStateMigrationInProgress,
		share.TaskStateMigrationDriverStarting,
		share.TaskStateMigrationDriverInProgress,
		share.TaskStateMigrationDriverPhase1Done,
		share.TaskStateMigrationCompleting,
		share.TaskStateMigrationSuccess,
	} {
		require.NoError(t, f.o.SetTaskState(f.ctx, f.share.ID, ts), "to %s", ts)
		assert.Equal(t, ts, f.taskState(t))
	}
	_, ok := f.o.Session(f.share.ID)
	assert.False(t, ok, "terminal state closes the session")
}

func TestSetTaskStateHostAssistedPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.start())

	for _, ts := range []share.TaskState{
		share.TaskStateMigrationInProgress,
		share.TaskStateDataCopyingStarting,
		share.TaskStateDataCopyingInProgress,
		share.TaskStateDataCopyingCompleting,
		share.TaskStateDataCopyingCompleted,
		share.TaskStateMigrationCompleting,
		share.TaskStateMigrationSuccess,
	} {
		require.NoError(t, f.o.SetTaskState(f.ctx, f.share.ID, ts), "to %s", ts)
	}
}

func TestSetTaskStateRejectsIllegal(t *testing.T) {
	tests := []struct {
		name string
		from share.TaskState
		to   share.TaskState
	}{
		{"skip phase one", share.TaskStateMigrationStarting, share.TaskStateMigrationCompleting},
		{"reset success", share.TaskStateMigrationSuccess, share.TaskStateMigrationStarting},
		{"success to error", share.TaskStateMigrationSuccess, share.TaskStateMigrationError},
		{"no migration", share.TaskStateNone, share.TaskStateMigrationInProgress},
		{"error without migration", share.TaskStateNone, share.TaskStateMigrationError},
		{"copy done before copying", share.TaskStateDataCopyingStarting, share.TaskStateDataCopyingCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setTaskState(t, tt.from)
			err := f.o.SetTaskState(f.ctx, f.share.ID, tt.to)
			assert.True(t, share.IsKind(err, share.KindInvalidState), "got %v", err)
			assert.Equal(t, tt.from, f.taskState(t))
		})
	}
}

func TestErrorEndsAnyRunningPhase(t *testing.T) {
	f := newFixture(t)
	f.setTaskState(t, share.TaskStateDataCopyingCompleting)
	require.NoError(t, f.o.SetTaskState(f.ctx, f.share.ID, share.TaskStateMigrationError))
	assert.Equal(t, share.TaskStateMigrationError, f.taskState(t))
}

func TestFinishRejectsRunningState(t *testing.T) {
	f := newFixture(t)
	err := f.o.Finish(f.ctx, f.share.ID, share.TaskStateMigrationInProgress)
	assert.True(t, share.IsKind(err, share.KindInvalidInput))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(share.TaskStateMigrationDriverPhase1Done, share.TaskStateMigrationCompleting))
	assert.False(t, CanTransition(share.TaskStateMigrationCancelled, share.TaskStateMigrationStarting))
	assert.False(t, CanTransition(share.TaskStateNone, share.TaskStateMigrationStarting))
}

// ============================================================================
// Progress and cancel
// ============================================================================

func TestGetProgressRouting(t *testing.T) {
	t.Run("driver phase asks the source host", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.start())
		f.setStatus(t, f.src.ID, share.StatusMigrating)
		dest := f.addInstance(t, "h2@dummy#p", share.StatusMigratingTo, share.ReplicaStateNone)
		f.o.AttachDestination(f.share.ID, dest.ID)
		f.setTaskState(t, share.TaskStateMigrationDriverInProgress)
		f.rec.OnSync(rpcapi.MethodMigrationGetProgress, func(c rpctest.Call) (any, error) {
			return share.ProgressReport{TotalProgress: 40}, nil
		})

		p, err := f.o.GetProgress(f.ctx, f.share.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, p.TotalProgress)
		assert.Equal(t, share.TaskStateMigrationDriverInProgress, p.TaskState)

		calls := f.rec.Find(rpcapi.MethodMigrationGetProgress)
		require.Len(t, calls, 1)
		assert.True(t, calls[0].Sync)
		assert.Equal(t, rpcapi.ShareTarget("h1@dummy"), calls[0].Target)
		var args rpcapi.MigrationArgs
		require.NoError(t, calls[0].Decode(&args))
		assert.Equal(t, dest.ID, args.DestinationInstanceID)

		sess, ok := f.o.Session(f.share.ID)
		require.True(t, ok)
		assert.Equal(t, 40, sess.Progress)
	})

	t.Run("copy phase asks the data service", func(t *testing.T) {
		f := newFixture(t)
		f.setTaskState(t, share.TaskStateDataCopyingInProgress)
		f.rec.OnSync(rpcapi.MethodDataCopyGetProgress, func(c rpctest.Call) (any, error) {
			return share.ProgressReport{TotalProgress: 75}, nil
		})
		p, err := f.o.GetProgress(f.ctx, f.share.ID)
		require.NoError(t, err)
		assert.Equal(t, 75, p.TotalProgress)
		calls := f.rec.Find(rpcapi.MethodDataCopyGetProgress)
		require.Len(t, calls, 1)
		assert.Equal(t, rpcapi.DataTarget(), calls[0].Target)
	})

	t.Run("other phases", func(t *testing.T) {
		f := newFixture(t)
		f.setTaskState(t, share.TaskStateMigrationStarting)
		_, err := f.o.GetProgress(f.ctx, f.share.ID)
		assert.True(t, share.IsKind(err, share.KindInvalidShare))
		assert.Empty(t, f.rec.Calls())
	})
}

func TestCancelRouting(t *testing.T) {
	t.Run("driver phase", func(t *testing.T) {
		f := newFixture(t)
		f.setStatus(t, f.src.ID, share.StatusMigrating)
		f.setTaskState(t, share.TaskStateMigrationDriverInProgress)
		require.NoError(t, f.o.Cancel(f.ctx, f.share.ID))
		assert.Equal(t, []string{rpcapi.MethodMigrationCancel}, f.rec.Methods())
	})

	t.Run("copy phase", func(t *testing.T) {
		f := newFixture(t)
		f.setTaskState(t, share.TaskStateDataCopyingInProgress)
		require.NoError(t, f.o.Cancel(f.ctx, f.share.ID))
		assert.Equal(t, []string{rpcapi.MethodDataCopyCancel}, f.rec.Methods())
	})

	t.Run("not cancellable", func(t *testing.T) {
		f := newFixture(t)
		f.setTaskState(t, share.TaskStateMigrationCompleting)
		err := f.o.Cancel(f.ctx, f.share.ID)
		assert.True(t, share.IsKind(err, share.KindInvalidShare))
	})

	t.Run("driver phase without a migrating instance", func(t *testing.T) {
		f := newFixture(t)
		f.setTaskState(t, share.TaskStateMigrationDriverInProgress)
		err := f.o.Cancel(f.ctx, f.share.ID)
		assert.True(t, share.IsKind(err, share.KindMigrationFailed))
	})
}

// ============================================================================
// Complete
// ============================================================================

func TestComplete(t *testing.T) {
	f := newFixture(t)
	f.setStatus(t, f.src.ID, share.StatusMigrating)
	dest := f.addInstance(t, "h2@dummy#p", share.StatusMigratingTo, share.ReplicaStateNone)
	f.setTaskState(t, share.TaskStateMigrationDriverPhase1Done)

	require.NoError(t, f.o.Complete(f.ctx, f.share.ID))

	calls := f.rec.Find(rpcapi.MethodMigrationComplete)
	require.Len(t, calls, 1)
	assert.Equal(t, rpcapi.ShareTarget("h1@dummy"), calls[0].Target)
	var args rpcapi.MigrationArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, f.src.ID, args.SourceInstanceID)
	assert.Equal(t, dest.ID, args.DestinationInstanceID)
}

func TestCompleteRequiresPhaseOneDone(t *testing.T) {
	f := newFixture(t)
	f.setTaskState(t, share.TaskStateDataCopyingInProgress)
	err := f.o.Complete(f.ctx, f.share.ID)
	assert.True(t, share.IsKind(err, share.KindInvalidShare))
}

func TestCompleteInconsistentInstances(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{"no destination", func(t *testing.T, f *fixture) {
			f.setStatus(t, f.src.ID, share.StatusMigrating)
		}},
		{"no source", func(t *testing.T, f *fixture) {
			f.addInstance(t, "h2@dummy#p", share.StatusMigratingTo, share.ReplicaStateNone)
		}},
		{"two destinations", func(t *testing.T, f *fixture) {
			f.setStatus(t, f.src.ID, share.StatusMigrating)
			f.addInstance(t, "h2@dummy#p", share.StatusMigratingTo, share.ReplicaStateNone)
			f.addInstance(t, "h2@dummy#p", share.StatusMigratingTo, share.ReplicaStateNone)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			f.setTaskState(t, share.TaskStateDataCopyingCompleted)
			before, err := f.st.ListInstances(f.ctx, f.share.ID)
			require.NoError(t, err)

			err = f.o.Complete(f.ctx, f.share.ID)
			assert.True(t, share.IsKind(err, share.KindMigrationFailed), "got %v", err)

			after, err := f.st.ListInstances(f.ctx, f.share.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, share.TaskStateDataCopyingCompleted, f.taskState(t))
			assert.Empty(t, f.rec.Calls())
		})
	}
}
