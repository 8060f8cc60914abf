package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/driver"
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
	store store.Store
	hosts *HostManager
	rpc   *rpctest.Recorder
	sched *FilterScheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		clock: testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		store: memory.NewStore(),
		rpc:   rpctest.NewRecorder(),
	}
	if cfg.ServiceDownTime == 0 {
		cfg.ServiceDownTime = time.Minute
	}
	f.hosts = NewHostManager(f.store, f.clock, cfg.ServiceDownTime)
	sched, err := NewFilterScheduler(cfg, f.hosts, f.store, rpcapi.NewShareClient(f.rpc), nil)
	require.NoError(t, err)
	f.sched = sched
	return f
}

// addBackend registers a live share service reporting one pool per entry
// of free (GB free out of 100).
func (f *fixture) addBackend(t *testing.T, backend string, disabled bool, free map[string]float64) {
	t.Helper()
	require.NoError(t, f.store.RegisterService(f.ctx, &share.Service{
		ID: backend, Host: backend, Topic: share.TopicShare,
		AvailabilityZone: "az1", Disabled: disabled, UpdatedAt: f.clock.Now(),
	}))
	stats := &driver.Stats{BackendName: "dummy"}
	for pool, gb := range free {
		stats.Pools = append(stats.Pools, driver.PoolStats{
			Name: pool, TotalCapacityGB: driver.GB(100), FreeCapacityGB: driver.GB(gb),
		})
	}
	f.hosts.UpdateServiceCapabilities(backend, stats, f.clock.Now())
}

func (f *fixture) newRequest(t *testing.T, size int) *share.RequestSpec {
	t.Helper()
	s, err := share.NewShare(share.ShareOptions{ProjectID: "p", Size: size, Protocol: share.ProtocolNFS}, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.CreateShare(f.ctx, s))
	inst, err := share.NewInstance(s.ID, "", "", "", f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.CreateInstance(f.ctx, inst))
	return share.NewRequestSpec(s, inst, &share.ShareType{ID: "t", Name: "default", ExtraSpecs: map[string]string{}})
}

// ============================================================================
// Host manager
// ============================================================================

func TestHostManagerDropsDeadServices(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"p": 50})

	states, err := f.hosts.GetAllHostStates(f.ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "h1@dummy#p", states[0].Name)

	f.clock.Advance(2 * time.Minute)
	states, err = f.hosts.GetAllHostStates(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	// The cached report is gone, a fresh heartbeat alone does not restore it.
	_, err = f.store.UpdateService(f.ctx, share.TopicShare, "h1@dummy", func(s *share.Service) error {
		s.UpdatedAt = f.clock.Now()
		return nil
	})
	require.NoError(t, err)
	states, err = f.hosts.GetAllHostStates(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestHostManagerIgnoresStaleReports(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"p": 50})

	old := &driver.Stats{Pools: []driver.PoolStats{{Name: "p", TotalCapacityGB: driver.GB(100), FreeCapacityGB: driver.GB(1)}}}
	f.hosts.UpdateServiceCapabilities("h1@dummy", old, f.clock.Now().Add(-time.Second))

	states, err := f.hosts.GetAllHostStates(f.ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 50.0, states[0].FreeCapacityGB.GB)
}

func TestHostManagerConsume(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"p": 50})

	f.hosts.Consume("h1@dummy#p", 20)
	states, err := f.hosts.GetAllHostStates(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, states[0].FreeCapacityGB.GB)

	// A new report replaces the booked consumption.
	f.addBackend(t, "h1@dummy", false, map[string]float64{"p": 45})
	states, err = f.hosts.GetAllHostStates(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 45.0, states[0].FreeCapacityGB.GB)
}

func TestGetPools(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@alpha", false, map[string]float64{"gold": 10, "silver": 20})
	f.addBackend(t, "h2@beta", false, map[string]float64{"gold": 30})

	tests := []struct {
		name string
		args rpcapi.GetPoolsArgs
		want []string
	}{
		{"all", rpcapi.GetPoolsArgs{}, []string{"h1@alpha#gold", "h1@alpha#silver", "h2@beta#gold"}},
		{"by host", rpcapi.GetPoolsArgs{Host: "h2"}, []string{"h2@beta#gold"}},
		{"by backend regex", rpcapi.GetPoolsArgs{Backend: "al.*"}, []string{"h1@alpha#gold", "h1@alpha#silver"}},
		{"by pool", rpcapi.GetPoolsArgs{Pool: "gold"}, []string{"h1@alpha#gold", "h2@beta#gold"}},
		{"anchored", rpcapi.GetPoolsArgs{Pool: "old"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pools, err := f.hosts.GetPools(f.ctx, tt.args)
			require.NoError(t, err)
			var got []string
			for _, p := range pools {
				got = append(got, p.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := f.hosts.GetPools(f.ctx, rpcapi.GetPoolsArgs{Pool: "("})
	assert.True(t, share.IsKind(err, share.KindInvalidInput))
}

// ============================================================================
// Scheduling
// ============================================================================

func TestScheduleCreateSharePicksMostFreePool(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"a": 10, "b": 60})
	f.addBackend(t, "h2@dummy", false, map[string]float64{"c": 40})

	spec := f.newRequest(t, 5)
	require.NoError(t, f.sched.ScheduleCreateShare(f.ctx, spec, share.FilterProperties{}))

	inst, err := f.store.GetInstance(f.ctx, spec.ShareInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "h1@dummy#b", inst.Host)
	assert.Equal(t, "az1", inst.AvailabilityZone)

	calls := f.rpc.Find(rpcapi.MethodCreateInstance)
	require.Len(t, calls, 1)
	assert.Equal(t, rpcapi.ShareTarget("h1@dummy"), calls[0].Target)

	var args rpcapi.CreateInstanceArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, spec.ShareInstanceID, args.InstanceID)
	require.NotNil(t, args.FilterProperties.Retry)
	assert.Equal(t, 1, args.FilterProperties.Retry.NumAttempts)
	assert.Equal(t, []string{"h1@dummy#b"}, args.FilterProperties.Retry.Hosts)
}

func TestScheduleNeverPicksDisabledHosts(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", true, map[string]float64{"a": 90})
	f.addBackend(t, "h2@dummy", false, map[string]float64{"b": 10})
	f.addBackend(t, "h3@dummy", false, map[string]float64{"c": 95})
	f.hosts.UpdateServiceCapabilities("h3@dummy", &driver.Stats{Pools: []driver.PoolStats{{
		Name: "c", TotalCapacityGB: driver.GB(100), FreeCapacityGB: driver.GB(95),
		Capabilities: map[string]any{"enabled": false},
	}}}, f.clock.Now())

	for i := 0; i < 3; i++ {
		spec := f.newRequest(t, 1)
		require.NoError(t, f.sched.ScheduleCreateShare(f.ctx, spec, share.FilterProperties{}))
		inst, err := f.store.GetInstance(f.ctx, spec.ShareInstanceID)
		require.NoError(t, err)
		assert.Equal(t, "h2@dummy#b", inst.Host)
	}
}

func TestScheduleNoValidHost(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"a": 10})

	spec := f.newRequest(t, 50)
	err := f.sched.ScheduleCreateShare(f.ctx, spec, share.FilterProperties{})
	assert.True(t, share.IsKind(err, share.KindNoValidHost))
	assert.Empty(t, f.rpc.Calls())
}

func TestScheduleRetryExcludesAttemptedHosts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"a": 90, "b": 50})

	spec := f.newRequest(t, 1)
	props := share.FilterProperties{Retry: &share.RetryInfo{NumAttempts: 1, Hosts: []string{"h1@dummy#a"}, LastError: "boom"}}
	require.NoError(t, f.sched.ScheduleCreateShare(f.ctx, spec, props))

	inst, err := f.store.GetInstance(f.ctx, spec.ShareInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "h1@dummy#b", inst.Host)

	props = share.FilterProperties{Retry: &share.RetryInfo{NumAttempts: 2, Hosts: []string{"h1@dummy#a", "h1@dummy#b"}}}
	err = f.sched.ScheduleCreateShare(f.ctx, f.newRequest(t, 1), props)
	assert.True(t, share.IsKind(err, share.KindNoValidHost))
}

func TestScheduleSingleAttemptSkipsRetryInfo(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"a": 90})

	require.NoError(t, f.sched.ScheduleCreateShare(f.ctx, f.newRequest(t, 1), share.FilterProperties{}))
	var args rpcapi.CreateInstanceArgs
	require.NoError(t, f.rpc.Find(rpcapi.MethodCreateInstance)[0].Decode(&args))
	assert.Nil(t, args.FilterProperties.Retry)
}

func TestScheduleConsumesCapacityBetweenReports(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"a": 50, "b": 45})

	first := f.newRequest(t, 10)
	require.NoError(t, f.sched.ScheduleCreateShare(f.ctx, first, share.FilterProperties{}))
	second := f.newRequest(t, 10)
	require.NoError(t, f.sched.ScheduleCreateShare(f.ctx, second, share.FilterProperties{}))

	a, err := f.store.GetInstance(f.ctx, first.ShareInstanceID)
	require.NoError(t, err)
	b, err := f.store.GetInstance(f.ctx, second.ShareInstanceID)
	require.NoError(t, err)
	assert.Equal(t, "h1@dummy#a", a.Host)
	assert.Equal(t, "h1@dummy#b", b.Host)
}

func TestHostPassesFilters(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "h1@dummy", false, map[string]float64{"a": 5, "b": 80})

	spec := f.newRequest(t, 10)
	st, err := f.sched.HostPassesFilters(f.ctx, "h1@dummy", &share.FilterProperties{RequestSpec: spec})
	require.NoError(t, err)
	assert.Equal(t, "h1@dummy#b", st.Name)

	_, err = f.sched.HostPassesFilters(f.ctx, "h1@dummy#a", &share.FilterProperties{RequestSpec: spec})
	assert.True(t, share.IsKind(err, share.KindNoValidHost))

	_, err = f.sched.HostPassesFilters(f.ctx, "h9@dummy", &share.FilterProperties{RequestSpec: spec})
	assert.True(t, share.IsKind(err, share.KindNoValidHost))
}

// ============================================================================
// Manager
// ============================================================================

type taskStates map[string]share.TaskState

func (s taskStates) SetTaskState(ctx context.Context, shareID string, state share.TaskState) error {
	s[shareID] = state
	return nil
}

func TestManagerMarksUnschedulableInstanceError(t *testing.T) {
	f := newFixture(t, Config{})
	m := NewManager(f.sched, f.hosts, f.store, rpcapi.NewShareClient(f.rpc), nil)

	spec := f.newRequest(t, 1)
	err := m.createShareInstance(f.ctx, rpcapi.ScheduleArgs{RequestSpec: spec})
	require.Error(t, err)

	inst, err := f.store.GetInstance(f.ctx, spec.ShareInstanceID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusError, inst.Status)
}

func TestManagerMigrateToHost(t *testing.T) {
	f := newFixture(t, Config{})
	f.addBackend(t, "src@dummy", false, map[string]float64{"p": 50})
	f.addBackend(t, "dst@dummy", false, map[string]float64{"p": 50})
	tasks := taskStates{}
	m := NewManager(f.sched, f.hosts, f.store, rpcapi.NewShareClient(f.rpc), tasks)

	spec := f.newRequest(t, 1)
	_, err := f.store.UpdateInstance(f.ctx, spec.ShareInstanceID, func(i *share.ShareInstance) error {
		i.Host = "src@dummy#p"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, m.migrateShareToHost(f.ctx, rpcapi.MigrateToHostArgs{
		ShareID: spec.ShareID, DestHost: "dst@dummy#p", RequestSpec: spec,
	}))
	calls := f.rpc.Find(rpcapi.MethodMigrationStart)
	require.Len(t, calls, 1)
	assert.Equal(t, rpcapi.ShareTarget("src@dummy"), calls[0].Target)

	err = m.migrateShareToHost(f.ctx, rpcapi.MigrateToHostArgs{
		ShareID: spec.ShareID, DestHost: "nowhere@dummy#p", RequestSpec: spec,
	})
	assert.True(t, share.IsKind(err, share.KindNoValidHost))
	assert.Equal(t, share.TaskStateMigrationError, tasks[spec.ShareID])
}

func TestManagerRouter(t *testing.T) {
	f := newFixture(t, Config{})
	m := NewManager(f.sched, f.hosts, f.store, rpcapi.NewShareClient(f.rpc), nil)
	assert.ElementsMatch(t, []string{
		rpcapi.MethodScheduleCreateShare, rpcapi.MethodScheduleCreateReplica,
		rpcapi.MethodMigrateShareToHost, rpcapi.MethodUpdateCapabilities, rpcapi.MethodGetPools,
	}, m.Router().Methods())
}
