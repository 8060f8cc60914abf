package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/driver/dummy"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/marmos91/dittoshare/pkg/store/memory"
)

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	ctx  context.Context
	st   store.Store
	drv  *dummy.Driver
	inst *share.ShareInstance
}

func newFixture(t *testing.T, cfg dummy.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.NewStore()
	now := time.Now()

	sh, err := share.NewShare(share.ShareOptions{ProjectID: "p", Size: 1, Protocol: share.ProtocolNFS}, now)
	require.NoError(t, err)
	require.NoError(t, st.CreateShare(ctx, sh))
	inst, err := share.NewInstance(sh.ID, "h@dummy#p", "", "", now)
	require.NoError(t, err)
	inst.Status = share.StatusAvailable
	require.NoError(t, st.CreateInstance(ctx, inst))

	drv := dummy.New(cfg, nil)
	_, err = drv.CreateShare(ctx, inst, sh, nil)
	require.NoError(t, err)

	return &fixture{ctx: ctx, st: st, drv: drv, inst: inst}
}

// queueRule persists a rule with a queued_to_apply mapping on the instance.
func (f *fixture) queueRule(t *testing.T, to string) *share.AccessRule {
	t.Helper()
	r, err := share.NewAccessRule(f.inst.ShareID, share.AccessTypeIP, to, share.AccessLevelRW, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.st.CreateAccessRule(f.ctx, r, []*share.InstanceAccessMapping{
		share.NewMapping(f.inst.ID, r.ID, time.Now()),
	}))
	_, err = QueueChange(f.ctx, f.st, f.inst.ID)
	require.NoError(t, err)
	return r
}

// queueDeny marks the rule's mapping queued_to_deny.
func (f *fixture) queueDeny(t *testing.T, ruleID string) {
	t.Helper()
	m, err := f.st.GetMapping(f.ctx, f.inst.ID, ruleID)
	require.NoError(t, err)
	_, err = f.st.UpdateMapping(f.ctx, m.ID, func(m *share.InstanceAccessMapping) error {
		m.State = share.AccessStateQueuedToDeny
		return nil
	})
	require.NoError(t, err)
	_, err = QueueChange(f.ctx, f.st, f.inst.ID)
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T) share.AccessRulesStatus {
	t.Helper()
	inst, err := f.st.GetInstance(f.ctx, f.inst.ID)
	require.NoError(t, err)
	return inst.AccessRulesStatus
}

func (f *fixture) setStatus(t *testing.T, s share.AccessRulesStatus) {
	t.Helper()
	_, err := f.st.UpdateInstance(f.ctx, f.inst.ID, func(i *share.ShareInstance) error {
		i.AccessRulesStatus = s
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) mappingState(t *testing.T, ruleID string) share.AccessState {
	t.Helper()
	m, err := f.st.GetMapping(f.ctx, f.inst.ID, ruleID)
	require.NoError(t, err)
	return m.State
}

// hookDriver runs a hook before delegating UpdateAccess, and records the
// lists it was given.
type hookDriver struct {
	*dummy.Driver
	before func()
	keys   map[string]string

	mu    sync.Mutex
	calls [][3]int
}

func (d *hookDriver) UpdateAccess(ctx context.Context, inst *share.ShareInstance, current, add, del []*share.AccessRule, srv *share.ShareServer) (map[string]string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, [3]int{len(current), len(add), len(del)})
	d.mu.Unlock()
	if d.before != nil {
		d.before()
	}
	keys, err := d.Driver.UpdateAccess(ctx, inst, current, add, del, srv)
	if d.keys != nil {
		return d.keys, err
	}
	return keys, err
}

var _ driver.Driver = (*hookDriver)(nil)

// ============================================================================
// Status transitions
// ============================================================================

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from, want share.AccessRulesStatus
	}{
		{share.AccessRulesActive, share.AccessRulesOutOfSync},
		{share.AccessRulesUpdating, share.AccessRulesUpdatingMultiple},
		{share.AccessRulesOutOfSync, share.AccessRulesOutOfSync},
		{share.AccessRulesUpdatingMultiple, share.AccessRulesUpdatingMultiple},
		{share.AccessRulesError, share.AccessRulesError},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.Equal(t, tt.want, NextStatus(tt.from))
		})
	}
}

func TestQueueChange(t *testing.T) {
	f := newFixture(t, dummy.Config{})

	from, err := QueueChange(f.ctx, f.st, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, share.AccessRulesActive, from)
	assert.True(t, NeedsDispatch(from))
	assert.Equal(t, share.AccessRulesOutOfSync, f.status(t))

	// A change queued while out_of_sync is dispatched again
	from, err = QueueChange(f.ctx, f.st, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, share.AccessRulesOutOfSync, from)
	assert.True(t, NeedsDispatch(from))

	f.setStatus(t, share.AccessRulesUpdating)
	from, err = QueueChange(f.ctx, f.st, f.inst.ID)
	require.NoError(t, err)
	assert.False(t, NeedsDispatch(from))
	from, err = QueueChange(f.ctx, f.st, f.inst.ID)
	require.NoError(t, err)
	assert.Equal(t, share.AccessRulesUpdatingMultiple, from)
	assert.False(t, NeedsDispatch(from))

	_, err = QueueChange(f.ctx, f.st, "missing")
	assert.True(t, share.IsNotFound(err))
}

// ============================================================================
// Reconcile
// ============================================================================

func TestReconcileAppliesQueuedRules(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	r1 := f.queueRule(t, "10.0.0.1")
	r2 := f.queueRule(t, "10.0.0.2")

	s := NewSynchronizer(Config{}, f.st, f.drv, nil)
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	assert.Equal(t, share.AccessRulesActive, f.status(t))
	for _, r := range []*share.AccessRule{r1, r2} {
		assert.Equal(t, share.AccessStateActive, f.mappingState(t, r.ID))
		got, err := f.st.GetAccessRule(f.ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, share.AccessStateActive, got.State)
		assert.Equal(t, "ip-"+r.ID, got.AccessKey)
	}
	assert.Len(t, f.drv.Rules(f.inst.ID), 2)
	assert.Equal(t, 1, f.drv.CallCount(dummy.OpUpdateAccess))
}

func TestReconcileDeniesAndRemovesRules(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	keep := f.queueRule(t, "10.0.0.1")
	drop := f.queueRule(t, "10.0.0.2")
	s := NewSynchronizer(Config{}, f.st, f.drv, nil)
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	f.queueDeny(t, drop.ID)
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	assert.Equal(t, share.AccessRulesActive, f.status(t))
	_, err := f.st.GetAccessRule(f.ctx, drop.ID)
	assert.True(t, share.IsNotFound(err))
	_, err = f.st.GetAccessRule(f.ctx, keep.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"ip:10.0.0.1:rw"}, f.drv.Rules(f.inst.ID))
}

func TestDenyIsIdempotent(t *testing.T) {
	t.Run("rule unknown to the backend", func(t *testing.T) {
		f := newFixture(t, dummy.Config{LegacyAccess: true})
		r := f.queueRule(t, "10.0.0.1")
		f.queueDeny(t, r.ID)

		s := NewSynchronizer(Config{}, f.st, f.drv, nil)
		require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
		assert.Equal(t, share.AccessRulesActive, f.status(t))
		assert.Equal(t, 1, f.drv.CallCount(dummy.OpDenyAccess))
		_, err := f.st.GetAccessRule(f.ctx, r.ID)
		assert.True(t, share.IsNotFound(err))
	})

	t.Run("instance unknown to the backend", func(t *testing.T) {
		f := newFixture(t, dummy.Config{})
		r := f.queueRule(t, "10.0.0.1")
		s := NewSynchronizer(Config{}, f.st, f.drv, nil)
		require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

		require.NoError(t, f.drv.DeleteShare(f.ctx, f.inst, nil))
		f.queueDeny(t, r.ID)
		require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
		assert.Equal(t, share.AccessRulesActive, f.status(t))
	})

	t.Run("denying twice", func(t *testing.T) {
		f := newFixture(t, dummy.Config{})
		r := f.queueRule(t, "10.0.0.1")
		s := NewSynchronizer(Config{}, f.st, f.drv, nil)
		require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
		f.queueDeny(t, r.ID)
		require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
		require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
		assert.Equal(t, share.AccessRulesActive, f.status(t))
		assert.Empty(t, f.drv.Rules(f.inst.ID))
	})
}

func TestReconcileDriverFailure(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	r := f.queueRule(t, "10.0.0.1")
	f.drv.FailOn(dummy.OpUpdateAccess, share.Errorf(share.KindDriver, "backend offline"), 1)

	s := NewSynchronizer(Config{}, f.st, f.drv, nil)
	err := s.Reconcile(f.ctx, f.inst.ID, Options{})
	require.Error(t, err)
	assert.True(t, share.IsKind(err, share.KindDriver))
	assert.Equal(t, share.AccessRulesError, f.status(t))
	assert.Equal(t, share.AccessStateQueuedToApply, f.mappingState(t, r.ID))

	// The next pass retries the queued rule and clears the error.
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
	assert.Equal(t, share.AccessRulesActive, f.status(t))
	assert.Equal(t, share.AccessStateActive, f.mappingState(t, r.ID))
}

func TestReconcileMaintenanceResyncs(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	hd := &hookDriver{Driver: f.drv}
	s := NewSynchronizer(Config{}, f.st, hd, nil)

	keep := f.queueRule(t, "10.0.0.1")
	drop := f.queueRule(t, "10.0.0.2")
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	f.setStatus(t, share.AccessRulesError)
	f.queueDeny(t, drop.ID)
	assert.Equal(t, share.AccessRulesError, f.status(t))

	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
	last := hd.calls[len(hd.calls)-1]
	assert.Equal(t, [3]int{1, 0, 0}, last, "denials are folded into a full resync")

	assert.Equal(t, share.AccessRulesActive, f.status(t))
	assert.Equal(t, []string{"ip:10.0.0.1:rw"}, f.drv.Rules(f.inst.ID))
	_, err := f.st.GetAccessRule(f.ctx, drop.ID)
	assert.True(t, share.IsNotFound(err))
	got, err := f.st.GetAccessRule(f.ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, "ip-"+keep.ID, got.AccessKey)
}

func TestReconcileQueuedChangeDuringPass(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	hd := &hookDriver{Driver: f.drv}
	s := NewSynchronizer(Config{}, f.st, hd, nil)
	f.queueRule(t, "10.0.0.1")

	var during share.AccessRulesStatus
	hd.before = func() {
		hd.before = nil
		f.queueRule(t, "10.0.0.2")
		during = f.status(t)
	}
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	assert.Equal(t, share.AccessRulesUpdatingMultiple, during)
	assert.Equal(t, share.AccessRulesActive, f.status(t))
	assert.Len(t, hd.calls, 2)
	assert.Len(t, f.drv.Rules(f.inst.ID), 2)
}

func TestReconcileBoundsPasses(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	hd := &hookDriver{Driver: f.drv}
	s := NewSynchronizer(Config{MaxReconcilePasses: 2}, f.st, hd, nil)
	f.queueRule(t, "10.0.0.0")

	n := 0
	hd.before = func() {
		n++
		f.queueRule(t, "10.0.1."+string(rune('0'+n)))
	}
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
	assert.Len(t, hd.calls, 2)
	assert.Equal(t, share.AccessRulesOutOfSync, f.status(t))

	// Once the churn stops, the next reconciliation applies everything left
	hd.before = nil
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
	assert.Equal(t, share.AccessRulesActive, f.status(t))
	assert.Len(t, f.drv.Rules(f.inst.ID), 3)
}

func TestReconcileRemovesOrphanMappings(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	kept := f.queueRule(t, "10.0.0.1")
	orphan := f.queueRule(t, "10.0.0.2")

	// The rule row is gone but its mapping is left behind
	st := &missingRuleStore{Store: f.st, missing: orphan.ID}
	hd := &hookDriver{Driver: f.drv}
	s := NewSynchronizer(Config{MaxReconcilePasses: 3}, st, hd, nil)
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	assert.Len(t, hd.calls, 1, "an orphan mapping must not force extra passes")
	assert.Equal(t, share.AccessRulesActive, f.status(t))
	assert.Equal(t, share.AccessStateActive, f.mappingState(t, kept.ID))
	_, err := f.st.GetMapping(f.ctx, f.inst.ID, orphan.ID)
	assert.True(t, share.IsNotFound(err))
}

// missingRuleStore reports one access rule as absent.
type missingRuleStore struct {
	store.Store
	missing string
}

func (s *missingRuleStore) GetAccessRule(ctx context.Context, id string) (*share.AccessRule, error) {
	if id == s.missing {
		return nil, share.NotFound("access rule", id)
	}
	return s.Store.GetAccessRule(ctx, id)
}

func TestReconcileDeleteAll(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	r1 := f.queueRule(t, "10.0.0.1")
	r2 := f.queueRule(t, "10.0.0.2")
	s := NewSynchronizer(Config{}, f.st, f.drv, nil)
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))

	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{DeleteAll: true}))
	assert.Empty(t, f.drv.Rules(f.inst.ID))
	mappings, err := f.st.ListMappingsForInstance(f.ctx, f.inst.ID)
	require.NoError(t, err)
	assert.Empty(t, mappings)
	for _, r := range []*share.AccessRule{r1, r2} {
		_, err := f.st.GetAccessRule(f.ctx, r.ID)
		assert.True(t, share.IsNotFound(err))
	}
}

func TestReconcileLegacyFallback(t *testing.T) {
	f := newFixture(t, dummy.Config{LegacyAccess: true})
	r := f.queueRule(t, "10.0.0.1")
	s := NewSynchronizer(Config{}, f.st, f.drv, nil)

	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
	assert.Equal(t, 1, f.drv.CallCount(dummy.OpAllowAccess))
	assert.Equal(t, share.AccessStateActive, f.mappingState(t, r.ID))

	f.queueDeny(t, r.ID)
	require.NoError(t, s.Reconcile(f.ctx, f.inst.ID, Options{}))
	assert.Equal(t, 1, f.drv.CallCount(dummy.OpDenyAccess))
	assert.Empty(t, f.drv.Rules(f.inst.ID))
}

func TestReconcileRejectsMismatchedAccessKeys(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	hd := &hookDriver{Driver: f.drv, keys: map[string]string{"someone-else": "k"}}
	r := f.queueRule(t, "10.0.0.1")
	s := NewSynchronizer(Config{}, f.st, hd, nil)

	err := s.Reconcile(f.ctx, f.inst.ID, Options{})
	assert.True(t, share.IsKind(err, share.KindInvalidShareAccess))
	assert.Equal(t, share.AccessRulesError, f.status(t))
	assert.Equal(t, share.AccessStateQueuedToApply, f.mappingState(t, r.ID))
}

func TestReconcileSerializesPerInstance(t *testing.T) {
	f := newFixture(t, dummy.Config{})
	for i := 0; i < 5; i++ {
		f.queueRule(t, "10.0.2."+string(rune('0'+i)))
	}
	s := NewSynchronizer(Config{}, f.st, f.drv, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Reconcile(f.ctx, f.inst.ID, Options{})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, share.AccessRulesActive, f.status(t))
	assert.Len(t, f.drv.Rules(f.inst.ID), 5)
}
