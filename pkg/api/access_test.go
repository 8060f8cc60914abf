package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

func TestAllowAccess(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)

	rule, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.0/24"})
	require.NoError(t, err)
	assert.Equal(t, share.AccessLevelRW, rule.AccessLevel)
	assert.Equal(t, share.AccessStateQueuedToApply, rule.State)

	m, err := f.st.GetMapping(f.ctx, inst.ID, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, share.AccessStateQueuedToApply, m.State)
	assert.Equal(t, share.AccessRulesOutOfSync, f.instance(t, inst.ID).AccessRulesStatus)

	calls := f.rec.Find(rpcapi.MethodUpdateAccess)
	require.Len(t, calls, 1)
	assert.Equal(t, rpcapi.ShareTarget(host1), calls[0].Target)
	var args rpcapi.InstanceArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, inst.ID, args.InstanceID)
}

func TestAllowAccessDuplicateRefused(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, _ := f.placedShare(t, 1)

	_, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1", Level: share.AccessLevelRW})
	require.NoError(t, err)

	// same type and target, different level
	_, err = f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1", Level: share.AccessLevelRO})
	require.Error(t, err)
	assert.True(t, share.IsKind(err, share.KindShareAccessExists))

	rules, err := f.api.AccessList(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	// a different type with the same target is another rule
	_, err = f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeCert, To: "10.0.0.1"})
	require.NoError(t, err)
}

func TestAllowAccessWhileReconciling(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)
	_, err := f.st.UpdateInstance(f.ctx, inst.ID, func(i *share.ShareInstance) error {
		i.AccessRulesStatus = share.AccessRulesUpdating
		return nil
	})
	require.NoError(t, err)

	_, err = f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeUser, To: "alice"})
	require.NoError(t, err)
	assert.Equal(t, share.AccessRulesUpdatingMultiple, f.instance(t, inst.ID).AccessRulesStatus)
	assert.Empty(t, f.rec.Calls(), "running reconciliation picks the rule up")
}

func TestAllowAccessAfterFailedDispatch(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)

	f.rec.Fail(rpcapi.MethodUpdateAccess, errors.New("host unreachable"))
	first, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	require.Error(t, err)
	assert.Nil(t, first)
	assert.Equal(t, share.AccessRulesOutOfSync, f.instance(t, inst.ID).AccessRulesStatus)

	// The next change asks the host again and carries the stranded rule along
	f.rec.Fail(rpcapi.MethodUpdateAccess, nil)
	f.rec.Reset()
	_, err = f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.2"})
	require.NoError(t, err)
	calls := f.rec.Find(rpcapi.MethodUpdateAccess)
	require.Len(t, calls, 1)
	var args rpcapi.InstanceArgs
	require.NoError(t, calls[0].Decode(&args))
	assert.Equal(t, inst.ID, args.InstanceID)

	rules, err := f.api.AccessList(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestDenyAccessAfterFailedDispatch(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)
	rule, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, share.AccessRulesOutOfSync, f.instance(t, inst.ID).AccessRulesStatus)
	f.rec.Reset()

	require.NoError(t, f.api.DenyAccess(f.ctx, s.ID, rule.ID))
	assert.Len(t, f.rec.Find(rpcapi.MethodUpdateAccess), 1)
}

func TestAllowAccessPreconditions(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)

	_, err := f.st.UpdateInstance(f.ctx, inst.ID, func(i *share.ShareInstance) error {
		i.AccessRulesStatus = share.AccessRulesError
		return nil
	})
	require.NoError(t, err)
	_, err = f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	assert.True(t, share.IsKind(err, share.KindInvalidShareInstance))

	_, err = f.st.UpdateInstance(f.ctx, inst.ID, func(i *share.ShareInstance) error {
		i.AccessRulesStatus = share.AccessRulesActive
		i.Status = share.StatusExtending
		return nil
	})
	require.NoError(t, err)
	_, err = f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	assert.True(t, share.IsKind(err, share.KindInvalidShare))

	rules, err := f.api.AccessList(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestValidateAccess(t *testing.T) {
	tests := []struct {
		name string
		req  AccessRequest
		kind share.ErrorKind
	}{
		{"ip", AccessRequest{Type: share.AccessTypeIP, To: "192.168.1.7"}, share.KindUnknown},
		{"cidr", AccessRequest{Type: share.AccessTypeIP, To: "192.168.0.0/16"}, share.KindUnknown},
		{"bad octet", AccessRequest{Type: share.AccessTypeIP, To: "192.168.1.256"}, share.KindInvalidInput},
		{"bad prefix", AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.0/33"}, share.KindInvalidInput},
		{"user", AccessRequest{Type: share.AccessTypeUser, To: `dom\alice`}, share.KindUnknown},
		{"short user", AccessRequest{Type: share.AccessTypeUser, To: "bob"}, share.KindInvalidInput},
		{"user with space", AccessRequest{Type: share.AccessTypeUser, To: "bob smith"}, share.KindInvalidInput},
		{"cert", AccessRequest{Type: share.AccessTypeCert, To: "client.example.com"}, share.KindUnknown},
		{"empty cert", AccessRequest{Type: share.AccessTypeCert, To: ""}, share.KindInvalidInput},
		{"bad type", AccessRequest{Type: "kerberos", To: "x"}, share.KindInvalidInput},
		{"bad level", AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1", Level: "admin"}, share.KindInvalidShareAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAccess(&tt.req)
			assert.Equal(t, tt.kind, share.KindOf(err))
		})
	}
}

func TestDenyAccess(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)
	rule, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	require.NoError(t, err)
	_, err = f.st.UpdateInstance(f.ctx, inst.ID, func(i *share.ShareInstance) error {
		i.AccessRulesStatus = share.AccessRulesActive
		return nil
	})
	require.NoError(t, err)
	f.rec.Reset()

	require.NoError(t, f.api.DenyAccess(f.ctx, s.ID, rule.ID))
	m, err := f.st.GetMapping(f.ctx, inst.ID, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, share.AccessStateQueuedToDeny, m.State)
	assert.Len(t, f.rec.Find(rpcapi.MethodUpdateAccess), 1)

	// denying again changes nothing
	require.NoError(t, f.api.DenyAccess(f.ctx, s.ID, rule.ID))
	assert.Len(t, f.rec.Find(rpcapi.MethodUpdateAccess), 1)
	m, err = f.st.GetMapping(f.ctx, inst.ID, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, share.AccessStateQueuedToDeny, m.State)
}

func TestDenyAccessInMaintenanceDispatches(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)
	rule, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	require.NoError(t, err)
	_, err = f.st.UpdateInstance(f.ctx, inst.ID, func(i *share.ShareInstance) error {
		i.AccessRulesStatus = share.AccessRulesError
		return nil
	})
	require.NoError(t, err)
	f.rec.Reset()

	require.NoError(t, f.api.DenyAccess(f.ctx, s.ID, rule.ID))
	assert.Equal(t, share.AccessRulesError, f.instance(t, inst.ID).AccessRulesStatus)
	assert.Len(t, f.rec.Find(rpcapi.MethodUpdateAccess), 1)
}

func TestDenyAccessWrongShare(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, _ := f.placedShare(t, 1)
	other, _ := f.placedShare(t, 1)
	rule, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	require.NoError(t, err)

	err = f.api.DenyAccess(f.ctx, other.ID, rule.ID)
	assert.True(t, share.IsNotFound(err))
}

func TestDenyAccessUnplacedInstanceDropsRule(t *testing.T) {
	f := newFixture(t, quota.DefaultLimits())
	s, inst := f.placedShare(t, 1)
	rule, err := f.api.AllowAccess(f.ctx, s.ID, AccessRequest{Type: share.AccessTypeIP, To: "10.0.0.1"})
	require.NoError(t, err)
	_, err = f.st.UpdateInstance(f.ctx, inst.ID, func(i *share.ShareInstance) error {
		i.Host = ""
		return nil
	})
	require.NoError(t, err)
	f.rec.Reset()

	require.NoError(t, f.api.DenyAccess(f.ctx, s.ID, rule.ID))
	_, err = f.st.GetAccessRule(f.ctx, rule.ID)
	assert.True(t, share.IsNotFound(err))
	assert.Empty(t, f.rec.Calls())
}
