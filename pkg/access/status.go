package access

import (
	"context"

	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// NextStatus is the access_rules_status an instance moves to when a rule
// change is queued on it.
//
//	active            -> out_of_sync
//	updating          -> updating_multiple
//	out_of_sync       -> out_of_sync
//	updating_multiple -> updating_multiple
//	error             -> error
func NextStatus(from share.AccessRulesStatus) share.AccessRulesStatus {
	switch from {
	case share.AccessRulesActive:
		return share.AccessRulesOutOfSync
	case share.AccessRulesUpdating:
		return share.AccessRulesUpdatingMultiple
	}
	return from
}

// QueueChange records a pending rule change on an instance. It returns the
// status the instance had before, so the caller can tell whether a
// reconciliation must be dispatched or one is already running.
func QueueChange(ctx context.Context, st store.InstanceStore, instanceID string) (share.AccessRulesStatus, error) {
	var from share.AccessRulesStatus
	_, err := st.UpdateInstance(ctx, instanceID, func(inst *share.ShareInstance) error {
		from = inst.AccessRulesStatus
		inst.AccessRulesStatus = NextStatus(from)
		return nil
	})
	if err != nil {
		return "", err
	}
	return from, nil
}

// NeedsDispatch reports whether a change queued on an instance that was in
// status from requires a new reconciliation request. Only a running
// reconciliation (updating, updating_multiple) picks the change up by
// itself; out_of_sync means a request may never have reached the host.
func NeedsDispatch(from share.AccessRulesStatus) bool {
	switch from {
	case share.AccessRulesUpdating, share.AccessRulesUpdatingMultiple:
		return false
	}
	return true
}
