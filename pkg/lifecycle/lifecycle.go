// Package lifecycle owns the status transitions of share instances.
//
// Transition is a pure lookup in the transition table. Machine applies
// transitions to persisted instances, each inside one store update, and
// implements the deletion checks and cleanup that surround the table.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Event is something that happens to an instance.
type Event string

const (
	Create             Event = "create"
	Created            Event = "created"
	Delete             Event = "delete"
	Deleted            Event = "deleted"
	Extend             Event = "extend"
	Extended           Event = "extended"
	Shrink             Event = "shrink"
	Shrunk             Event = "shrunk"
	ShrinkDataLoss     Event = "shrink_data_loss"
	Manage             Event = "manage"
	Managed            Event = "managed"
	Unmanage           Event = "unmanage"
	Unmanaged          Event = "unmanaged"
	DriverError        Event = "driver_error"
	MigrateStart       Event = "migrate_start"
	MigrateTarget      Event = "migrate_target"
	MigrateEnd         Event = "migrate_end"
	Deactivate         Event = "deactivate"
	Activate           Event = "activate"
	ReplicationChange  Event = "replication_change"
	ReplicationChanged Event = "replication_changed"
)

// table maps each event to its legal source statuses and their targets.
var table = map[Event]map[share.Status]share.Status{
	Create: {
		share.StatusNew: share.StatusCreating,
	},
	Created: {
		share.StatusCreating: share.StatusAvailable,
	},
	Delete: {
		share.StatusAvailable: share.StatusDeleting,
		share.StatusError:     share.StatusDeleting,
		share.StatusInactive:  share.StatusDeleting,
	},
	Deleted: {
		share.StatusDeleting: share.StatusDeleted,
	},
	Extend: {
		share.StatusAvailable: share.StatusExtending,
	},
	Extended: {
		share.StatusExtending: share.StatusAvailable,
	},
	Shrink: {
		share.StatusAvailable:                      share.StatusShrinking,
		share.StatusShrinkingPossibleDataLossError: share.StatusShrinking,
	},
	Shrunk: {
		share.StatusShrinking: share.StatusAvailable,
	},
	ShrinkDataLoss: {
		share.StatusShrinking: share.StatusShrinkingPossibleDataLossError,
	},
	Manage: {
		share.StatusNew:         share.StatusManageStarting,
		share.StatusManageError: share.StatusManageStarting,
	},
	Managed: {
		share.StatusManageStarting: share.StatusAvailable,
	},
	Unmanage: {
		share.StatusAvailable:     share.StatusUnmanageStarting,
		share.StatusError:         share.StatusUnmanageStarting,
		share.StatusManageError:   share.StatusUnmanageStarting,
		share.StatusUnmanageError: share.StatusUnmanageStarting,
	},
	Unmanaged: {
		share.StatusUnmanageStarting: share.StatusUnmanaged,
	},
	DriverError: {
		share.StatusCreating:          share.StatusError,
		share.StatusDeleting:          share.StatusErrorDeleting,
		share.StatusExtending:         share.StatusExtendingError,
		share.StatusShrinking:         share.StatusShrinkingError,
		share.StatusManageStarting:    share.StatusManageError,
		share.StatusUnmanageStarting:  share.StatusUnmanageError,
		share.StatusReplicationChange: share.StatusError,
		share.StatusMigratingTo:       share.StatusError,
	},
	MigrateStart: {
		share.StatusAvailable: share.StatusMigrating,
	},
	MigrateTarget: {
		share.StatusNew:      share.StatusMigratingTo,
		share.StatusCreating: share.StatusMigratingTo,
	},
	MigrateEnd: {
		share.StatusMigrating:   share.StatusAvailable,
		share.StatusMigratingTo: share.StatusAvailable,
	},
	Deactivate: {
		share.StatusAvailable: share.StatusInactive,
		share.StatusMigrating: share.StatusInactive,
	},
	Activate: {
		share.StatusInactive: share.StatusAvailable,
	},
	ReplicationChange: {
		share.StatusAvailable: share.StatusReplicationChange,
	},
	ReplicationChanged: {
		share.StatusReplicationChange: share.StatusAvailable,
	},
}

type options struct {
	force  bool
	mutate []func(*share.ShareInstance)
}

// Option tunes a transition.
type Option func(*options)

// Force allows Delete from any status except deleted.
func Force() Option {
	return func(o *options) { o.force = true }
}

// With applies fn to the instance in the same store update as the
// transition, for fields that change together with the status.
func With(fn func(*share.ShareInstance)) Option {
	return func(o *options) { o.mutate = append(o.mutate, fn) }
}

func collect(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Allowed returns the statuses event may be applied from, sorted.
func Allowed(event Event) []share.Status {
	out := make([]share.Status, 0, len(table[event]))
	for from := range table[event] {
		out = append(out, from)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Transition returns the status inst moves to on event, or a
// KindInvalidState error naming the current status and the allowed ones.
func Transition(inst *share.ShareInstance, event Event, opts ...Option) (share.Status, error) {
	targets, ok := table[event]
	if !ok {
		return "", share.Errorf(share.KindInvalidInput, "unknown instance event %q", event)
	}
	o := collect(opts)
	if event == Delete && o.force && inst.Status != share.StatusDeleted {
		return share.StatusDeleting, nil
	}
	to, ok := targets[inst.Status]
	if !ok {
		allowed := make([]string, 0, len(targets))
		for _, s := range Allowed(event) {
			allowed = append(allowed, string(s))
		}
		return "", &share.Error{
			Kind:     share.KindInvalidState,
			Message:  fmt.Sprintf("cannot %s from status %s (allowed: %s)", event, inst.Status, strings.Join(allowed, ", ")),
			Resource: "instance",
			ID:       inst.ID,
		}
	}
	return to, nil
}

// Machine applies transitions to persisted instances.
type Machine struct {
	store store.Store
	clock clock.Clock
}

// New creates a Machine. A nil clock uses the wall clock.
func New(st store.Store, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Machine{store: st, clock: clk}
}

// Apply transitions the instance atomically and returns the updated row.
func (m *Machine) Apply(ctx context.Context, instanceID string, event Event, opts ...Option) (*share.ShareInstance, error) {
	o := collect(opts)
	var from share.Status
	inst, err := m.store.UpdateInstance(ctx, instanceID, func(inst *share.ShareInstance) error {
		to, err := Transition(inst, event, opts...)
		if err != nil {
			return err
		}
		from = inst.Status
		inst.Status = to
		for _, fn := range o.mutate {
			fn(inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("lifecycle: instance=%s %s: %s -> %s", instanceID, event, from, inst.Status)
	return inst, nil
}

// CheckDeletable verifies that s may be deleted: it has no snapshots, no
// consistency group snapshot members, at most one replica, no task in
// flight and, unless force is set, every instance in a deletable status.
func (m *Machine) CheckDeletable(ctx context.Context, s *share.Share, force bool) error {
	snaps, err := m.store.ListSnapshots(ctx, s.ID)
	if err != nil {
		return err
	}
	if len(snaps) > 0 {
		return &share.Error{Kind: share.KindDependentResource,
			Message: fmt.Sprintf("share has %d dependent snapshots", len(snaps)), Resource: "share", ID: s.ID}
	}
	members, err := m.store.ListCGSnapshotMembers(ctx, s.ID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		return &share.Error{Kind: share.KindDependentResource,
			Message: fmt.Sprintf("share has %d consistency group snapshot members", len(members)), Resource: "share", ID: s.ID}
	}
	instances, err := m.store.ListInstances(ctx, s.ID)
	if err != nil {
		return err
	}
	replicas := 0
	for _, inst := range instances {
		if inst.IsReplica() {
			replicas++
		}
	}
	if replicas > 1 {
		return &share.Error{Kind: share.KindConflict,
			Message: fmt.Sprintf("share has %d replicas, delete all but the active one first", replicas), Resource: "share", ID: s.ID}
	}
	if s.TaskState.IsBusy() {
		return &share.Error{Kind: share.KindResourceBusy,
			Message: fmt.Sprintf("share has task %s in progress", s.TaskState), Resource: "share", ID: s.ID}
	}
	if !force {
		for _, inst := range instances {
			if _, err := Transition(inst, Delete); err != nil {
				return &share.Error{Kind: share.KindInvalidShare,
					Message: fmt.Sprintf("instance %s is %s", inst.ID, inst.Status), Resource: "share", ID: s.ID}
			}
		}
	}
	return nil
}

// Deleted removes a deleted instance's row. The share server it lived on,
// if any, has its UpdatedAt refreshed so idle-server accounting starts
// from now. A share left without instances is removed together with its
// access rules.
func (m *Machine) Deleted(ctx context.Context, instanceID string) error {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", instanceID, err)
	}
	logger.Info("lifecycle: instance=%s of share=%s deleted", instanceID, inst.ShareID)

	if inst.ShareServerID != "" {
		now := m.clock.Now()
		_, err := m.store.UpdateShareServer(ctx, inst.ShareServerID, func(srv *share.ShareServer) error {
			srv.UpdatedAt = now
			return nil
		})
		if err != nil && !share.IsNotFound(err) {
			return fmt.Errorf("failed to refresh share server %s: %w", inst.ShareServerID, err)
		}
	}

	left, err := m.store.ListInstances(ctx, inst.ShareID)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return nil
	}
	rules, err := m.store.ListAccessRules(ctx, inst.ShareID)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := m.store.DeleteAccessRule(ctx, r.ID); err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	if err := m.store.DeleteShare(ctx, inst.ShareID); err != nil && !share.IsNotFound(err) {
		return fmt.Errorf("failed to delete share %s: %w", inst.ShareID, err)
	}
	logger.Info("lifecycle: share=%s deleted", inst.ShareID)
	return nil
}
