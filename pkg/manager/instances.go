package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

// createShareInstance provisions an instance the scheduler (or the API,
// for shares created from a snapshot) placed on this backend. Migration
// destinations stay migrating_to and continue into the data copy.
func (m *Manager) createShareInstance(ctx context.Context, args rpcapi.CreateInstanceArgs) error {
	inst, s, err := m.load(ctx, args.InstanceID)
	if err != nil {
		return err
	}
	srv, err := m.shareServer(ctx, inst)
	if err != nil {
		return m.driverError(ctx, inst.ID, "create", err)
	}

	var exports []string
	if args.SnapshotID != "" {
		var snap *share.SnapshotInstance
		if snap, err = m.snapshotSource(ctx, args.SnapshotID); err == nil {
			exports, err = m.driver.CreateShareFromSnapshot(ctx, inst, s, snap, srv)
		}
	} else {
		exports, err = m.driver.CreateShare(ctx, inst, s, srv)
	}
	if err != nil {
		return m.createFailed(ctx, inst, args, err)
	}

	if inst.Status == share.StatusMigratingTo {
		dest, err := m.store.UpdateInstance(ctx, inst.ID, func(i *share.ShareInstance) error {
			i.ExportLocations = exports
			return nil
		})
		if err != nil {
			return err
		}
		return m.beginDataCopy(ctx, s, dest)
	}

	_, err = m.machine.Apply(ctx, inst.ID, lifecycle.Created, lifecycle.With(func(i *share.ShareInstance) {
		i.ExportLocations = exports
	}))
	if err != nil {
		return err
	}
	logger.Info("manager: instance=%s of share=%s created on %s", inst.ID, s.ID, inst.Host)
	return nil
}

// snapshotSource picks the available snapshot instance a new share is
// cloned from.
func (m *Manager) snapshotSource(ctx context.Context, snapshotID string) (*share.SnapshotInstance, error) {
	sis, err := m.store.ListSnapshotInstances(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	for _, si := range sis {
		if si.Status == share.StatusAvailable {
			return si, nil
		}
	}
	return nil, &share.Error{Kind: share.KindInvalidShare,
		Message: "snapshot has no available instance", Resource: "snapshot", ID: snapshotID}
}

// createFailed sends a failed creation back to the scheduler when the
// request carries retry bookkeeping, and records the error otherwise.
func (m *Manager) createFailed(ctx context.Context, inst *share.ShareInstance, args rpcapi.CreateInstanceArgs, cause error) error {
	if inst.Status == share.StatusMigratingTo {
		m.abortMigration(ctx, inst.ShareID, share.TaskStateMigrationError, cause)
		return cause
	}
	props := args.FilterProperties
	if props.Retry == nil || args.SnapshotID != "" || args.RequestSpec == nil {
		return m.driverError(ctx, inst.ID, "create", cause)
	}

	props.Retry.LastError = cause.Error()
	spec := args.RequestSpec
	spec.ShareInstanceProperties.Host = ""
	_, err := m.store.UpdateInstance(ctx, inst.ID, func(i *share.ShareInstance) error {
		i.Host = ""
		return nil
	})
	if err == nil {
		err = m.scheduler.CreateShareInstance(ctx, rpcapi.ScheduleArgs{RequestSpec: spec, FilterProperties: props})
	}
	if err != nil {
		logger.Error("manager: failed to reschedule instance=%s: %v", inst.ID, err)
		return m.driverError(ctx, inst.ID, "create", cause)
	}
	logger.Warn("manager: creation of instance=%s on %s failed, rescheduled: %v", inst.ID, m.cfg.Host, cause)
	return cause
}

// deleteShareInstance removes an instance's access rules and the instance
// itself from the backend. A forced delete ignores backend failures.
func (m *Manager) deleteShareInstance(ctx context.Context, args rpcapi.InstanceArgs) error {
	inst, err := m.store.GetInstance(ctx, args.InstanceID)
	if err != nil {
		return err
	}
	srv, err := m.shareServer(ctx, inst)
	if err != nil && !args.Force {
		return m.driverError(ctx, inst.ID, "delete", err)
	}

	err = m.access.Reconcile(ctx, inst.ID, access.Options{DeleteAll: true, ShareServer: srv})
	if err != nil && !args.Force {
		return m.driverError(ctx, inst.ID, "delete", fmt.Errorf("failed to remove access rules: %w", err))
	}

	err = m.driver.DeleteShare(ctx, inst, srv)
	switch {
	case err == nil:
	case share.IsNotFound(err):
		logger.Debug("manager: instance=%s already gone from the backend", inst.ID)
	case args.Force:
		logger.Warn("manager: ignoring backend failure on forced delete of instance=%s: %v", inst.ID, err)
	default:
		return m.driverError(ctx, inst.ID, "delete", err)
	}

	if _, err := m.machine.Apply(ctx, inst.ID, lifecycle.Deleted); err != nil {
		return err
	}
	return m.machine.Deleted(ctx, inst.ID)
}

func (m *Manager) updateAccess(ctx context.Context, args rpcapi.InstanceArgs) error {
	inst, err := m.store.GetInstance(ctx, args.InstanceID)
	if err != nil {
		return err
	}
	srv, err := m.shareServer(ctx, inst)
	if err != nil {
		return err
	}
	return m.access.Reconcile(ctx, inst.ID, access.Options{ShareServer: srv})
}

// extendShare grows an instance. The reservations taken by the API are
// committed on success and rolled back on failure.
func (m *Manager) extendShare(ctx context.Context, args rpcapi.ResizeArgs) error {
	inst, s, err := m.load(ctx, args.InstanceID)
	if err != nil {
		m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, false)
		return err
	}
	srv, err := m.shareServer(ctx, inst)
	if err == nil {
		err = m.driver.ExtendShare(ctx, inst, args.NewSize, srv)
	}
	if err != nil {
		m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, false)
		return m.driverError(ctx, inst.ID, "extend", err)
	}
	m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, true)
	return m.resized(ctx, s, inst, args.NewSize, lifecycle.Extended)
}

// shrinkShare reduces an instance. A backend holding more data than the
// new size leaves the instance in shrinking_possible_data_loss_error.
func (m *Manager) shrinkShare(ctx context.Context, args rpcapi.ResizeArgs) error {
	inst, s, err := m.load(ctx, args.InstanceID)
	if err != nil {
		m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, false)
		return err
	}
	srv, err := m.shareServer(ctx, inst)
	if err == nil {
		err = m.driver.ShrinkShare(ctx, inst, args.NewSize, srv)
	}
	if errors.Is(err, driver.ErrShrinkPossibleDataLoss) {
		m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, false)
		logger.Warn("manager: shrink of instance=%s to %dG refused, share holds more data", inst.ID, args.NewSize)
		if _, aerr := m.machine.Apply(ctx, inst.ID, lifecycle.ShrinkDataLoss); aerr != nil {
			return aerr
		}
		return err
	}
	if err != nil {
		m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, false)
		return m.driverError(ctx, inst.ID, "shrink", err)
	}
	m.finishReservations(ctx, args.ProjectID, args.ReservationIDs, true)
	return m.resized(ctx, s, inst, args.NewSize, lifecycle.Shrunk)
}

func (m *Manager) resized(ctx context.Context, s *share.Share, inst *share.ShareInstance, size int, event lifecycle.Event) error {
	now := m.clock.Now()
	_, err := m.store.UpdateShare(ctx, s.ID, func(s *share.Share) error {
		s.Size = size
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record new size of share %s: %w", s.ID, err)
	}
	if _, err := m.machine.Apply(ctx, inst.ID, event); err != nil {
		return err
	}
	logger.Info("manager: share=%s resized to %dG", s.ID, size)
	return nil
}

// manageShare adopts an existing export. The driver reports the real size,
// which is recorded on the share and charged to the project's quota.
func (m *Manager) manageShare(ctx context.Context, args rpcapi.ManageArgs) error {
	inst, s, err := m.load(ctx, args.InstanceID)
	if err != nil {
		return err
	}
	managed, err := m.driver.ManageExisting(ctx, inst, args.ExportPath, args.Options)
	if err != nil {
		return m.driverError(ctx, inst.ID, "manage", err)
	}
	if managed.Size <= 0 {
		return m.driverError(ctx, inst.ID, "manage",
			share.Errorf(share.KindDriver, "backend reported invalid size %d for %s", managed.Size, args.ExportPath))
	}

	ids, err := m.quota.Reserve(ctx, s.ProjectID, quota.Deltas{quota.Shares: 1, quota.Gigabytes: managed.Size})
	if err != nil {
		return m.driverError(ctx, inst.ID, "manage", err)
	}
	now := m.clock.Now()
	_, err = m.store.UpdateShare(ctx, s.ID, func(s *share.Share) error {
		s.Size = managed.Size
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.finishReservations(ctx, s.ProjectID, ids, false)
		return err
	}
	m.finishReservations(ctx, s.ProjectID, ids, true)

	exports := managed.ExportLocations
	if len(exports) == 0 {
		exports = []string{args.ExportPath}
	}
	_, err = m.machine.Apply(ctx, inst.ID, lifecycle.Managed, lifecycle.With(func(i *share.ShareInstance) {
		i.ExportLocations = exports
	}))
	if err != nil {
		return err
	}
	logger.Info("manager: share=%s managed from %s (%dG)", s.ID, args.ExportPath, managed.Size)
	return nil
}

// unmanageShare drops the share from management, leaving the data on the
// backend, and releases its quota.
func (m *Manager) unmanageShare(ctx context.Context, args rpcapi.InstanceArgs) error {
	inst, s, err := m.load(ctx, args.InstanceID)
	if err != nil {
		return err
	}
	if err := m.driver.Unmanage(ctx, inst); err != nil {
		return m.driverError(ctx, inst.ID, "unmanage", err)
	}
	if _, err := m.machine.Apply(ctx, inst.ID, lifecycle.Unmanaged); err != nil {
		return err
	}
	m.release(ctx, s.ProjectID, quota.Deltas{quota.Shares: -1, quota.Gigabytes: -s.Size})
	if err := m.purge(ctx, inst.ID); err != nil {
		return fmt.Errorf("failed to remove unmanaged instance %s: %w", inst.ID, err)
	}
	logger.Info("manager: share=%s unmanaged", s.ID)
	return nil
}

// deleteShareServer removes an idle share server row. The servers are
// virtual here: no backend resource is attached to them.
func (m *Manager) deleteShareServer(ctx context.Context, args rpcapi.ServerArgs) error {
	if err := m.store.DeleteShareServer(ctx, args.ShareServerID); err != nil && !share.IsNotFound(err) {
		return err
	}
	logger.Info("manager: share server=%s deleted", args.ShareServerID)
	return nil
}
