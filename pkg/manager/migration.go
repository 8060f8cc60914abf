package manager

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

// A migration runs on the source host in one of two ways.
//
// Driver-assisted: the backend moves the data itself. The destination
// instance is only a row until MigrationComplete hands over the export
// locations; Poll calls MigrationContinue until phase one is done.
//
// Host-assisted: the destination host provisions an empty instance, then
// the data service copies the content between the two mounts and reports
// back with migration_data_copy_done.

func (m *Manager) migrationStart(ctx context.Context, args rpcapi.MigrationStartArgs) error {
	if err := m.startMigration(ctx, args); err != nil {
		m.abortMigration(ctx, args.ShareID, share.TaskStateMigrationError, err)
		return err
	}
	return nil
}

func (m *Manager) startMigration(ctx context.Context, args rpcapi.MigrationStartArgs) error {
	src, s, err := m.load(ctx, args.SourceInstanceID)
	if err != nil {
		return err
	}
	if err := m.migration.SetTaskState(ctx, s.ID, share.TaskStateMigrationInProgress); err != nil {
		return err
	}

	md, ok := m.driver.(driver.MigrationDriver)
	if ok && !args.ForceHostAssistedMigration {
		compat, err := md.MigrationCheckCompatibility(ctx, src, args.DestHost)
		if err != nil {
			logger.Warn("manager: compatibility check of share=%s with %s failed: %v", s.ID, args.DestHost, err)
		}
		if compat != nil && compat.Compatible &&
			(!args.Writable || compat.Writable) && (!args.PreserveMetadata || compat.PreserveMetadata) {
			return m.startDriverMigration(ctx, md, s, src, args)
		}
	}
	if args.Writable || args.PreserveMetadata {
		return &share.Error{Kind: share.KindMigrationFailed,
			Message:  "driver cannot migrate the share and host-assisted migration keeps neither writability nor metadata",
			Resource: "share", ID: s.ID}
	}
	return m.startHostAssistedMigration(ctx, s, src, args)
}

func (m *Manager) startDriverMigration(ctx context.Context, md driver.MigrationDriver, s *share.Share, src *share.ShareInstance, args rpcapi.MigrationStartArgs) error {
	if err := m.migration.SetTaskState(ctx, s.ID, share.TaskStateMigrationDriverStarting); err != nil {
		return err
	}
	src, dest, err := m.newDestination(ctx, s, src, args)
	if err != nil {
		return err
	}
	if err := md.MigrationStart(ctx, src, dest); err != nil {
		return fmt.Errorf("driver failed to start migration: %w", err)
	}
	if err := m.migration.SetTaskState(ctx, s.ID, share.TaskStateMigrationDriverInProgress); err != nil {
		return err
	}
	logger.Info("manager: driver-assisted migration of share=%s to %s started", s.ID, args.DestHost)
	return nil
}

func (m *Manager) startHostAssistedMigration(ctx context.Context, s *share.Share, src *share.ShareInstance, args rpcapi.MigrationStartArgs) error {
	_, dest, err := m.newDestination(ctx, s, src, args)
	if err != nil {
		return err
	}
	var st *share.ShareType
	if s.ShareTypeID != "" {
		if st, err = m.store.GetShareType(ctx, s.ShareTypeID); err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	spec := share.NewRequestSpec(s, dest, st)
	err = m.shares.CreateShareInstance(ctx, args.DestHost, rpcapi.CreateInstanceArgs{
		InstanceID:       dest.ID,
		RequestSpec:      spec,
		FilterProperties: share.FilterProperties{RequestSpec: spec, ShareType: st, Size: s.Size},
	})
	if err != nil {
		return fmt.Errorf("failed to request destination instance on %s: %w", args.DestHost, err)
	}
	logger.Info("manager: host-assisted migration of share=%s to %s started", s.ID, args.DestHost)
	return nil
}

// newDestination moves src to migrating and creates the migrating_to
// instance on the destination host, carrying over the access rules.
func (m *Manager) newDestination(ctx context.Context, s *share.Share, src *share.ShareInstance, args rpcapi.MigrationStartArgs) (*share.ShareInstance, *share.ShareInstance, error) {
	src, err := m.machine.Apply(ctx, src.ID, lifecycle.MigrateStart)
	if err != nil {
		return nil, nil, err
	}

	az := ""
	if svc, err := m.store.GetService(ctx, share.TopicShare, share.ExtractHost(args.DestHost, share.LevelBackend)); err == nil {
		az = svc.AvailabilityZone
	}
	network := args.NewShareNetworkID
	if network == "" {
		network = src.ShareNetworkID
	}
	now := m.clock.Now()
	dest, err := share.NewInstance(s.ID, args.DestHost, az, network, now)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.CreateInstance(ctx, dest); err != nil {
		return nil, nil, fmt.Errorf("failed to create destination instance: %w", err)
	}
	if dest, err = m.machine.Apply(ctx, dest.ID, lifecycle.MigrateTarget); err != nil {
		return nil, nil, err
	}

	mappings, err := m.store.ListMappingsForInstance(ctx, src.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, mp := range mappings {
		if mp.State == share.AccessStateQueuedToDeny {
			continue
		}
		if err := m.store.CreateMapping(ctx, share.NewMapping(dest.ID, mp.AccessID, now)); err != nil {
			return nil, nil, fmt.Errorf("failed to copy access rule %s: %w", mp.AccessID, err)
		}
	}
	m.migration.AttachDestination(s.ID, dest.ID)
	return src, dest, nil
}

// beginDataCopy runs on the destination host once the destination
// instance exists: it collects both connections and starts the copy.
func (m *Manager) beginDataCopy(ctx context.Context, s *share.Share, dest *share.ShareInstance) error {
	if err := m.startDataCopy(ctx, s, dest); err != nil {
		m.abortMigration(ctx, s.ID, share.TaskStateMigrationError, err)
		return err
	}
	return nil
}

func (m *Manager) startDataCopy(ctx context.Context, s *share.Share, dest *share.ShareInstance) error {
	if err := m.migration.SetTaskState(ctx, s.ID, share.TaskStateDataCopyingStarting); err != nil {
		return err
	}
	src, _, err := m.migrationPair(ctx, s.ID, "", dest.ID)
	if err != nil {
		return err
	}
	srcInfo, err := m.shares.GetConnectionInfo(ctx, src.Host, src.ID, m.cfg.CallTimeout)
	if err != nil {
		return fmt.Errorf("failed to get connection info of source instance %s: %w", src.ID, err)
	}
	destInfo, err := m.connectionInfo(ctx, dest)
	if err != nil {
		return fmt.Errorf("failed to get connection info of destination instance %s: %w", dest.ID, err)
	}
	err = m.data.DataCopyStart(ctx, rpcapi.DataCopyArgs{
		ShareID:               s.ID,
		SourceInstanceID:      src.ID,
		DestinationInstanceID: dest.ID,
		SourceConnection:      srcInfo,
		DestConnection:        destInfo,
	})
	if err != nil {
		return fmt.Errorf("failed to start data copy: %w", err)
	}
	logger.Info("manager: data copy of share=%s from instance=%s to instance=%s requested", s.ID, src.ID, dest.ID)
	return nil
}

// continueMigration advances one driver-assisted migration whose source
// lives on this backend.
func (m *Manager) continueMigration(ctx context.Context, s *share.Share, instances []*share.ShareInstance) {
	var src, dest *share.ShareInstance
	for _, inst := range instances {
		switch inst.Status {
		case share.StatusMigrating:
			src = inst
		case share.StatusMigratingTo:
			dest = inst
		}
	}
	if src == nil || dest == nil || !m.owns(src) {
		return
	}
	md, ok := m.driver.(driver.MigrationDriver)
	if !ok {
		return
	}
	done, err := md.MigrationContinue(ctx, src, dest)
	if err != nil {
		m.abortMigration(ctx, s.ID, share.TaskStateMigrationError, fmt.Errorf("driver failed to continue migration: %w", err))
		return
	}
	if report, err := md.MigrationGetProgress(ctx, src, dest); err == nil {
		m.migration.UpdateProgress(s.ID, report)
	}
	if !done {
		return
	}
	if err := m.migration.SetTaskState(ctx, s.ID, share.TaskStateMigrationDriverPhase1Done); err != nil {
		logger.Error("manager: failed to record end of phase one for share=%s: %v", s.ID, err)
		return
	}
	logger.Info("manager: share=%s finished the first migration phase", s.ID)
}

// migrationComplete cuts over to the destination and retires the source.
func (m *Manager) migrationComplete(ctx context.Context, args rpcapi.MigrationArgs) error {
	src, dest, err := m.migrationPair(ctx, args.ShareID, args.SourceInstanceID, args.DestinationInstanceID)
	if err != nil {
		return err
	}
	if err := m.completeMigration(ctx, args.ShareID, src, dest); err != nil {
		logger.Error("manager: completion of share=%s failed: %v", args.ShareID, err)
		if _, aerr := m.machine.Apply(ctx, dest.ID, lifecycle.DriverError); aerr != nil {
			logger.Error("manager: failed to mark destination instance=%s in error: %v", dest.ID, aerr)
		}
		if _, aerr := m.machine.Apply(ctx, src.ID, lifecycle.MigrateEnd); aerr != nil {
			logger.Error("manager: failed to restore source instance=%s: %v", src.ID, aerr)
		}
		if ferr := m.migration.Finish(ctx, args.ShareID, share.TaskStateMigrationError); ferr != nil {
			logger.Error("manager: failed to record migration error of share=%s: %v", args.ShareID, ferr)
		}
		return err
	}
	return nil
}

func (m *Manager) completeMigration(ctx context.Context, shareID string, src, dest *share.ShareInstance) error {
	s, err := m.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	driverAssisted := s.TaskState == share.TaskStateMigrationDriverPhase1Done
	if err := m.migration.SetTaskState(ctx, shareID, share.TaskStateMigrationCompleting); err != nil {
		return err
	}

	exports := dest.ExportLocations
	if driverAssisted {
		md, ok := m.driver.(driver.MigrationDriver)
		if !ok {
			return share.Errorf(share.KindNotSupported, "driver %s does not support migration", m.driver.Name())
		}
		if exports, err = md.MigrationComplete(ctx, src, dest); err != nil {
			return fmt.Errorf("driver failed to complete migration: %w", err)
		}
	}
	_, err = m.machine.Apply(ctx, dest.ID, lifecycle.MigrateEnd, lifecycle.With(func(i *share.ShareInstance) {
		if len(exports) > 0 {
			i.ExportLocations = exports
		}
	}))
	if err != nil {
		return err
	}

	if _, err := m.machine.Apply(ctx, src.ID, lifecycle.Deactivate); err != nil {
		return err
	}
	if !driverAssisted {
		m.dropSource(ctx, src)
	}
	if err := m.purge(ctx, src.ID); err != nil {
		logger.Error("manager: failed to remove source instance=%s: %v", src.ID, err)
	}
	m.applyCopiedRules(ctx, dest)

	if err := m.migration.Finish(ctx, shareID, share.TaskStateMigrationSuccess); err != nil {
		return err
	}
	logger.Info("manager: share=%s migrated to %s", shareID, dest.Host)
	return nil
}

// dropSource removes the copied-from instance from this backend. The
// migration already succeeded, so failures are only logged.
func (m *Manager) dropSource(ctx context.Context, src *share.ShareInstance) {
	srv, err := m.shareServer(ctx, src)
	if err != nil {
		logger.Warn("manager: %v", err)
	}
	if err := m.access.Reconcile(ctx, src.ID, access.Options{DeleteAll: true, ShareServer: srv}); err != nil {
		logger.Warn("manager: failed to remove access rules of migrated instance=%s: %v", src.ID, err)
	}
	if err := m.driver.DeleteShare(ctx, src, srv); err != nil && !share.IsNotFound(err) {
		logger.Warn("manager: failed to delete migrated instance=%s from the backend: %v", src.ID, err)
	}
}

// applyCopiedRules asks the destination host to apply the rules copied
// over at the start of the migration.
func (m *Manager) applyCopiedRules(ctx context.Context, dest *share.ShareInstance) {
	mappings, err := m.store.ListMappingsForInstance(ctx, dest.ID)
	if err != nil || len(mappings) == 0 {
		return
	}
	from, err := access.QueueChange(ctx, m.store, dest.ID)
	if err != nil {
		logger.Error("manager: failed to queue access rules of instance=%s: %v", dest.ID, err)
		return
	}
	if access.NeedsDispatch(from) {
		if err := m.shares.UpdateAccess(ctx, dest.Host, dest.ID); err != nil {
			logger.Error("manager: failed to dispatch access rules of instance=%s: %v", dest.ID, err)
		}
	}
}

// migrationDataCopyDone ends a host-assisted first phase. A successful
// copy waits for the user to complete; a cancelled or failed one is
// rolled back here.
func (m *Manager) migrationDataCopyDone(ctx context.Context, args rpcapi.MigrationArgs) error {
	s, err := m.store.GetShare(ctx, args.ShareID)
	if err != nil {
		return err
	}
	switch s.TaskState {
	case share.TaskStateDataCopyingCompleted:
		logger.Info("manager: data copy of share=%s completed, waiting for migration completion", s.ID)
	case share.TaskStateDataCopyingCancelled:
		m.abortMigration(ctx, s.ID, share.TaskStateMigrationCancelled, nil)
	case share.TaskStateDataCopyingError:
		m.abortMigration(ctx, s.ID, share.TaskStateMigrationError, share.Errorf(share.KindMigrationFailed, "data copy failed"))
	default:
		logger.Warn("manager: data copy of share=%s reported done in task state %s", s.ID, s.TaskState)
	}
	return nil
}

// migrationCancel stops a driver-assisted first phase.
func (m *Manager) migrationCancel(ctx context.Context, args rpcapi.MigrationArgs) error {
	src, dest, err := m.migrationPair(ctx, args.ShareID, args.SourceInstanceID, args.DestinationInstanceID)
	if err != nil {
		return err
	}
	md, ok := m.driver.(driver.MigrationDriver)
	if !ok {
		return share.Errorf(share.KindNotSupported, "driver %s does not support migration", m.driver.Name())
	}
	if err := md.MigrationCancel(ctx, src, dest); err != nil {
		return fmt.Errorf("driver failed to cancel migration: %w", err)
	}
	m.abortMigration(ctx, args.ShareID, share.TaskStateMigrationCancelled, nil)
	return nil
}

func (m *Manager) migrationGetProgress(ctx context.Context, args rpcapi.MigrationArgs) (*share.ProgressReport, error) {
	src, dest, err := m.migrationPair(ctx, args.ShareID, args.SourceInstanceID, args.DestinationInstanceID)
	if err != nil {
		return nil, err
	}
	md, ok := m.driver.(driver.MigrationDriver)
	if !ok {
		return nil, share.Errorf(share.KindNotSupported, "driver %s does not support migration", m.driver.Name())
	}
	return md.MigrationGetProgress(ctx, src, dest)
}

func (m *Manager) getConnectionInfo(ctx context.Context, args rpcapi.InstanceArgs) (map[string]string, error) {
	inst, err := m.store.GetInstance(ctx, args.InstanceID)
	if err != nil {
		return nil, err
	}
	return m.connectionInfo(ctx, inst)
}

// connectionInfo describes how the data service mounts inst. Drivers
// without ConnectionInfoDriver expose their first export location.
func (m *Manager) connectionInfo(ctx context.Context, inst *share.ShareInstance) (map[string]string, error) {
	if cd, ok := m.driver.(driver.ConnectionInfoDriver); ok {
		return cd.ConnectionInfo(ctx, inst)
	}
	if len(inst.ExportLocations) == 0 {
		return nil, &share.Error{Kind: share.KindInvalidShareInstance,
			Message: "instance has no export location", Resource: "instance", ID: inst.ID}
	}
	return map[string]string{"export": inst.ExportLocations[0]}, nil
}

// migrationPair loads the source and destination instances, by ID when
// given and by status otherwise.
func (m *Manager) migrationPair(ctx context.Context, shareID, srcID, destID string) (*share.ShareInstance, *share.ShareInstance, error) {
	instances, err := m.store.ListInstances(ctx, shareID)
	if err != nil {
		return nil, nil, err
	}
	var src, dest *share.ShareInstance
	for _, inst := range instances {
		switch {
		case srcID != "" && inst.ID == srcID, srcID == "" && inst.Status == share.StatusMigrating:
			src = inst
		case destID != "" && inst.ID == destID, destID == "" && inst.Status == share.StatusMigratingTo:
			dest = inst
		}
	}
	if src == nil || dest == nil {
		return nil, nil, &share.Error{Kind: share.KindMigrationFailed,
			Message: "source or destination instance of the migration is missing", Resource: "share", ID: shareID}
	}
	return src, dest, nil
}

// abortMigration rolls a migration back: the destination instance is
// removed, the source returns to available and the task state ends with
// final.
func (m *Manager) abortMigration(ctx context.Context, shareID string, final share.TaskState, cause error) {
	if cause != nil {
		logger.Error("manager: migration of share=%s failed: %v", shareID, cause)
	}
	instances, err := m.store.ListInstances(ctx, shareID)
	if err != nil {
		logger.Error("manager: failed to list instances of share=%s: %v", shareID, err)
	}
	for _, inst := range instances {
		switch inst.Status {
		case share.StatusMigratingTo:
			m.dropDestination(ctx, inst)
		case share.StatusMigrating:
			if _, err := m.machine.Apply(ctx, inst.ID, lifecycle.MigrateEnd); err != nil {
				logger.Error("manager: failed to restore source instance=%s: %v", inst.ID, err)
			}
		}
	}
	if err := m.migration.Finish(ctx, shareID, final); err != nil {
		logger.Error("manager: failed to end migration of share=%s with %s: %v", shareID, final, err)
	}
}

// dropDestination removes a destination instance. One that was provisioned
// on its host is deleted there; a bare row is removed directly.
func (m *Manager) dropDestination(ctx context.Context, dest *share.ShareInstance) {
	if len(dest.ExportLocations) == 0 || dest.Host == "" {
		if err := m.purge(ctx, dest.ID); err != nil {
			logger.Error("manager: failed to remove destination instance=%s: %v", dest.ID, err)
		}
		return
	}
	if _, err := m.machine.Apply(ctx, dest.ID, lifecycle.Delete, lifecycle.Force()); err != nil {
		logger.Error("manager: failed to delete destination instance=%s: %v", dest.ID, err)
		return
	}
	if err := m.shares.DeleteShareInstance(ctx, dest.Host, dest.ID, true); err != nil {
		logger.Error("manager: failed to dispatch deletion of destination instance=%s: %v", dest.ID, err)
	}
}
