package manager

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

func (m *Manager) createSnapshot(ctx context.Context, args rpcapi.SnapshotArgs) error {
	si, err := m.store.GetSnapshotInstance(ctx, args.SnapshotInstanceID)
	if err != nil {
		return err
	}
	inst, err := m.store.GetInstance(ctx, si.ShareInstanceID)
	if err != nil {
		return err
	}
	srv, err := m.shareServer(ctx, inst)
	if err == nil {
		err = m.driver.CreateSnapshot(ctx, si, inst, srv)
	}
	status, progress := share.StatusAvailable, "100%"
	if err != nil {
		logger.Error("manager: snapshot instance=%s on instance=%s failed: %v", si.ID, inst.ID, err)
		status, progress = share.StatusError, "0%"
	}
	if _, uerr := m.store.UpdateSnapshotInstance(ctx, si.ID, func(x *share.SnapshotInstance) error {
		x.Status = status
		x.Progress = progress
		return nil
	}); uerr != nil {
		return uerr
	}
	if aerr := m.aggregateSnapshot(ctx, si.SnapshotID); aerr != nil {
		return aerr
	}
	return err
}

// aggregateSnapshot folds the instance statuses into the snapshot: error
// if any instance failed, available once all are available.
func (m *Manager) aggregateSnapshot(ctx context.Context, snapshotID string) error {
	sis, err := m.store.ListSnapshotInstances(ctx, snapshotID)
	if err != nil {
		return err
	}
	status := share.StatusAvailable
	for _, si := range sis {
		switch si.Status {
		case share.StatusError:
			status = share.StatusError
		case share.StatusAvailable:
		default:
			if status != share.StatusError {
				status = si.Status
			}
		}
	}
	now := m.clock.Now()
	_, err = m.store.UpdateSnapshot(ctx, snapshotID, func(snap *share.Snapshot) error {
		if snap.Status == share.StatusDeleting {
			return nil
		}
		snap.Status = status
		snap.UpdatedAt = now
		return nil
	})
	return err
}

// deleteSnapshot removes one snapshot instance from the backend. The
// snapshot itself goes, and its quota is released, with its last instance.
func (m *Manager) deleteSnapshot(ctx context.Context, args rpcapi.SnapshotArgs) error {
	si, err := m.store.GetSnapshotInstance(ctx, args.SnapshotInstanceID)
	if err != nil {
		return err
	}
	inst, err := m.store.GetInstance(ctx, si.ShareInstanceID)
	if err != nil && !share.IsNotFound(err) {
		return err
	}
	if inst != nil {
		srv, serr := m.shareServer(ctx, inst)
		if serr == nil {
			err = m.driver.DeleteSnapshot(ctx, si, inst, srv)
		} else {
			err = serr
		}
	}
	switch {
	case err == nil:
	case share.IsNotFound(err):
		logger.Debug("manager: snapshot instance=%s already gone from the backend", si.ID)
	case args.Force:
		logger.Warn("manager: ignoring backend failure on forced delete of snapshot instance=%s: %v", si.ID, err)
	default:
		logger.Error("manager: delete of snapshot instance=%s failed: %v", si.ID, err)
		if _, uerr := m.store.UpdateSnapshotInstance(ctx, si.ID, func(x *share.SnapshotInstance) error {
			x.Status = share.StatusErrorDeleting
			return nil
		}); uerr != nil {
			logger.Error("manager: failed to record error on snapshot instance=%s: %v", si.ID, uerr)
		}
		return err
	}

	if err := m.store.DeleteSnapshotInstance(ctx, si.ID); err != nil && !share.IsNotFound(err) {
		return err
	}
	left, err := m.store.ListSnapshotInstances(ctx, si.SnapshotID)
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return nil
	}
	snap, err := m.store.GetSnapshot(ctx, si.SnapshotID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteSnapshot(ctx, snap.ID); err != nil && !share.IsNotFound(err) {
		return fmt.Errorf("failed to delete snapshot %s: %w", snap.ID, err)
	}
	m.release(ctx, snap.ProjectID, quota.Deltas{quota.Snapshots: -1, quota.SnapshotGigabytes: -snap.Size})
	logger.Info("manager: snapshot=%s of share=%s deleted", snap.ID, snap.ShareID)
	return nil
}
