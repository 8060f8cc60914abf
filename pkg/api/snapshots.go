package api

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/share"
)

// CreateSnapshot snapshots a share. A replicated share gets one snapshot
// instance per replica; otherwise the primary instance is snapshotted.
func (a *ShareAPI) CreateSnapshot(ctx context.Context, shareID, name string, force bool) (*share.Snapshot, error) {
	s, instances, primary, err := a.shareState(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if s.ShareTypeID != "" {
		st, err := a.store.GetShareType(ctx, s.ShareTypeID)
		if err != nil && !share.IsNotFound(err) {
			return nil, err
		}
		if st != nil && !st.SnapshotSupport() {
			return nil, &share.Error{Kind: share.KindInvalidShare,
				Message: fmt.Sprintf("share type %s does not support snapshots", st.Name), Resource: "share", ID: s.ID}
		}
	}
	if !force {
		if err := requireStatus(s, primary, "snapshot", share.StatusAvailable); err != nil {
			return nil, err
		}
	}
	if err := checkNotBusy(s); err != nil {
		return nil, err
	}
	if primary == nil || primary.Host == "" {
		return nil, &share.Error{Kind: share.KindInvalidShare, Message: "share has no placed instance", Resource: "share", ID: s.ID}
	}

	targets := []*share.ShareInstance{primary}
	if primary.IsReplica() {
		targets = targets[:0]
		for _, inst := range instances {
			if inst.IsReplica() {
				targets = append(targets, inst)
			}
		}
	}

	now := a.clock.Now()
	snap := &share.Snapshot{
		ID:        share.NewID(),
		ShareID:   s.ID,
		ProjectID: s.ProjectID,
		Name:      name,
		Size:      s.Size,
		Status:    share.StatusCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := share.Validate(snap); err != nil {
		return nil, err
	}
	sis := make([]*share.SnapshotInstance, 0, len(targets))
	for _, inst := range targets {
		sis = append(sis, &share.SnapshotInstance{
			ID:              share.NewID(),
			SnapshotID:      snap.ID,
			ShareInstanceID: inst.ID,
			Status:          share.StatusCreating,
			Progress:        "0%",
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	ids, err := a.quota.Reserve(ctx, s.ProjectID, quota.Deltas{quota.Snapshots: 1, quota.SnapshotGigabytes: s.Size})
	if err != nil {
		return nil, quotaError(err, s.ProjectID, s.Size)
	}
	if err := a.store.CreateSnapshot(ctx, snap, sis); err != nil {
		a.rollback(ctx, s.ProjectID, ids)
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := a.quota.Commit(ctx, s.ProjectID, ids); err != nil {
		if derr := a.store.DeleteSnapshot(ctx, snap.ID); derr != nil {
			logger.Error("api: snapshot=%s cleanup after quota commit failure: %v", snap.ID, derr)
		}
		a.rollback(ctx, s.ProjectID, ids)
		return nil, fmt.Errorf("failed to commit quota: %w", err)
	}

	for i, si := range sis {
		host := targets[i].Host
		if host == "" {
			continue
		}
		if err := a.shares.CreateSnapshot(ctx, host, si.ID); err != nil {
			return nil, fmt.Errorf("failed to dispatch snapshot %s: %w", snap.ID, err)
		}
	}
	logger.Info("api: snapshot=%s of share=%s requested on %d instances", snap.ID, s.ID, len(sis))
	return snap, nil
}

// DeleteSnapshot removes a snapshot. Snapshot instances on a placed share
// instance are deleted by its host, which releases the quota once the last
// one is gone; the rest are dropped at once.
func (a *ShareAPI) DeleteSnapshot(ctx context.Context, snapshotID string, force bool) error {
	snap, err := a.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if !force && snap.Status != share.StatusAvailable && snap.Status != share.StatusError {
		return &share.Error{Kind: share.KindInvalidShare,
			Message: fmt.Sprintf("snapshot status must be available or error, but is %s", snap.Status), Resource: "snapshot", ID: snap.ID}
	}
	now := a.clock.Now()
	if _, err := a.store.UpdateSnapshot(ctx, snap.ID, func(sn *share.Snapshot) error {
		sn.Status = share.StatusDeleting
		sn.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}

	sis, err := a.store.ListSnapshotInstances(ctx, snap.ID)
	if err != nil {
		return err
	}
	pending := 0
	for _, si := range sis {
		inst, err := a.store.GetInstance(ctx, si.ShareInstanceID)
		if err != nil && !share.IsNotFound(err) {
			return err
		}
		if inst == nil || inst.Host == "" {
			if err := a.store.DeleteSnapshotInstance(ctx, si.ID); err != nil && !share.IsNotFound(err) {
				return err
			}
			continue
		}
		if _, err := a.store.UpdateSnapshotInstance(ctx, si.ID, func(si *share.SnapshotInstance) error {
			si.Status = share.StatusDeleting
			si.UpdatedAt = now
			return nil
		}); err != nil {
			return err
		}
		if err := a.shares.DeleteSnapshot(ctx, inst.Host, si.ID, force); err != nil {
			return fmt.Errorf("failed to dispatch delete of snapshot %s: %w", snap.ID, err)
		}
		pending++
	}

	if pending == 0 {
		if err := a.store.DeleteSnapshot(ctx, snap.ID); err != nil {
			return err
		}
		a.release(ctx, snap.ProjectID, quota.Deltas{quota.Snapshots: -1, quota.SnapshotGigabytes: -snap.Size})
	}
	logger.Info("api: snapshot=%s delete requested (force=%t)", snap.ID, force)
	return nil
}

// GetSnapshot returns a snapshot.
func (a *ShareAPI) GetSnapshot(ctx context.Context, snapshotID string) (*share.Snapshot, error) {
	return a.store.GetSnapshot(ctx, snapshotID)
}

// ListSnapshots returns the snapshots of a share.
func (a *ShareAPI) ListSnapshots(ctx context.Context, shareID string) ([]*share.Snapshot, error) {
	if _, err := a.store.GetShare(ctx, shareID); err != nil {
		return nil, err
	}
	return a.store.ListSnapshots(ctx, shareID)
}
