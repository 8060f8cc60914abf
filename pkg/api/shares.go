package api

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

const (
	maxMetadataKeyLen   = 255
	maxMetadataValueLen = 1023
)

// CreateRequest describes a new share.
type CreateRequest struct {
	Name        string
	Description string

	// Size in GiB. Zero with SnapshotID set means the snapshot's size.
	Size     int
	Protocol share.Protocol

	// ShareType is a share type ID or name
	ShareType string

	SnapshotID         string
	AvailabilityZone   string
	ShareNetworkID     string
	ConsistencyGroupID string
	IsPublic           bool
	Metadata           map[string]string
}

// ShareDetail is a share as returned to callers: the share row plus the
// status and placement of its primary instance.
type ShareDetail struct {
	*share.Share
	Status           share.Status           `json:"status"`
	Host             string                 `json:"host,omitempty"`
	AvailabilityZone string                 `json:"availability_zone,omitempty"`
	ExportLocations  []string               `json:"export_locations,omitempty"`
	Instances        []*share.ShareInstance `json:"instances,omitempty"`
}

func detail(s *share.Share, instances []*share.ShareInstance) *ShareDetail {
	d := &ShareDetail{Share: s, Status: share.AggregateStatus(instances), Instances: instances}
	if p := share.PrimaryInstance(instances); p != nil {
		d.Host = p.Host
		d.AvailabilityZone = p.AvailabilityZone
		d.ExportLocations = p.ExportLocations
	}
	return d
}

func checkMetadata(md map[string]string) error {
	for k, v := range md {
		switch {
		case k == "":
			return share.Errorf(share.KindInvalidInput, "metadata property key is blank")
		case utf8.RuneCountInString(k) > maxMetadataKeyLen:
			return share.Errorf(share.KindInvalidInput, "metadata property key is greater than %d characters", maxMetadataKeyLen)
		case v == "":
			return share.Errorf(share.KindInvalidInput, "metadata property value is blank")
		case utf8.RuneCountInString(v) > maxMetadataValueLen:
			return share.Errorf(share.KindInvalidInput, "metadata property value is greater than %d characters", maxMetadataValueLen)
		}
	}
	return nil
}

// resolveShareType looks a share type up by ID, then by name. An empty ref
// selects the configured default, or no type at all.
func (a *ShareAPI) resolveShareType(ctx context.Context, ref string) (*share.ShareType, error) {
	if ref == "" {
		ref = a.cfg.DefaultShareType
	}
	if ref == "" {
		return nil, nil
	}
	st, err := a.store.GetShareType(ctx, ref)
	if err == nil {
		return st, nil
	}
	if !share.IsNotFound(err) {
		return nil, err
	}
	st, err = a.store.GetShareTypeByName(ctx, ref)
	if share.IsNotFound(err) {
		return nil, share.Errorf(share.KindInvalidInput, "share type %s not found", ref)
	}
	return st, err
}

// Create validates req, reserves quota, records the share and its first
// instance and asks for the instance to be placed. A share created from a
// snapshot goes straight to the host holding the snapshot.
func (a *ShareAPI) Create(ctx context.Context, caller Caller, req CreateRequest) (*share.Share, error) {
	if err := checkMetadata(req.Metadata); err != nil {
		return nil, err
	}

	var (
		st   *share.ShareType
		err  error
		snap *share.Snapshot
		src  *share.ShareInstance
		size = req.Size
		az   = req.AvailabilityZone
	)
	if req.ShareType != "" || req.SnapshotID == "" {
		if st, err = a.resolveShareType(ctx, req.ShareType); err != nil {
			return nil, err
		}
	}

	if req.SnapshotID != "" {
		if snap, err = a.store.GetSnapshot(ctx, req.SnapshotID); err != nil {
			return nil, err
		}
		if snap.Status != share.StatusAvailable {
			return nil, &share.Error{Kind: share.KindInvalidShare,
				Message: fmt.Sprintf("snapshot status must be available, but is %s", snap.Status), Resource: "snapshot", ID: snap.ID}
		}
		if size == 0 {
			size = snap.Size
		} else if size < snap.Size {
			return nil, share.Errorf(share.KindInvalidInput,
				"share size %dG must be equal or greater than snapshot size %dG", size, snap.Size)
		}
		origin, _, primary, err := a.shareState(ctx, snap.ShareID)
		if err != nil {
			return nil, err
		}
		if st == nil && origin.ShareTypeID != "" {
			if st, err = a.store.GetShareType(ctx, origin.ShareTypeID); err != nil {
				return nil, err
			}
		} else if st != nil && st.ID != origin.ShareTypeID {
			return nil, share.Errorf(share.KindInvalidInput,
				"share type %s differs from the snapshot's source share type", st.Name)
		}
		if primary == nil || primary.Host == "" {
			return nil, &share.Error{Kind: share.KindInvalidShare,
				Message: "snapshot source share has no placed instance", Resource: "share", ID: origin.ID}
		}
		src = primary
		if az == "" {
			az = src.AvailabilityZone
		}
	}

	if size <= 0 {
		return nil, share.Errorf(share.KindInvalidInput, "share size %d is not a positive integer", size)
	}
	if !a.protocolEnabled(req.Protocol) {
		return nil, share.Errorf(share.KindInvalidInput, "invalid share protocol %q, enabled protocols are %v",
			req.Protocol, a.cfg.EnabledProtocols)
	}
	if az == "" {
		az = a.cfg.AvailabilityZone
	}
	if st != nil {
		if zones := st.ExtraSpecs[share.SpecAvailabilityZones]; zones != "" && az != "" {
			allowed := strings.Split(zones, ",")
			for i := range allowed {
				allowed[i] = strings.TrimSpace(allowed[i])
			}
			if !slices.Contains(allowed, az) {
				return nil, share.Errorf(share.KindInvalidInput,
					"availability zone %s is not supported by share type %s", az, st.Name)
			}
		}
	}

	now := a.clock.Now()
	s, err := share.NewShare(share.ShareOptions{
		Name:               req.Name,
		Description:        req.Description,
		ProjectID:          caller.ProjectID,
		UserID:             caller.UserID,
		Size:               size,
		Protocol:           req.Protocol,
		ShareType:          st,
		SnapshotID:         req.SnapshotID,
		ShareNetworkID:     req.ShareNetworkID,
		ConsistencyGroupID: req.ConsistencyGroupID,
		IsPublic:           req.IsPublic,
		Metadata:           req.Metadata,
	}, now)
	if err != nil {
		return nil, err
	}

	ids, err := a.quota.Reserve(ctx, caller.ProjectID, quota.Deltas{quota.Shares: 1, quota.Gigabytes: size})
	if err != nil {
		return nil, quotaError(err, caller.ProjectID, size)
	}
	if err := a.store.CreateShare(ctx, s); err != nil {
		a.rollback(ctx, caller.ProjectID, ids)
		return nil, fmt.Errorf("failed to create share: %w", err)
	}
	if err := a.quota.Commit(ctx, caller.ProjectID, ids); err != nil {
		if derr := a.store.DeleteShare(ctx, s.ID); derr != nil {
			logger.Error("api: share=%s cleanup after quota commit failure: %v", s.ID, derr)
		}
		a.rollback(ctx, caller.ProjectID, ids)
		return nil, fmt.Errorf("failed to commit quota: %w", err)
	}

	host := ""
	if src != nil {
		host = src.Host
	}
	inst, err := share.NewInstance(s.ID, host, az, req.ShareNetworkID, now)
	if err != nil {
		return nil, err
	}
	if err := a.store.CreateInstance(ctx, inst); err != nil {
		if derr := a.store.DeleteShare(ctx, s.ID); derr != nil {
			logger.Error("api: share=%s cleanup after instance failure: %v", s.ID, derr)
		}
		a.release(ctx, caller.ProjectID, quota.Deltas{quota.Shares: -1, quota.Gigabytes: -size})
		return nil, fmt.Errorf("failed to create share instance: %w", err)
	}

	spec := share.NewRequestSpec(s, inst, st)
	props := share.FilterProperties{RequestSpec: spec, ShareType: st, Size: size}
	if src != nil {
		err = a.shares.CreateShareInstance(ctx, host, rpcapi.CreateInstanceArgs{
			InstanceID:       inst.ID,
			RequestSpec:      spec,
			FilterProperties: props,
			SnapshotID:       snap.ID,
		})
	} else {
		err = a.scheduler.CreateShareInstance(ctx, rpcapi.ScheduleArgs{RequestSpec: spec, FilterProperties: props})
	}
	if err != nil {
		if _, aerr := a.machine.Apply(ctx, inst.ID, lifecycle.DriverError); aerr != nil {
			logger.Error("api: instance=%s failed to record dispatch error: %v", inst.ID, aerr)
		}
		return nil, fmt.Errorf("failed to dispatch share %s: %w", s.ID, err)
	}

	logger.Info("api: share=%s instance=%s created (%dG %s) for project=%s", s.ID, inst.ID, size, s.Protocol, s.ProjectID)
	return s, nil
}

// Delete removes a share. Instances placed on a host are deleted by their
// share manager; unplaced ones are dropped at once. The share's quota is
// released immediately.
func (a *ShareAPI) Delete(ctx context.Context, shareID string, force bool) error {
	s, instances, _, err := a.shareState(ctx, shareID)
	if err != nil {
		return err
	}
	if err := a.machine.CheckDeletable(ctx, s, force); err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.Host != "" {
			if err := a.deleteInstance(ctx, inst, force); err != nil {
				return err
			}
			continue
		}
		if _, err := a.machine.Apply(ctx, inst.ID, lifecycle.Delete, lifecycle.Force()); err != nil {
			return err
		}
		if err := a.machine.Deleted(ctx, inst.ID); err != nil {
			return err
		}
	}

	a.release(ctx, s.ProjectID, quota.Deltas{quota.Shares: -1, quota.Gigabytes: -s.Size})
	logger.Info("api: share=%s delete requested (force=%t)", s.ID, force)
	return nil
}

// DeleteInstance deletes one instance of a share.
func (a *ShareAPI) DeleteInstance(ctx context.Context, instanceID string, force bool) error {
	inst, err := a.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	return a.deleteInstance(ctx, inst, force)
}

func (a *ShareAPI) deleteInstance(ctx context.Context, inst *share.ShareInstance, force bool) error {
	var opts []lifecycle.Option
	if force {
		opts = append(opts, lifecycle.Force())
	}
	if _, err := a.machine.Apply(ctx, inst.ID, lifecycle.Delete, opts...); err != nil {
		if share.IsKind(err, share.KindInvalidState) {
			return &share.Error{Kind: share.KindInvalidShareInstance,
				Message:  fmt.Sprintf("instance status must be one of %v, but is %s", lifecycle.Allowed(lifecycle.Delete), inst.Status),
				Resource: "instance", ID: inst.ID}
		}
		return err
	}
	if err := a.shares.DeleteShareInstance(ctx, inst.Host, inst.ID, force); err != nil {
		return fmt.Errorf("failed to dispatch delete of instance %s: %w", inst.ID, err)
	}
	return nil
}

// Get returns a share with its instances.
func (a *ShareAPI) Get(ctx context.Context, shareID string) (*ShareDetail, error) {
	s, instances, _, err := a.shareState(ctx, shareID)
	if err != nil {
		return nil, err
	}
	return detail(s, instances), nil
}

// List returns the shares of a project ("" for all) ordered by ID.
func (a *ShareAPI) List(ctx context.Context, projectID string) ([]*ShareDetail, error) {
	shares, err := a.store.ListShares(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*ShareDetail, 0, len(shares))
	for _, s := range shares {
		instances, err := a.store.ListInstances(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, detail(s, instances))
	}
	return out, nil
}

// Extend grows a share to newSize GiB. The added gigabytes are reserved
// here and committed by the share manager once the backend has grown.
func (a *ShareAPI) Extend(ctx context.Context, shareID string, newSize int) error {
	s, _, primary, err := a.shareState(ctx, shareID)
	if err != nil {
		return err
	}
	if err := requireStatus(s, primary, "extend", share.StatusAvailable); err != nil {
		return err
	}
	if err := checkNotBusy(s); err != nil {
		return err
	}
	increase := newSize - s.Size
	if increase <= 0 {
		return share.Errorf(share.KindInvalidInput,
			"new size for extend must be greater than current size (current: %d, extended: %d)", s.Size, newSize)
	}

	ids, err := a.quota.Reserve(ctx, s.ProjectID, quota.Deltas{quota.Gigabytes: increase})
	if err != nil {
		return quotaError(err, s.ProjectID, increase)
	}
	return a.resize(ctx, s, primary, newSize, ids, lifecycle.Extend)
}

// Shrink reduces a share to newSize GiB. The share manager refuses to
// shrink below the used space and reports possible data loss instead.
func (a *ShareAPI) Shrink(ctx context.Context, shareID string, newSize int) error {
	s, _, primary, err := a.shareState(ctx, shareID)
	if err != nil {
		return err
	}
	if err := requireStatus(s, primary, "shrink", share.StatusAvailable, share.StatusShrinkingPossibleDataLossError); err != nil {
		return err
	}
	if err := checkNotBusy(s); err != nil {
		return err
	}
	decrease := s.Size - newSize
	if decrease <= 0 || newSize <= 0 {
		return share.Errorf(share.KindInvalidInput,
			"new size for shrink must be less than current size and greater than 0 (current: %d, new: %d)", s.Size, newSize)
	}

	ids, err := a.quota.Reserve(ctx, s.ProjectID, quota.Deltas{quota.Gigabytes: -decrease})
	if err != nil {
		return err
	}
	return a.resize(ctx, s, primary, newSize, ids, lifecycle.Shrink)
}

func (a *ShareAPI) resize(ctx context.Context, s *share.Share, inst *share.ShareInstance, newSize int, ids []string, event lifecycle.Event) error {
	if _, err := a.machine.Apply(ctx, inst.ID, event); err != nil {
		a.rollback(ctx, s.ProjectID, ids)
		return err
	}
	args := rpcapi.ResizeArgs{InstanceID: inst.ID, NewSize: newSize, ProjectID: s.ProjectID, ReservationIDs: ids}
	send := a.shares.ExtendShare
	if event == lifecycle.Shrink {
		send = a.shares.ShrinkShare
	}
	if err := send(ctx, inst.Host, args); err != nil {
		a.rollback(ctx, s.ProjectID, ids)
		if _, aerr := a.machine.Apply(ctx, inst.ID, lifecycle.DriverError); aerr != nil {
			logger.Error("api: instance=%s failed to record dispatch error: %v", inst.ID, aerr)
		}
		return fmt.Errorf("failed to dispatch %s of share %s: %w", event, s.ID, err)
	}
	logger.Info("api: share=%s %s to %dG requested", s.ID, event, newSize)
	return nil
}

// UpdateMetadata merges md into the share's metadata, or replaces it when
// replace is set, and returns the result.
func (a *ShareAPI) UpdateMetadata(ctx context.Context, shareID string, md map[string]string, replace bool) (map[string]string, error) {
	s, err := a.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string, len(md)+len(s.Metadata))
	if !replace {
		maps.Copy(merged, s.Metadata)
	}
	maps.Copy(merged, md)
	if err := checkMetadata(merged); err != nil {
		return nil, err
	}

	now := a.clock.Now()
	_, err = a.store.UpdateShare(ctx, shareID, func(s *share.Share) error {
		s.Metadata = merged
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// DeleteMetadata removes one metadata key.
func (a *ShareAPI) DeleteMetadata(ctx context.Context, shareID, key string) error {
	now := a.clock.Now()
	_, err := a.store.UpdateShare(ctx, shareID, func(s *share.Share) error {
		if _, ok := s.Metadata[key]; !ok {
			return &share.Error{Kind: share.KindNotFound, Message: fmt.Sprintf("metadata key %s not found", key), Resource: "share", ID: s.ID}
		}
		delete(s.Metadata, key)
		s.UpdatedAt = now
		return nil
	})
	return err
}

// DeleteShareServer asks the host of a share server to tear it down. A
// server still hosting instances is refused.
func (a *ShareAPI) DeleteShareServer(ctx context.Context, serverID string) error {
	srv, err := a.store.GetShareServer(ctx, serverID)
	if err != nil {
		return err
	}
	instances, err := a.store.ListInstancesByServer(ctx, serverID)
	if err != nil {
		return err
	}
	if len(instances) > 0 {
		return &share.Error{Kind: share.KindResourceBusy,
			Message: fmt.Sprintf("share server is in use by %d instances", len(instances)), Resource: "share server", ID: srv.ID}
	}
	if err := a.shares.DeleteShareServer(ctx, srv.Host, srv.ID); err != nil {
		return fmt.Errorf("failed to dispatch delete of share server %s: %w", srv.ID, err)
	}
	logger.Info("api: share server=%s delete requested on %s", srv.ID, srv.Host)
	return nil
}
