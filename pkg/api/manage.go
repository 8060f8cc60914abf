package api

import (
	"context"
	"fmt"
	"slices"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

// ManageRequest asks to bring an existing backend export under management.
type ManageRequest struct {
	// Host is the full "service@backend#pool" the export lives on
	Host       string
	ExportPath string
	Protocol   share.Protocol
	ShareType  string

	Name          string
	Description   string
	IsPublic      bool
	DriverOptions map[string]string
}

// Manage records a share for an export that already exists on a backend
// and asks the backend's share manager to adopt it. The share's size is
// filled in by the share manager from what the driver reports, which is
// also when quota is charged. A share whose previous manage attempt failed
// is retried in place.
func (a *ShareAPI) Manage(ctx context.Context, caller Caller, req ManageRequest) (*share.Share, error) {
	if req.ExportPath == "" {
		return nil, share.Errorf(share.KindInvalidInput, "export path is required")
	}
	if share.ExtractHost(req.Host, share.LevelPool) == "" {
		return nil, share.Errorf(share.KindInvalidInput, "host %q must name a pool (service@backend#pool)", req.Host)
	}
	if !a.protocolEnabled(req.Protocol) {
		return nil, share.Errorf(share.KindInvalidInput, "invalid share protocol %q, enabled protocols are %v",
			req.Protocol, a.cfg.EnabledProtocols)
	}
	st, err := a.resolveShareType(ctx, req.ShareType)
	if err != nil {
		return nil, err
	}
	if st != nil && st.DriverHandlesShareServers() {
		return nil, share.Errorf(share.KindInvalidInput,
			"share type %s has driver_handles_share_servers set, which manage does not support", st.Name)
	}
	if err := a.checkHostUp(ctx, req.Host); err != nil {
		return nil, err
	}

	existing, inst, err := a.findManaged(ctx, req.Host, req.ExportPath)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	var s *share.Share
	if existing != nil {
		if inst.Status != share.StatusManageError {
			return nil, &share.Error{Kind: share.KindConflict,
				Message: fmt.Sprintf("export %s on %s is already managed", req.ExportPath, req.Host), Resource: "share", ID: existing.ID}
		}
		s, err = a.store.UpdateShare(ctx, existing.ID, func(s *share.Share) error {
			s.Name = req.Name
			s.Description = req.Description
			s.IsPublic = req.IsPublic
			s.UpdatedAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		// Size is a placeholder until the driver reports the real one.
		s, err = share.NewShare(share.ShareOptions{
			Name:        req.Name,
			Description: req.Description,
			ProjectID:   caller.ProjectID,
			UserID:      caller.UserID,
			Size:        1,
			Protocol:    req.Protocol,
			ShareType:   st,
			IsPublic:    req.IsPublic,
		}, now)
		if err != nil {
			return nil, err
		}
		if err := a.store.CreateShare(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to create share: %w", err)
		}
		inst, err = share.NewInstance(s.ID, req.Host, a.cfg.AvailabilityZone, "", now)
		if err != nil {
			return nil, err
		}
		inst.Status = share.StatusNew
		inst.ExportLocations = []string{req.ExportPath}
		if err := a.store.CreateInstance(ctx, inst); err != nil {
			return nil, fmt.Errorf("failed to create share instance: %w", err)
		}
	}

	if _, err := a.machine.Apply(ctx, inst.ID, lifecycle.Manage); err != nil {
		return nil, err
	}
	args := rpcapi.ManageArgs{InstanceID: inst.ID, ExportPath: req.ExportPath, Options: req.DriverOptions}
	if err := a.shares.ManageShare(ctx, req.Host, args); err != nil {
		if _, aerr := a.machine.Apply(ctx, inst.ID, lifecycle.DriverError); aerr != nil {
			logger.Error("api: instance=%s failed to record dispatch error: %v", inst.ID, aerr)
		}
		return nil, &share.Error{Kind: share.KindInvalidHost,
			Message: fmt.Sprintf("host %s did not accept managing the share: %v", req.Host, err), Resource: "share", ID: s.ID}
	}
	logger.Info("api: share=%s manage of %s on %s requested", s.ID, req.ExportPath, req.Host)
	return s, nil
}

// checkHostUp verifies a share service runs for host's backend.
func (a *ShareAPI) checkHostUp(ctx context.Context, host string) error {
	backend := share.ExtractHost(host, share.LevelBackend)
	svc, err := a.store.GetService(ctx, share.TopicShare, backend)
	if share.IsNotFound(err) {
		return &share.Error{Kind: share.KindServiceNotFound, Message: "no share service registered", Resource: "host", ID: backend}
	}
	if err != nil {
		return err
	}
	if svc.Disabled || !svc.IsUp(a.clock.Now(), a.cfg.ServiceDownTime) {
		return &share.Error{Kind: share.KindInvalidHost, Message: "share service is disabled or down", Resource: "host", ID: backend}
	}
	return nil
}

// findManaged returns the share, if any, whose instance on host exports path.
func (a *ShareAPI) findManaged(ctx context.Context, host, path string) (*share.Share, *share.ShareInstance, error) {
	shares, err := a.store.ListShares(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	for _, s := range shares {
		instances, err := a.store.ListInstances(ctx, s.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, inst := range instances {
			if inst.Host == host && slices.Contains(inst.ExportLocations, path) {
				return s, inst, nil
			}
		}
	}
	return nil, nil, nil
}

// Unmanage releases a share from management without touching its data on
// the backend.
func (a *ShareAPI) Unmanage(ctx context.Context, shareID string) error {
	s, instances, _, err := a.shareState(ctx, shareID)
	if err != nil {
		return err
	}
	if err := checkNotBusy(s); err != nil {
		return err
	}
	if len(instances) != 1 {
		return &share.Error{Kind: share.KindConflict,
			Message: fmt.Sprintf("share has %d instances, unmanage needs exactly one", len(instances)), Resource: "share", ID: s.ID}
	}
	inst := instances[0]
	if _, err := a.machine.Apply(ctx, inst.ID, lifecycle.Unmanage); err != nil {
		if share.IsKind(err, share.KindInvalidState) {
			return &share.Error{Kind: share.KindInvalidShare,
				Message: fmt.Sprintf("share cannot be unmanaged from status %s", inst.Status), Resource: "share", ID: s.ID}
		}
		return err
	}
	if err := a.shares.UnmanageShare(ctx, inst.Host, inst.ID); err != nil {
		return fmt.Errorf("failed to dispatch unmanage of share %s: %w", s.ID, err)
	}
	logger.Info("api: share=%s unmanage requested", s.ID)
	return nil
}
