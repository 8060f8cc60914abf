// Package api is the tenant-facing façade of the control plane.
//
// ShareAPI validates a request, reserves quota and records the new rows,
// then hands the backend work to the scheduler or to the share manager of
// the target host through the rpcapi clients. Every precondition is checked
// before the first mutation, so a rejected request leaves the store and the
// quota engine untouched.
//
// Replica and migration requests are forwarded to the replication
// Coordinator and the migration Orchestrator, which own those workflows.
package api

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/migration"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/replication"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Config holds the share section of the configuration.
type Config struct {
	// EnabledProtocols are the protocols shares may be created with
	EnabledProtocols []share.Protocol `mapstructure:"enabled_protocols" yaml:"enabled_protocols" json:"enabled_protocols"`

	// DefaultShareType is the name of the share type used when a request
	// names none. Empty means untyped shares are allowed.
	DefaultShareType string `mapstructure:"default_share_type" yaml:"default_share_type" json:"default_share_type,omitempty"`

	// AvailabilityZone is assigned to instances whose request names none
	AvailabilityZone string `mapstructure:"storage_availability_zone" yaml:"storage_availability_zone" json:"storage_availability_zone,omitempty"`

	// ServiceDownTime is how stale a host heartbeat may be before manage
	// requests targeting it are refused
	ServiceDownTime time.Duration `mapstructure:"service_down_time" yaml:"service_down_time" json:"service_down_time"`
}

// DefaultConfig enables NFS and CIFS.
func DefaultConfig() Config {
	return Config{
		EnabledProtocols: []share.Protocol{share.ProtocolNFS, share.ProtocolCIFS},
		AvailabilityZone: "nova",
		ServiceDownTime:  60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if len(c.EnabledProtocols) == 0 {
		c.EnabledProtocols = def.EnabledProtocols
	}
	if c.ServiceDownTime <= 0 {
		c.ServiceDownTime = def.ServiceDownTime
	}
}

// Caller identifies who issues a request.
type Caller struct {
	ProjectID string
	UserID    string
	IsAdmin   bool
}

// Deps are the collaborators of a ShareAPI.
type Deps struct {
	Store       store.Store
	Quota       quota.Service
	Machine     *lifecycle.Machine
	Replication *replication.Coordinator
	Migration   *migration.Orchestrator
	Scheduler   *rpcapi.SchedulerClient
	Shares      *rpcapi.ShareClient

	// Clock defaults to the wall clock
	Clock clock.Clock
}

// ShareAPI serves share, access, snapshot, replica and migration requests.
type ShareAPI struct {
	cfg         Config
	store       store.Store
	quota       quota.Service
	machine     *lifecycle.Machine
	replication *replication.Coordinator
	migration   *migration.Orchestrator
	scheduler   *rpcapi.SchedulerClient
	shares      *rpcapi.ShareClient
	clock       clock.Clock
}

// New creates a ShareAPI.
func New(cfg Config, deps Deps) *ShareAPI {
	cfg.applyDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &ShareAPI{
		cfg:         cfg,
		store:       deps.Store,
		quota:       deps.Quota,
		machine:     deps.Machine,
		replication: deps.Replication,
		migration:   deps.Migration,
		scheduler:   deps.Scheduler,
		shares:      deps.Shares,
		clock:       clk,
	}
}

func (a *ShareAPI) protocolEnabled(p share.Protocol) bool {
	return slices.Contains(a.cfg.EnabledProtocols, p)
}

func checkNotBusy(s *share.Share) error {
	if s.TaskState.IsBusy() {
		return &share.Error{Kind: share.KindResourceBusy,
			Message: fmt.Sprintf("share is busy as part of an active task: %s", s.TaskState), Resource: "share", ID: s.ID}
	}
	return nil
}

// shareState loads a share with its instances and the status of its
// primary instance.
func (a *ShareAPI) shareState(ctx context.Context, shareID string) (*share.Share, []*share.ShareInstance, *share.ShareInstance, error) {
	s, err := a.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, nil, nil, err
	}
	instances, err := a.store.ListInstances(ctx, shareID)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, instances, share.PrimaryInstance(instances), nil
}

func requireStatus(s *share.Share, primary *share.ShareInstance, op string, allowed ...share.Status) error {
	status := share.StatusDeleted
	if primary != nil {
		status = primary.Status
	}
	if slices.Contains(allowed, status) {
		return nil
	}
	return &share.Error{Kind: share.KindInvalidShare,
		Message: fmt.Sprintf("share status must be one of %v to %s, but is %s", allowed, op, status), Resource: "share", ID: s.ID}
}

// consumed is the amount of r a project has in use or reserved.
func consumed(e *quota.OverQuotaError, r quota.Resource) int {
	u := e.Usages[r]
	return u.InUse + u.Reserved
}

// quotaError turns an over-quota failure into a KindQuota error describing
// the first exceeded resource. Other errors are returned as is.
func quotaError(err error, project string, requested int) error {
	var oqe *quota.OverQuotaError
	if !errors.As(err, &oqe) {
		return err
	}
	logger.Warn("api: project=%s over quota: %v", project, oqe)

	var msg string
	switch {
	case oqe.Exceeded(quota.Gigabytes):
		msg = fmt.Sprintf("requested share exceeds allowed gigabytes quota (requested %dG, %dG of %dG already consumed)",
			requested, consumed(oqe, quota.Gigabytes), oqe.Quotas[quota.Gigabytes])
	case oqe.Exceeded(quota.Shares):
		msg = fmt.Sprintf("maximum number of shares allowed (%d) exceeded", oqe.Quotas[quota.Shares])
	case oqe.Exceeded(quota.SnapshotGigabytes):
		msg = fmt.Sprintf("requested snapshot exceeds allowed snapshot gigabytes quota (requested %dG, %dG of %dG already consumed)",
			requested, consumed(oqe, quota.SnapshotGigabytes), oqe.Quotas[quota.SnapshotGigabytes])
	case oqe.Exceeded(quota.Snapshots):
		msg = fmt.Sprintf("maximum number of snapshots allowed (%d) exceeded", oqe.Quotas[quota.Snapshots])
	case oqe.Exceeded(quota.ReplicaGigabytes):
		msg = fmt.Sprintf("requested replica exceeds allowed replica gigabytes quota (requested %dG, %dG of %dG already consumed)",
			requested, consumed(oqe, quota.ReplicaGigabytes), oqe.Quotas[quota.ReplicaGigabytes])
	case oqe.Exceeded(quota.ShareReplicas):
		msg = fmt.Sprintf("maximum number of share replicas allowed (%d) exceeded", oqe.Quotas[quota.ShareReplicas])
	default:
		msg = oqe.Error()
	}
	return &share.Error{Kind: share.KindQuota, Message: msg, Resource: "project", ID: project}
}

// rollback releases reservations after a failed write. Its own failure is
// only logged so the write error reaches the caller.
func (a *ShareAPI) rollback(ctx context.Context, project string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := a.quota.Rollback(ctx, project, ids); err != nil {
		logger.Error("api: project=%s quota rollback failed: %v", project, err)
	}
}

// release books and commits a negative usage change. Failures are logged:
// a leaked usage count must not block a delete.
func (a *ShareAPI) release(ctx context.Context, project string, deltas quota.Deltas) {
	ids, err := a.quota.Reserve(ctx, project, deltas)
	if err != nil {
		logger.Error("api: project=%s failed to update quota: %v", project, err)
		return
	}
	if err := a.quota.Commit(ctx, project, ids); err != nil {
		logger.Error("api: project=%s failed to commit quota: %v", project, err)
	}
}
