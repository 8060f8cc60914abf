// Package migration drives share migrations between hosts.
//
// A migration is tracked by the share's task_state. The Orchestrator
// validates a request, moves the share to migration_starting and hands it
// to the scheduler, which checks the destination and starts the work on the
// source host. From there the share manager (driver-assisted path) or the
// data service (host-assisted path) report each phase back through
// SetTaskState until Finish records the outcome.
//
// Progress and cancellation are routed by phase: while the driver copies,
// the source host answers; while the data service copies, the data topic
// does. Completion is an explicit second step requested by the user once
// the first phase is done.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Config configures migrations.
type Config struct {
	// DriverContinueInterval is how often the source host polls a
	// driver-assisted migration for the end of its first phase.
	// Default: 10s
	DriverContinueInterval time.Duration `mapstructure:"driver_continue_interval" yaml:"driver_continue_interval" json:"driver_continue_interval"`

	// ProgressCallTimeout bounds the synchronous progress and cancel calls.
	// Default: 30s
	ProgressCallTimeout time.Duration `mapstructure:"progress_call_timeout" yaml:"progress_call_timeout" json:"progress_call_timeout"`

	// ServiceDownTime is how stale the destination service's heartbeat may
	// be for the destination to be accepted.
	// Default: 60s
	ServiceDownTime time.Duration `mapstructure:"service_down_time" yaml:"service_down_time" json:"service_down_time"`
}

// DefaultConfig returns the migration defaults.
func DefaultConfig() Config {
	return Config{
		DriverContinueInterval: 10 * time.Second,
		ProgressCallTimeout:    30 * time.Second,
		ServiceDownTime:        60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DriverContinueInterval <= 0 {
		c.DriverContinueInterval = d.DriverContinueInterval
	}
	if c.ProgressCallTimeout <= 0 {
		c.ProgressCallTimeout = d.ProgressCallTimeout
	}
	if c.ServiceDownTime <= 0 {
		c.ServiceDownTime = d.ServiceDownTime
	}
}

// StartRequest asks to move a share to another host.
type StartRequest struct {
	ShareID                    string
	DestHost                   string
	ForceHostAssistedMigration bool
	Writable                   bool
	PreserveMetadata           bool
	NewShareNetworkID          string
}

// Session is the in-memory record of a running migration.
type Session struct {
	ShareID               string
	DestHost              string
	SourceInstanceID      string
	DestinationInstanceID string
	TaskState             share.TaskState
	Progress              int
	Details               map[string]string
	StartedAt             time.Time
	UpdatedAt             time.Time
}

// Orchestrator validates and tracks migrations.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	scheduler *rpcapi.SchedulerClient
	shares    *rpcapi.ShareClient
	data      *rpcapi.DataClient
	clock     clock.Clock
	metrics   metrics.MigrationMetrics
	locks     *kmutex.Kmutex

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an Orchestrator. A nil clock uses the wall clock and nil
// metrics a no-op implementation.
func New(cfg Config, st store.Store, sched *rpcapi.SchedulerClient, shares *rpcapi.ShareClient, data *rpcapi.DataClient, clk clock.Clock, m metrics.MigrationMetrics) *Orchestrator {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	if m == nil {
		m = metrics.NewNoopMigrationMetrics()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		shares:    shares,
		data:      data,
		clock:     clk,
		metrics:   m,
		locks:     kmutex.New(),
		sessions:  make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start validates a migration request and hands it to the scheduler. No
// state changes unless every precondition holds.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) error {
	o.locks.Lock(req.ShareID)
	defer o.locks.Unlock(req.ShareID)

	s, err := o.store.GetShare(ctx, req.ShareID)
	if err != nil {
		return err
	}
	instances, err := o.store.ListInstances(ctx, s.ID)
	if err != nil {
		return err
	}
	src, err := o.checkStart(ctx, s, instances, req.DestHost)
	if err != nil {
		return err
	}

	from := s.TaskState
	_, err = o.store.UpdateShare(ctx, s.ID, func(s *share.Share) error {
		if s.TaskState.IsBusy() {
			return busy(s)
		}
		s.TaskState = share.TaskStateMigrationStarting
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.RecordTransition(taskLabel(from), string(share.TaskStateMigrationStarting))

	now := o.clock.Now()
	o.mu.Lock()
	o.sessions[s.ID] = &Session{
		ShareID:          s.ID,
		DestHost:         req.DestHost,
		SourceInstanceID: src.ID,
		TaskState:        share.TaskStateMigrationStarting,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	o.metrics.SetActiveSessions(len(o.sessions))
	o.mu.Unlock()

	var st *share.ShareType
	if s.ShareTypeID != "" {
		if st, err = o.store.GetShareType(ctx, s.ShareTypeID); err != nil && !share.IsNotFound(err) {
			return err
		}
	}
	args := rpcapi.MigrateToHostArgs{
		ShareID:                    s.ID,
		DestHost:                   req.DestHost,
		ForceHostAssistedMigration: req.ForceHostAssistedMigration,
		Writable:                   req.Writable,
		PreserveMetadata:           req.PreserveMetadata,
		NewShareNetworkID:          req.NewShareNetworkID,
		RequestSpec:                share.NewRequestSpec(s, src, st),
	}
	if err := o.scheduler.MigrateShareToHost(ctx, args); err != nil {
		if ferr := o.finish(ctx, s.ID, share.TaskStateMigrationError); ferr != nil {
			logger.Error("migration: failed to record failed start of share=%s: %v", s.ID, ferr)
		}
		return &share.Error{Kind: share.KindInvalidHost,
			Message: fmt.Sprintf("destination %s could not be reached: %v", req.DestHost, err), Resource: "share", ID: s.ID}
	}
	logger.Info("migration: share=%s from %s to %s requested (host-assisted=%t)",
		s.ID, src.Host, req.DestHost, req.ForceHostAssistedMigration)
	return nil
}

// checkStart runs the start preconditions in order and returns the
// instance to migrate.
func (o *Orchestrator) checkStart(ctx context.Context, s *share.Share, instances []*share.ShareInstance, destHost string) (*share.ShareInstance, error) {
	replicas := 0
	for _, inst := range instances {
		if inst.IsReplica() {
			replicas++
		}
	}
	if replicas > 1 {
		return nil, &share.Error{Kind: share.KindConflict,
			Message: "share has replicas, remove them before migrating", Resource: "share", ID: s.ID}
	}
	if len(instances) != 1 {
		return nil, &share.Error{Kind: share.KindInvalidShare,
			Message: fmt.Sprintf("share must have exactly one instance, it has %d", len(instances)), Resource: "share", ID: s.ID}
	}
	src := instances[0]
	if src.Status != share.StatusAvailable {
		return nil, &share.Error{Kind: share.KindInvalidShare,
			Message: fmt.Sprintf("instance %s must be available, it is %s", src.ID, src.Status), Resource: "share", ID: s.ID}
	}
	if s.TaskState.IsBusy() {
		return nil, busy(s)
	}
	if destHost == src.Host {
		return nil, &share.Error{Kind: share.KindInvalidHost,
			Message: fmt.Sprintf("destination %s must differ from the current host", destHost), Resource: "share", ID: s.ID}
	}
	snaps, err := o.store.ListSnapshots(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if len(snaps) > 0 {
		return nil, &share.Error{Kind: share.KindInvalidShare,
			Message: "share must not have snapshots", Resource: "share", ID: s.ID}
	}

	backend := share.ExtractHost(destHost, share.LevelBackend)
	svc, err := o.store.GetService(ctx, share.TopicShare, backend)
	if share.IsNotFound(err) {
		return nil, &share.Error{Kind: share.KindServiceNotFound,
			Message: "no share service registered", Resource: "host", ID: backend}
	}
	if err != nil {
		return nil, err
	}
	if svc.Disabled || !svc.IsUp(o.clock.Now(), o.cfg.ServiceDownTime) {
		return nil, &share.Error{Kind: share.KindInvalidHost,
			Message: "share service is down or disabled", Resource: "host", ID: backend}
	}
	return src, nil
}

func busy(s *share.Share) error {
	return &share.Error{Kind: share.KindResourceBusy,
		Message: fmt.Sprintf("share has task %s in progress", s.TaskState), Resource: "share", ID: s.ID}
}

func taskLabel(t share.TaskState) string {
	if t == share.TaskStateNone {
		return "none"
	}
	return string(t)
}

// instancesByStatus returns the source (migrating) and destination
// (migrating_to) instances, requiring exactly one of each.
func (o *Orchestrator) instancesByStatus(ctx context.Context, shareID string) (src, dest *share.ShareInstance, err error) {
	instances, err := o.store.ListInstances(ctx, shareID)
	if err != nil {
		return nil, nil, err
	}
	var srcs, dests []*share.ShareInstance
	for _, inst := range instances {
		switch inst.Status {
		case share.StatusMigrating:
			srcs = append(srcs, inst)
		case share.StatusMigratingTo:
			dests = append(dests, inst)
		}
	}
	if len(srcs) != 1 || len(dests) != 1 {
		return nil, nil, &share.Error{Kind: share.KindMigrationFailed,
			Message:  fmt.Sprintf("instances in inconsistent states: %d migrating, %d migrating_to", len(srcs), len(dests)),
			Resource: "share", ID: shareID}
	}
	return srcs[0], dests[0], nil
}

// sourceOf finds the instance being migrated away.
func (o *Orchestrator) sourceOf(ctx context.Context, shareID string) (*share.ShareInstance, string, error) {
	sess, ok := o.Session(shareID)
	if ok && sess.SourceInstanceID != "" {
		inst, err := o.store.GetInstance(ctx, sess.SourceInstanceID)
		if err == nil {
			return inst, sess.DestinationInstanceID, nil
		}
		if !share.IsNotFound(err) {
			return nil, "", err
		}
	}
	instances, err := o.store.ListInstances(ctx, shareID)
	if err != nil {
		return nil, "", err
	}
	var src *share.ShareInstance
	dest := ""
	for _, inst := range instances {
		switch inst.Status {
		case share.StatusMigrating:
			src = inst
		case share.StatusMigratingTo:
			dest = inst.ID
		}
	}
	if src == nil {
		return nil, "", &share.Error{Kind: share.KindMigrationFailed,
			Message: "no instance is migrating", Resource: "share", ID: shareID}
	}
	return src, dest, nil
}

// GetProgress asks whoever is copying the data how far it got.
func (o *Orchestrator) GetProgress(ctx context.Context, shareID string) (*share.ProgressReport, error) {
	s, err := o.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	var report *share.ProgressReport
	switch s.TaskState {
	case share.TaskStateMigrationDriverInProgress:
		src, dest, err := o.sourceOf(ctx, shareID)
		if err != nil {
			return nil, err
		}
		args := rpcapi.MigrationArgs{ShareID: shareID, SourceInstanceID: src.ID, DestinationInstanceID: dest}
		if report, err = o.shares.MigrationGetProgress(ctx, src.Host, args, o.cfg.ProgressCallTimeout); err != nil {
			return nil, err
		}
	case share.TaskStateDataCopyingInProgress:
		if report, err = o.data.DataCopyGetProgress(ctx, shareID, o.cfg.ProgressCallTimeout); err != nil {
			return nil, err
		}
	default:
		return nil, &share.Error{Kind: share.KindInvalidShare,
			Message:  fmt.Sprintf("migration progress cannot be obtained in task state %s", taskLabel(s.TaskState)),
			Resource: "share", ID: shareID}
	}
	if report.TaskState == "" {
		report.TaskState = s.TaskState
	}
	o.UpdateProgress(shareID, report)
	return report, nil
}

// Cancel stops the first phase of a migration.
func (o *Orchestrator) Cancel(ctx context.Context, shareID string) error {
	s, err := o.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	switch s.TaskState {
	case share.TaskStateMigrationDriverInProgress:
		src, dest, err := o.sourceOf(ctx, shareID)
		if err != nil {
			return err
		}
		args := rpcapi.MigrationArgs{ShareID: shareID, SourceInstanceID: src.ID, DestinationInstanceID: dest}
		if err := o.shares.MigrationCancel(ctx, src.Host, args, o.cfg.ProgressCallTimeout); err != nil {
			return err
		}
	case share.TaskStateDataCopyingInProgress:
		if err := o.data.DataCopyCancel(ctx, shareID, o.cfg.ProgressCallTimeout); err != nil {
			return err
		}
	default:
		return &share.Error{Kind: share.KindInvalidShare,
			Message:  fmt.Sprintf("migration cannot be cancelled in task state %s", taskLabel(s.TaskState)),
			Resource: "share", ID: shareID}
	}
	logger.Info("migration: cancellation of share=%s requested", shareID)
	return nil
}

// Complete runs the second phase: the source host cuts over to the
// destination and retires the source instance. Inconsistent instance
// states are reported and left for an operator.
func (o *Orchestrator) Complete(ctx context.Context, shareID string) error {
	s, err := o.store.GetShare(ctx, shareID)
	if err != nil {
		return err
	}
	switch s.TaskState {
	case share.TaskStateDataCopyingCompleted, share.TaskStateMigrationDriverPhase1Done:
	default:
		return &share.Error{Kind: share.KindInvalidShare,
			Message: "first migration phase not completed yet", Resource: "share", ID: shareID}
	}
	src, dest, err := o.instancesByStatus(ctx, shareID)
	if err != nil {
		logger.Error("migration: cannot complete share=%s: %v", shareID, err)
		return err
	}
	args := rpcapi.MigrationArgs{ShareID: shareID, SourceInstanceID: src.ID, DestinationInstanceID: dest.ID}
	if err := o.shares.MigrationComplete(ctx, src.Host, args); err != nil {
		return err
	}
	logger.Info("migration: completion of share=%s requested (%s -> %s)", shareID, src.ID, dest.ID)
	return nil
}

// ============================================================================
// Callbacks
// ============================================================================

// SetTaskState moves the share's task state along the transition table.
// Terminal states go through Finish, which also closes the session.
func (o *Orchestrator) SetTaskState(ctx context.Context, shareID string, to share.TaskState) error {
	if IsTerminal(to) {
		return o.Finish(ctx, shareID, to)
	}
	var from share.TaskState
	_, err := o.store.UpdateShare(ctx, shareID, func(s *share.Share) error {
		if err := checkTransition(shareID, s.TaskState, to); err != nil {
			return err
		}
		from = s.TaskState
		s.TaskState = to
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.RecordTransition(taskLabel(from), string(to))
	o.touch(shareID, func(sess *Session) { sess.TaskState = to })
	logger.Debug("migration: share=%s task state %s -> %s", shareID, taskLabel(from), to)
	return nil
}

// AttachDestination records the instance created on the destination host.
func (o *Orchestrator) AttachDestination(shareID, instanceID string) {
	o.touch(shareID, func(sess *Session) { sess.DestinationInstanceID = instanceID })
}

// UpdateProgress records the latest progress report of a migration.
func (o *Orchestrator) UpdateProgress(shareID string, report *share.ProgressReport) {
	o.touch(shareID, func(sess *Session) {
		sess.Progress = report.TotalProgress
		sess.Details = report.Details
	})
}

// Finish ends a migration with a terminal task state and closes the
// session.
func (o *Orchestrator) Finish(ctx context.Context, shareID string, final share.TaskState) error {
	if !IsTerminal(final) {
		return share.Errorf(share.KindInvalidInput, "task state %s does not end a migration", final)
	}
	return o.finish(ctx, shareID, final)
}

func (o *Orchestrator) finish(ctx context.Context, shareID string, final share.TaskState) error {
	var from share.TaskState
	_, err := o.store.UpdateShare(ctx, shareID, func(s *share.Share) error {
		if s.TaskState == share.TaskStateNone || (IsTerminal(s.TaskState) && s.TaskState != final) {
			return checkTransition(shareID, s.TaskState, final)
		}
		// Errors may end a migration from any running phase.
		if final != share.TaskStateMigrationError && !IsTerminal(s.TaskState) {
			if err := checkTransition(shareID, s.TaskState, final); err != nil {
				return err
			}
		}
		from = s.TaskState
		s.TaskState = final
		return nil
	})
	if err != nil {
		return err
	}
	o.metrics.RecordTransition(taskLabel(from), string(final))

	o.mu.Lock()
	delete(o.sessions, shareID)
	o.metrics.SetActiveSessions(len(o.sessions))
	o.mu.Unlock()

	logger.Info("migration: share=%s finished with %s", shareID, final)
	return nil
}

func (o *Orchestrator) touch(shareID string, fn func(*Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[shareID]
	if !ok {
		return
	}
	fn(sess)
	sess.UpdatedAt = o.clock.Now()
}

// Session returns a copy of the session of a running migration.
func (o *Orchestrator) Session(shareID string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[shareID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}
