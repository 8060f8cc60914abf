// Package manager implements the share service: the RPC endpoint of one
// storage backend.
//
// A Manager receives the casts and calls addressed to its backend
// ("service@backend"), drives the backend through a driver.Driver and
// reports every outcome back through the instance state machine, the
// replication coordinator and the migration orchestrator.
//
// Besides the RPC handlers a Manager runs a background worker that:
//   - refreshes the service heartbeat
//   - reports backend capabilities to the scheduler
//   - advances driver-assisted migrations and refreshes out-of-sync
//     replicas
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Config configures one share service.
type Config struct {
	// Host is the "service@backend" the manager serves.
	Host string `mapstructure:"host" yaml:"host" json:"host" validate:"required"`

	AvailabilityZone string `mapstructure:"availability_zone" yaml:"availability_zone" json:"availability_zone"`

	// HeartbeatInterval is how often the service record is refreshed. It
	// must stay well below the scheduler's service_down_time.
	// Default: 10s
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// ReportInterval is how often capabilities are sent to the scheduler.
	// Default: 60s
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval" json:"report_interval"`

	// PollInterval is how often driver-assisted migrations are continued
	// and out-of-sync replicas refreshed.
	// Default: 10s
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`

	// CallTimeout bounds synchronous calls to other hosts.
	// Default: 30s
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" json:"call_timeout"`
}

// DefaultConfig returns the manager defaults for host.
func DefaultConfig(host string) Config {
	return Config{
		Host:              host,
		HeartbeatInterval: 10 * time.Second,
		ReportInterval:    60 * time.Second,
		PollInterval:      10 * time.Second,
		CallTimeout:       30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.Host)
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = d.ReportInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	c.Host = share.ExtractHost(c.Host, share.LevelBackend)
}

// ReplicaCallbacks receives the outcome of replica operations. The
// replication coordinator implements it.
type ReplicaCallbacks interface {
	ReplicaCreated(ctx context.Context, replicaID string, update driver.ReplicaUpdate) error
	ReplicaCreateFailed(ctx context.Context, replicaID string, cause error) error
	PromotionCompleted(ctx context.Context, replicaID string, updates []driver.ReplicaUpdate) error
	PromotionFailed(ctx context.Context, replicaID string, cause error) error
	ReplicaStateReported(ctx context.Context, replicaID string, state share.ReplicaState) error
	ReplicaDeleted(ctx context.Context, replicaID string) error
	ReplicaDeleteFailed(ctx context.Context, replicaID string, cause error) error
}

// MigrationCallbacks receives migration progress. The migration
// orchestrator implements it.
type MigrationCallbacks interface {
	SetTaskState(ctx context.Context, shareID string, to share.TaskState) error
	AttachDestination(shareID, instanceID string)
	UpdateProgress(shareID string, report *share.ProgressReport)
	Finish(ctx context.Context, shareID string, final share.TaskState) error
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store       store.Store
	Driver      driver.Driver
	Machine     *lifecycle.Machine
	Access      *access.Synchronizer
	Replication ReplicaCallbacks
	Migration   MigrationCallbacks
	Quota       quota.Service
	Scheduler   *rpcapi.SchedulerClient
	Shares      *rpcapi.ShareClient
	Data        *rpcapi.DataClient
	Clock       clock.Clock
}

// Manager serves the share topic of one backend.
//
// Thread Safety: handlers may run concurrently; per-instance ordering is
// provided by the access synchronizer and the store's atomic updates.
type Manager struct {
	cfg         Config
	store       store.Store
	driver      driver.Driver
	machine     *lifecycle.Machine
	access      *access.Synchronizer
	replication ReplicaCallbacks
	migration   MigrationCallbacks
	quota       quota.Service
	scheduler   *rpcapi.SchedulerClient
	shares      *rpcapi.ShareClient
	data        *rpcapi.DataClient
	clock       clock.Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New creates a Manager. A nil clock uses the wall clock.
func New(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		cfg:         cfg,
		store:       deps.Store,
		driver:      deps.Driver,
		machine:     deps.Machine,
		access:      deps.Access,
		replication: deps.Replication,
		migration:   deps.Migration,
		quota:       deps.Quota,
		scheduler:   deps.Scheduler,
		shares:      deps.Shares,
		data:        deps.Data,
		clock:       clk,
	}
}

// Host returns the "service@backend" the manager serves.
func (m *Manager) Host() string {
	return m.cfg.Host
}

// Target returns the RPC target the manager's router must be registered at.
func (m *Manager) Target() rpc.Target {
	return rpcapi.ShareTarget(m.cfg.Host)
}

// Router returns the RPC router of the share topic.
func (m *Manager) Router() *rpc.Router {
	r := rpc.NewRouter()
	rpc.HandleCast(r, rpcapi.MethodCreateInstance, m.createShareInstance)
	rpc.HandleCast(r, rpcapi.MethodDeleteInstance, m.deleteShareInstance)
	rpc.HandleCast(r, rpcapi.MethodUpdateAccess, m.updateAccess)
	rpc.HandleCast(r, rpcapi.MethodExtendShare, m.extendShare)
	rpc.HandleCast(r, rpcapi.MethodShrinkShare, m.shrinkShare)
	rpc.HandleCast(r, rpcapi.MethodCreateSnapshot, m.createSnapshot)
	rpc.HandleCast(r, rpcapi.MethodDeleteSnapshot, m.deleteSnapshot)
	rpc.HandleCast(r, rpcapi.MethodManageShare, m.manageShare)
	rpc.HandleCast(r, rpcapi.MethodUnmanageShare, m.unmanageShare)
	rpc.HandleCast(r, rpcapi.MethodDeleteShareServer, m.deleteShareServer)

	rpc.HandleCast(r, rpcapi.MethodCreateReplica, m.createShareReplica)
	rpc.HandleCast(r, rpcapi.MethodDeleteReplica, m.deleteShareReplica)
	rpc.HandleCast(r, rpcapi.MethodPromoteReplica, m.promoteShareReplica)
	rpc.HandleCast(r, rpcapi.MethodUpdateReplica, m.updateShareReplica)

	rpc.HandleCast(r, rpcapi.MethodMigrationStart, m.migrationStart)
	rpc.HandleCast(r, rpcapi.MethodMigrationComplete, m.migrationComplete)
	rpc.HandleCast(r, rpcapi.MethodHostAssistedCompletion, m.migrationDataCopyDone)
	rpc.HandleCast(r, rpcapi.MethodMigrationCancel, m.migrationCancel)
	rpc.HandleFunc(r, rpcapi.MethodMigrationGetProgress, m.migrationGetProgress)
	rpc.HandleFunc(r, rpcapi.MethodGetConnectionInfo, m.getConnectionInfo)
	return r
}

// ============================================================================
// Background worker
// ============================================================================

// Start registers the service, sends a first capability report and starts
// the background worker. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	now := m.clock.Now()
	svc := &share.Service{
		ID:               share.NewID(),
		Host:             m.cfg.Host,
		Topic:            share.TopicShare,
		AvailabilityZone: m.cfg.AvailabilityZone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.RegisterService(ctx, svc); err != nil {
		return fmt.Errorf("failed to register share service %s: %w", m.cfg.Host, err)
	}
	if err := m.ReportCapabilities(ctx); err != nil {
		logger.Warn("manager: %s first capability report failed: %v", m.cfg.Host, err)
	}

	logger.Info("manager: starting %s (driver=%s heartbeat=%s report=%s poll=%s)",
		m.cfg.Host, m.driver.Name(), m.cfg.HeartbeatInterval, m.cfg.ReportInterval, m.cfg.PollInterval)

	wctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	m.running = true
	go m.worker(wctx, m.doneCh)
	return nil
}

// Stop stops the background worker and waits for it to finish, or for ctx
// to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	done := m.doneCh
	m.mu.Unlock()

	select {
	case <-done:
		logger.Info("manager: %s stopped", m.cfg.Host)
		return nil
	case <-ctx.Done():
		logger.Warn("manager: %s shutdown timeout", m.cfg.Host)
		return ctx.Err()
	}
}

func (m *Manager) worker(ctx context.Context, done chan struct{}) {
	defer close(done)

	heartbeat := m.clock.After(m.cfg.HeartbeatInterval)
	report := m.clock.After(m.cfg.ReportInterval)
	poll := m.clock.After(m.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			if err := m.Heartbeat(ctx); err != nil {
				logger.Error("manager: %s heartbeat failed: %v", m.cfg.Host, err)
			}
			heartbeat = m.clock.After(m.cfg.HeartbeatInterval)
		case <-report:
			if err := m.ReportCapabilities(ctx); err != nil {
				logger.Error("manager: %s capability report failed: %v", m.cfg.Host, err)
			}
			report = m.clock.After(m.cfg.ReportInterval)
		case <-poll:
			m.Poll(ctx)
			poll = m.clock.After(m.cfg.PollInterval)
		}
	}
}

// Heartbeat refreshes the service record so the scheduler keeps
// considering this backend up.
func (m *Manager) Heartbeat(ctx context.Context) error {
	now := m.clock.Now()
	_, err := m.store.UpdateService(ctx, share.TopicShare, m.cfg.Host, func(svc *share.Service) error {
		svc.UpdatedAt = now
		return nil
	})
	return err
}

// ReportCapabilities sends a fresh capability report to the scheduler.
func (m *Manager) ReportCapabilities(ctx context.Context) error {
	stats, err := m.driver.GetShareStats(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to get share stats: %w", err)
	}
	return m.scheduler.UpdateServiceCapabilities(ctx, rpcapi.CapabilitiesArgs{
		Host:      m.cfg.Host,
		Stats:     stats,
		Timestamp: m.clock.Now(),
	})
}

// Poll runs one round of the periodic tasks. It continues driver-assisted
// migrations whose source lives here, refreshes out-of-sync replicas and
// resumes access rule reconciliation that was never dispatched or gave up.
func (m *Manager) Poll(ctx context.Context) {
	shares, err := m.store.ListShares(ctx, "")
	if err != nil {
		logger.Error("manager: %s failed to list shares: %v", m.cfg.Host, err)
		return
	}
	for _, s := range shares {
		if ctx.Err() != nil {
			return
		}
		instances, err := m.store.ListInstances(ctx, s.ID)
		if err != nil {
			logger.Error("manager: failed to list instances of share=%s: %v", s.ID, err)
			continue
		}
		if s.TaskState == share.TaskStateMigrationDriverInProgress {
			m.continueMigration(ctx, s, instances)
		}
		for _, inst := range instances {
			if m.owns(inst) && inst.ReplicaState == share.ReplicaStateOutOfSync && inst.Status == share.StatusAvailable {
				if err := m.refreshReplica(ctx, inst.ID); err != nil {
					logger.Warn("manager: refresh of replica=%s failed: %v", inst.ID, err)
				}
			}
			if m.owns(inst) && inst.AccessRulesStatus == share.AccessRulesOutOfSync && inst.Status == share.StatusAvailable {
				if err := m.updateAccess(ctx, rpcapi.InstanceArgs{InstanceID: inst.ID}); err != nil {
					logger.Warn("manager: access update of instance=%s failed: %v", inst.ID, err)
				}
			}
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

// owns reports whether inst lives on this manager's backend.
func (m *Manager) owns(inst *share.ShareInstance) bool {
	return inst.Host != "" && share.ExtractHost(inst.Host, share.LevelBackend) == m.cfg.Host
}

// load returns an instance and its share.
func (m *Manager) load(ctx context.Context, instanceID string) (*share.ShareInstance, *share.Share, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	s, err := m.store.GetShare(ctx, inst.ShareID)
	if err != nil {
		return nil, nil, err
	}
	return inst, s, nil
}

// shareServer returns the share server of inst, or nil when the backend
// does not handle share servers.
func (m *Manager) shareServer(ctx context.Context, inst *share.ShareInstance) (*share.ShareServer, error) {
	if inst.ShareServerID == "" {
		return nil, nil
	}
	srv, err := m.store.GetShareServer(ctx, inst.ShareServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load share server of instance %s: %w", inst.ID, err)
	}
	return srv, nil
}

// driverError records a failed driver call on an instance and returns the
// cause.
func (m *Manager) driverError(ctx context.Context, instanceID, op string, cause error) error {
	logger.Error("manager: %s of instance=%s failed: %v", op, instanceID, cause)
	if _, err := m.machine.Apply(ctx, instanceID, lifecycle.DriverError); err != nil {
		logger.Error("manager: failed to record %s error on instance=%s: %v", op, instanceID, err)
	}
	return cause
}

// purge removes an instance row regardless of its status.
func (m *Manager) purge(ctx context.Context, instanceID string) error {
	if _, err := m.machine.Apply(ctx, instanceID, lifecycle.Delete, lifecycle.Force()); err != nil {
		return err
	}
	if _, err := m.machine.Apply(ctx, instanceID, lifecycle.Deleted); err != nil {
		return err
	}
	return m.machine.Deleted(ctx, instanceID)
}

// release gives back quota that was in use. Failures are logged: the
// resource is already gone.
func (m *Manager) release(ctx context.Context, project string, deltas quota.Deltas) {
	ids, err := m.quota.Reserve(ctx, project, deltas)
	if err == nil {
		err = m.quota.Commit(ctx, project, ids)
	}
	if err != nil {
		logger.Error("manager: failed to release quota %v of project=%s: %v", deltas, project, err)
	}
}

func (m *Manager) finishReservations(ctx context.Context, project string, ids []string, commit bool) {
	if len(ids) == 0 {
		return
	}
	var err error
	if commit {
		err = m.quota.Commit(ctx, project, ids)
	} else {
		err = m.quota.Rollback(ctx, project, ids)
	}
	if err != nil {
		logger.Error("manager: failed to settle reservations %v of project=%s (commit=%t): %v", ids, project, commit, err)
	}
}
