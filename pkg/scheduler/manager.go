package scheduler

import (
	"context"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// TaskStateSetter records migration task states. The migration
// orchestrator implements it.
type TaskStateSetter interface {
	SetTaskState(ctx context.Context, shareID string, state share.TaskState) error
}

// Manager serves the scheduler RPC topic.
type Manager struct {
	sched     *FilterScheduler
	hosts     *HostManager
	store     store.Store
	shares    *rpcapi.ShareClient
	migration TaskStateSetter
}

// NewManager creates the scheduler RPC handler.
func NewManager(sched *FilterScheduler, hosts *HostManager, st store.Store, shares *rpcapi.ShareClient, migration TaskStateSetter) *Manager {
	return &Manager{sched: sched, hosts: hosts, store: st, shares: shares, migration: migration}
}

// Router returns the RPC router of the scheduler topic.
func (m *Manager) Router() *rpc.Router {
	r := rpc.NewRouter()
	rpc.HandleCast(r, rpcapi.MethodScheduleCreateShare, m.createShareInstance)
	rpc.HandleCast(r, rpcapi.MethodScheduleCreateReplica, m.createShareReplica)
	rpc.HandleCast(r, rpcapi.MethodMigrateShareToHost, m.migrateShareToHost)
	rpc.HandleCast(r, rpcapi.MethodUpdateCapabilities, m.updateServiceCapabilities)
	rpc.HandleFunc(r, rpcapi.MethodGetPools, m.GetPools)
	return r
}

func (m *Manager) createShareInstance(ctx context.Context, args rpcapi.ScheduleArgs) error {
	if args.RequestSpec == nil {
		return share.Errorf(share.KindInvalidInput, "request spec is required")
	}
	err := m.sched.ScheduleCreateShare(ctx, args.RequestSpec, args.FilterProperties)
	if err != nil {
		logger.Error("scheduler: failed to schedule instance=%s share=%s: %v",
			args.RequestSpec.ShareInstanceID, args.RequestSpec.ShareID, err)
		m.setInstanceError(ctx, args.RequestSpec.ShareInstanceID, false)
	}
	return err
}

func (m *Manager) createShareReplica(ctx context.Context, args rpcapi.ScheduleArgs) error {
	if args.RequestSpec == nil {
		return share.Errorf(share.KindInvalidInput, "request spec is required")
	}
	err := m.sched.ScheduleCreateReplica(ctx, args.RequestSpec, args.FilterProperties)
	if err != nil {
		logger.Error("scheduler: failed to schedule replica=%s share=%s: %v",
			args.RequestSpec.ShareInstanceID, args.RequestSpec.ShareID, err)
		m.setInstanceError(ctx, args.RequestSpec.ShareInstanceID, true)
	}
	return err
}

func (m *Manager) setInstanceError(ctx context.Context, instanceID string, replica bool) {
	_, err := m.store.UpdateInstance(ctx, instanceID, func(inst *share.ShareInstance) error {
		inst.Status = share.StatusError
		if replica {
			inst.ReplicaState = share.ReplicaStateError
		}
		return nil
	})
	if err != nil {
		logger.Error("scheduler: failed to mark instance=%s as error: %v", instanceID, err)
	}
}

// migrateShareToHost validates the destination and starts the migration
// on the source host. Failures end the migration in migration_error.
func (m *Manager) migrateShareToHost(ctx context.Context, args rpcapi.MigrateToHostArgs) error {
	err := m.startMigration(ctx, args)
	if err != nil {
		logger.Error("scheduler: migration of share=%s to %s failed: %v", args.ShareID, args.DestHost, err)
		if m.migration != nil {
			if serr := m.migration.SetTaskState(ctx, args.ShareID, share.TaskStateMigrationError); serr != nil {
				logger.Error("scheduler: failed to record migration error for share=%s: %v", args.ShareID, serr)
			}
		}
	}
	return err
}

func (m *Manager) startMigration(ctx context.Context, args rpcapi.MigrateToHostArgs) error {
	if args.RequestSpec == nil {
		return share.Errorf(share.KindInvalidInput, "request spec is required")
	}
	props := &share.FilterProperties{RequestSpec: args.RequestSpec}
	if _, err := m.sched.HostPassesFilters(ctx, args.DestHost, props); err != nil {
		return err
	}
	src, err := m.store.GetInstance(ctx, args.RequestSpec.ShareInstanceID)
	if err != nil {
		return err
	}
	return m.shares.MigrationStart(ctx, src.Host, rpcapi.MigrationStartArgs{
		ShareID:                    args.ShareID,
		SourceInstanceID:           src.ID,
		DestHost:                   args.DestHost,
		ForceHostAssistedMigration: args.ForceHostAssistedMigration,
		Writable:                   args.Writable,
		PreserveMetadata:           args.PreserveMetadata,
		NewShareNetworkID:          args.NewShareNetworkID,
	})
}

func (m *Manager) updateServiceCapabilities(ctx context.Context, args rpcapi.CapabilitiesArgs) error {
	m.hosts.UpdateServiceCapabilities(args.Host, args.Stats, args.Timestamp)
	return nil
}

// GetPools lists the known pools.
func (m *Manager) GetPools(ctx context.Context, args rpcapi.GetPoolsArgs) ([]rpcapi.PoolInfo, error) {
	return m.hosts.GetPools(ctx, args)
}
