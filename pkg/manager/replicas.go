package manager

import (
	"context"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
)

// replicaContext loads what every replication driver call receives: the
// replica, all replicas of its share and the rules to enforce.
func (m *Manager) replicaContext(ctx context.Context, replicaID string) (driver.ReplicationDriver, *share.ShareInstance, []*share.ShareInstance, []*share.AccessRule, error) {
	replica, err := m.store.GetInstance(ctx, replicaID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rd, ok := m.driver.(driver.ReplicationDriver)
	if !ok {
		return nil, replica, nil, nil, share.Errorf(share.KindNotSupported, "driver %s does not support replication", m.driver.Name())
	}
	instances, err := m.store.ListInstances(ctx, replica.ShareID)
	if err != nil {
		return nil, replica, nil, nil, err
	}
	var replicas []*share.ShareInstance
	for _, inst := range instances {
		if inst.IsReplica() {
			replicas = append(replicas, inst)
		}
	}
	all, err := m.store.ListAccessRules(ctx, replica.ShareID)
	if err != nil {
		return nil, replica, nil, nil, err
	}
	rules := make([]*share.AccessRule, 0, len(all))
	for _, r := range all {
		if r.State != share.AccessStateQueuedToDeny {
			rules = append(rules, r)
		}
	}
	return rd, replica, replicas, rules, nil
}

func (m *Manager) createShareReplica(ctx context.Context, args rpcapi.ReplicaArgs) error {
	rd, replica, replicas, rules, err := m.replicaContext(ctx, args.ReplicaID)
	if replica == nil {
		return err
	}
	var update *driver.ReplicaUpdate
	if err == nil {
		var srv *share.ShareServer
		if srv, err = m.shareServer(ctx, replica); err == nil {
			update, err = rd.CreateReplica(ctx, replicas, replica, rules, srv)
		}
	}
	if err != nil {
		if cerr := m.replication.ReplicaCreateFailed(ctx, replica.ID, err); cerr != nil {
			logger.Error("manager: failed to record failed replica=%s: %v", replica.ID, cerr)
		}
		return err
	}
	if update == nil {
		update = &driver.ReplicaUpdate{}
	}
	update.ID = replica.ID
	return m.replication.ReplicaCreated(ctx, replica.ID, *update)
}

func (m *Manager) deleteShareReplica(ctx context.Context, args rpcapi.ReplicaArgs) error {
	rd, replica, replicas, _, err := m.replicaContext(ctx, args.ReplicaID)
	if replica == nil {
		return err
	}
	if err == nil {
		var srv *share.ShareServer
		if srv, err = m.shareServer(ctx, replica); err == nil {
			err = rd.DeleteReplica(ctx, replicas, replica, srv)
		}
	}
	if err != nil && !share.IsNotFound(err) {
		if !args.Force {
			if derr := m.replication.ReplicaDeleteFailed(ctx, replica.ID, err); derr != nil {
				logger.Error("manager: failed to record failed deletion of replica=%s: %v", replica.ID, derr)
			}
			return err
		}
		logger.Warn("manager: ignoring backend failure on forced delete of replica=%s: %v", replica.ID, err)
	}
	return m.replication.ReplicaDeleted(ctx, replica.ID)
}

func (m *Manager) promoteShareReplica(ctx context.Context, args rpcapi.ReplicaArgs) error {
	rd, replica, replicas, rules, err := m.replicaContext(ctx, args.ReplicaID)
	if replica == nil {
		return err
	}
	var updates []driver.ReplicaUpdate
	if err == nil {
		var srv *share.ShareServer
		if srv, err = m.shareServer(ctx, replica); err == nil {
			updates, err = rd.PromoteReplica(ctx, replicas, replica, rules, srv)
		}
	}
	if err != nil {
		if perr := m.replication.PromotionFailed(ctx, replica.ID, err); perr != nil {
			logger.Error("manager: failed to record failed promotion of replica=%s: %v", replica.ID, perr)
		}
		return err
	}
	return m.replication.PromotionCompleted(ctx, replica.ID, updates)
}

func (m *Manager) updateShareReplica(ctx context.Context, args rpcapi.ReplicaArgs) error {
	return m.refreshReplica(ctx, args.ReplicaID)
}

// refreshReplica asks the backend for a replica's replica_state. A failed
// query marks the replica in error.
func (m *Manager) refreshReplica(ctx context.Context, replicaID string) error {
	rd, replica, replicas, rules, err := m.replicaContext(ctx, replicaID)
	if replica == nil {
		return err
	}
	if replica.ReplicaState == share.ReplicaStateActive {
		return nil
	}
	state := share.ReplicaStateError
	if err == nil {
		var srv *share.ShareServer
		if srv, err = m.shareServer(ctx, replica); err == nil {
			state, err = rd.UpdateReplicaState(ctx, replicas, replica, rules, srv)
		}
	}
	if err != nil {
		logger.Error("manager: state query of replica=%s failed: %v", replica.ID, err)
		state = share.ReplicaStateError
	}
	if rerr := m.replication.ReplicaStateReported(ctx, replica.ID, state); rerr != nil {
		return rerr
	}
	return err
}
