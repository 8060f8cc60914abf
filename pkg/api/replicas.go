package api

import (
	"context"

	"github.com/marmos91/dittoshare/pkg/migration"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/replication"
	"github.com/marmos91/dittoshare/pkg/share"
)

// CreateReplica charges the replica quota and asks the coordinator for a
// new replica. The reservation is rolled back if the request is refused.
func (a *ShareAPI) CreateReplica(ctx context.Context, req replication.CreateRequest) (*share.ShareInstance, error) {
	s, err := a.store.GetShare(ctx, req.ShareID)
	if err != nil {
		return nil, err
	}
	ids, err := a.quota.Reserve(ctx, s.ProjectID, quota.Deltas{quota.ShareReplicas: 1, quota.ReplicaGigabytes: s.Size})
	if err != nil {
		return nil, quotaError(err, s.ProjectID, s.Size)
	}
	replica, err := a.replication.CreateReplica(ctx, req)
	if err != nil {
		a.rollback(ctx, s.ProjectID, ids)
		return nil, err
	}
	if err := a.quota.Commit(ctx, s.ProjectID, ids); err != nil {
		return nil, err
	}
	return replica, nil
}

// DeleteReplica deletes a replica and releases its quota.
func (a *ShareAPI) DeleteReplica(ctx context.Context, replicaID string, force bool) error {
	replica, err := a.store.GetInstance(ctx, replicaID)
	if err != nil {
		return err
	}
	s, err := a.store.GetShare(ctx, replica.ShareID)
	if err != nil {
		return err
	}
	if err := a.replication.DeleteReplica(ctx, replicaID, force); err != nil {
		return err
	}
	a.release(ctx, s.ProjectID, quota.Deltas{quota.ShareReplicas: -1, quota.ReplicaGigabytes: -s.Size})
	return nil
}

// PromoteReplica makes a replica the active one.
func (a *ShareAPI) PromoteReplica(ctx context.Context, caller Caller, replicaID string) (*share.ShareInstance, error) {
	return a.replication.PromoteReplica(ctx, replicaID, caller.IsAdmin)
}

// ResyncReplica asks the replica's host to refresh its replica_state.
func (a *ShareAPI) ResyncReplica(ctx context.Context, caller Caller, replicaID string) error {
	return a.replication.ResyncReplica(ctx, replicaID, caller.IsAdmin)
}

// ListReplicas returns the replicas of a share.
func (a *ShareAPI) ListReplicas(ctx context.Context, shareID string) ([]*share.ShareInstance, error) {
	if _, err := a.store.GetShare(ctx, shareID); err != nil {
		return nil, err
	}
	return a.replication.Replicas(ctx, shareID)
}

func requireAdmin(caller Caller, op string) error {
	if !caller.IsAdmin {
		return share.Errorf(share.KindPermissionDenied, "%s requires admin privilege", op)
	}
	return nil
}

// MigrationStart moves a share to another host. Admin only.
func (a *ShareAPI) MigrationStart(ctx context.Context, caller Caller, req migration.StartRequest) error {
	if err := requireAdmin(caller, "migration start"); err != nil {
		return err
	}
	return a.migration.Start(ctx, req)
}

// MigrationComplete finishes the second phase of a migration. Admin only.
func (a *ShareAPI) MigrationComplete(ctx context.Context, caller Caller, shareID string) error {
	if err := requireAdmin(caller, "migration complete"); err != nil {
		return err
	}
	return a.migration.Complete(ctx, shareID)
}

// MigrationCancel aborts a running migration. Admin only.
func (a *ShareAPI) MigrationCancel(ctx context.Context, caller Caller, shareID string) error {
	if err := requireAdmin(caller, "migration cancel"); err != nil {
		return err
	}
	return a.migration.Cancel(ctx, shareID)
}

// MigrationGetProgress reports how far a migration got. Admin only.
func (a *ShareAPI) MigrationGetProgress(ctx context.Context, caller Caller, shareID string) (*share.ProgressReport, error) {
	if err := requireAdmin(caller, "migration get progress"); err != nil {
		return nil, err
	}
	return a.migration.GetProgress(ctx, shareID)
}
