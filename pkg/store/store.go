// Package store persists the control plane's entities.
//
// Store is the persistence collaborator consumed by every orchestration
// component. Each method is transactional on its own: Update* methods read,
// mutate through the supplied callback and write back atomically, so a
// callback returning an error leaves the row untouched. Absent rows are
// reported as share.KindNotFound errors.
//
// KVStore implements Store on top of a Backend (an ordered key-value store
// with transactions). Two backends exist: store/memory for tests and
// ephemeral deployments, and store/badger for persistence across restarts.
package store

import (
	"context"

	"github.com/marmos91/dittoshare/pkg/share"
)

// ShareStore persists shares.
type ShareStore interface {
	CreateShare(ctx context.Context, s *share.Share) error
	GetShare(ctx context.Context, id string) (*share.Share, error)

	// ListShares returns the shares of projectID ("" for all), ordered by ID.
	ListShares(ctx context.Context, projectID string) ([]*share.Share, error)

	UpdateShare(ctx context.Context, id string, fn func(*share.Share) error) (*share.Share, error)
	DeleteShare(ctx context.Context, id string) error
}

// InstanceStore persists share instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *share.ShareInstance) error
	GetInstance(ctx context.Context, id string) (*share.ShareInstance, error)

	// ListInstances returns the instances of a share ordered by creation
	// time, then ID.
	ListInstances(ctx context.Context, shareID string) ([]*share.ShareInstance, error)

	// ListInstancesByServer returns the instances placed on a share server.
	ListInstancesByServer(ctx context.Context, serverID string) ([]*share.ShareInstance, error)

	UpdateInstance(ctx context.Context, id string, fn func(*share.ShareInstance) error) (*share.ShareInstance, error)

	// DeleteInstance removes the instance and its access mappings.
	DeleteInstance(ctx context.Context, id string) error
}

// AccessStore persists access rules and their per-instance mappings.
//
// The State of a rule is recomputed from its mappings whenever a mapping is
// created, updated or deleted.
type AccessStore interface {
	// CreateAccessRule stores the rule together with its initial mappings.
	CreateAccessRule(ctx context.Context, rule *share.AccessRule, mappings []*share.InstanceAccessMapping) error
	GetAccessRule(ctx context.Context, id string) (*share.AccessRule, error)

	// ListAccessRules returns the rules of a share ordered by creation time.
	ListAccessRules(ctx context.Context, shareID string) ([]*share.AccessRule, error)

	UpdateAccessRule(ctx context.Context, id string, fn func(*share.AccessRule) error) (*share.AccessRule, error)

	// DeleteAccessRule removes the rule and all of its mappings.
	DeleteAccessRule(ctx context.Context, id string) error

	CreateMapping(ctx context.Context, m *share.InstanceAccessMapping) error
	GetMapping(ctx context.Context, instanceID, accessID string) (*share.InstanceAccessMapping, error)
	ListMappingsForInstance(ctx context.Context, instanceID string) ([]*share.InstanceAccessMapping, error)
	ListMappingsForRule(ctx context.Context, accessID string) ([]*share.InstanceAccessMapping, error)
	UpdateMapping(ctx context.Context, id string, fn func(*share.InstanceAccessMapping) error) (*share.InstanceAccessMapping, error)
	DeleteMapping(ctx context.Context, id string) error
}

// SnapshotStore persists snapshots, snapshot instances and consistency
// group snapshot members.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *share.Snapshot, instances []*share.SnapshotInstance) error
	GetSnapshot(ctx context.Context, id string) (*share.Snapshot, error)
	ListSnapshots(ctx context.Context, shareID string) ([]*share.Snapshot, error)
	UpdateSnapshot(ctx context.Context, id string, fn func(*share.Snapshot) error) (*share.Snapshot, error)

	// DeleteSnapshot removes the snapshot and its instances.
	DeleteSnapshot(ctx context.Context, id string) error

	CreateSnapshotInstance(ctx context.Context, si *share.SnapshotInstance) error
	GetSnapshotInstance(ctx context.Context, id string) (*share.SnapshotInstance, error)
	ListSnapshotInstances(ctx context.Context, snapshotID string) ([]*share.SnapshotInstance, error)
	UpdateSnapshotInstance(ctx context.Context, id string, fn func(*share.SnapshotInstance) error) (*share.SnapshotInstance, error)
	DeleteSnapshotInstance(ctx context.Context, id string) error

	CreateCGSnapshotMember(ctx context.Context, m *share.CGSnapshotMember) error
	ListCGSnapshotMembers(ctx context.Context, shareID string) ([]*share.CGSnapshotMember, error)
}

// ServerStore persists share servers.
type ServerStore interface {
	CreateShareServer(ctx context.Context, srv *share.ShareServer) error
	GetShareServer(ctx context.Context, id string) (*share.ShareServer, error)
	UpdateShareServer(ctx context.Context, id string, fn func(*share.ShareServer) error) (*share.ShareServer, error)
	DeleteShareServer(ctx context.Context, id string) error
}

// ServiceStore persists service registrations. A service is keyed by
// (topic, host).
type ServiceStore interface {
	// RegisterService creates the service or replaces an existing one with
	// the same topic and host.
	RegisterService(ctx context.Context, svc *share.Service) error
	GetService(ctx context.Context, topic, host string) (*share.Service, error)
	ListServices(ctx context.Context, topic string) ([]*share.Service, error)
	UpdateService(ctx context.Context, topic, host string, fn func(*share.Service) error) (*share.Service, error)
}

// ShareTypeStore persists share types.
type ShareTypeStore interface {
	CreateShareType(ctx context.Context, st *share.ShareType) error
	GetShareType(ctx context.Context, id string) (*share.ShareType, error)
	GetShareTypeByName(ctx context.Context, name string) (*share.ShareType, error)
	ListShareTypes(ctx context.Context) ([]*share.ShareType, error)
}

// Store is the complete persistence contract.
type Store interface {
	ShareStore
	InstanceStore
	AccessStore
	SnapshotStore
	ServerStore
	ServiceStore
	ShareTypeStore

	// Close releases the underlying backend.
	Close() error
}
