package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/juju/clock"
	"github.com/marmos91/dittoshare/pkg/share"
)

// KVStore implements Store over a Backend.
//
// Thread Safety:
// All methods are safe for concurrent use; isolation comes from the
// backend's transactions.
type KVStore struct {
	backend Backend
	clock   clock.Clock
}

// New creates a KVStore. A nil clock uses the wall clock.
func New(backend Backend, clk clock.Clock) *KVStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &KVStore{backend: backend, clock: clk}
}

// Close closes the backend.
func (s *KVStore) Close() error {
	return s.backend.Close()
}

// ============================================================================
// Encoding helpers
// ============================================================================

func getJSON[T any](txn Txn, k []byte, resource, id string) (*T, error) {
	data, err := txn.Get(k)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, share.NotFound(resource, id)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", resource, id, err)
	}
	return &v, nil
}

func putJSON(txn Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", k, err)
	}
	return txn.Set(k, data)
}

func exists(txn Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func mustNotExist(txn Txn, k []byte, resource, id string) error {
	ok, err := exists(txn, k)
	if err != nil {
		return err
	}
	if ok {
		return &share.Error{Kind: share.KindConflict, Message: "already exists", Resource: resource, ID: id}
	}
	return nil
}

// indexIDs returns the entity IDs referenced by index entries under prefix.
func indexIDs(txn Txn, prefix []byte) ([]string, error) {
	var ids []string
	err := txn.Iterate(prefix, func(k, _ []byte) error {
		ids = append(ids, string(bytes.TrimPrefix(k, prefix)))
		return nil
	})
	return ids, err
}

func loadIndexed[T any](txn Txn, index []byte, entityPrefix, resource string) ([]*T, error) {
	ids, err := indexIDs(txn, index)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		v, err := getJSON[T](txn, key(entityPrefix, id), resource, id)
		if share.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func loadPrefix[T any](txn Txn, prefix []byte) ([]*T, error) {
	var out []*T
	err := txn.Iterate(prefix, func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", k, err)
		}
		out = append(out, &v)
		return nil
	})
	return out, err
}

// ============================================================================
// Shares
// ============================================================================

// CreateShare stores a new share.
func (s *KVStore) CreateShare(ctx context.Context, sh *share.Share) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixShare, sh.ID)
		if err := mustNotExist(txn, k, "share", sh.ID); err != nil {
			return err
		}
		return putJSON(txn, k, sh)
	})
}

// GetShare loads a share.
func (s *KVStore) GetShare(ctx context.Context, id string) (*share.Share, error) {
	var out *share.Share
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.Share](txn, key(prefixShare, id), "share", id)
		return err
	})
	return out, err
}

// ListShares returns shares of a project ("" for all), ordered by ID.
func (s *KVStore) ListShares(ctx context.Context, projectID string) ([]*share.Share, error) {
	var out []*share.Share
	err := s.backend.View(ctx, func(txn Txn) error {
		all, err := loadPrefix[share.Share](txn, []byte(prefixShare))
		if err != nil {
			return err
		}
		for _, sh := range all {
			if projectID == "" || sh.ProjectID == projectID {
				out = append(out, sh)
			}
		}
		return nil
	})
	return out, err
}

// UpdateShare applies fn to a share atomically. ID and CreatedAt are immutable.
func (s *KVStore) UpdateShare(ctx context.Context, id string, fn func(*share.Share) error) (*share.Share, error) {
	var out *share.Share
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixShare, id)
		cur, err := getJSON[share.Share](txn, k, "share", id)
		if err != nil {
			return err
		}
		created := cur.CreatedAt
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.CreatedAt, cur.UpdatedAt = id, created, s.clock.Now()
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// DeleteShare removes a share row.
func (s *KVStore) DeleteShare(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixShare, id)
		ok, err := exists(txn, k)
		if err != nil {
			return err
		}
		if !ok {
			return share.NotFound("share", id)
		}
		return txn.Delete(k)
	})
}

// ============================================================================
// Share instances
// ============================================================================

// CreateInstance stores a new instance and its indexes.
func (s *KVStore) CreateInstance(ctx context.Context, inst *share.ShareInstance) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixInstance, inst.ID)
		if err := mustNotExist(txn, k, "instance", inst.ID); err != nil {
			return err
		}
		if err := putJSON(txn, k, inst); err != nil {
			return err
		}
		if err := txn.Set(key(prefixInstanceByShare, inst.ShareID, inst.ID), nil); err != nil {
			return err
		}
		if inst.ShareServerID != "" {
			return txn.Set(key(prefixInstanceByServer, inst.ShareServerID, inst.ID), nil)
		}
		return nil
	})
}

// GetInstance loads an instance.
func (s *KVStore) GetInstance(ctx context.Context, id string) (*share.ShareInstance, error) {
	var out *share.ShareInstance
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.ShareInstance](txn, key(prefixInstance, id), "instance", id)
		return err
	})
	return out, err
}

// ListInstances returns the instances of a share in creation order.
func (s *KVStore) ListInstances(ctx context.Context, shareID string) ([]*share.ShareInstance, error) {
	var out []*share.ShareInstance
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.ShareInstance](txn, indexPrefix(prefixInstanceByShare, shareID), prefixInstance, "instance")
		return err
	})
	share.SortInstances(out)
	return out, err
}

// ListInstancesByServer returns the instances placed on a share server.
func (s *KVStore) ListInstancesByServer(ctx context.Context, serverID string) ([]*share.ShareInstance, error) {
	var out []*share.ShareInstance
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.ShareInstance](txn, indexPrefix(prefixInstanceByServer, serverID), prefixInstance, "instance")
		return err
	})
	share.SortInstances(out)
	return out, err
}

// UpdateInstance applies fn atomically and keeps the server index current.
// ID, ShareID and CreatedAt are immutable.
func (s *KVStore) UpdateInstance(ctx context.Context, id string, fn func(*share.ShareInstance) error) (*share.ShareInstance, error) {
	var out *share.ShareInstance
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixInstance, id)
		cur, err := getJSON[share.ShareInstance](txn, k, "instance", id)
		if err != nil {
			return err
		}
		shareID, created, oldServer := cur.ShareID, cur.CreatedAt, cur.ShareServerID
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.ShareID, cur.CreatedAt, cur.UpdatedAt = id, shareID, created, s.clock.Now()
		if cur.ShareServerID != oldServer {
			if oldServer != "" {
				if err := txn.Delete(key(prefixInstanceByServer, oldServer, id)); err != nil {
					return err
				}
			}
			if cur.ShareServerID != "" {
				if err := txn.Set(key(prefixInstanceByServer, cur.ShareServerID, id), nil); err != nil {
					return err
				}
			}
		}
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// DeleteInstance removes an instance, its indexes and its access mappings.
func (s *KVStore) DeleteInstance(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		inst, err := getJSON[share.ShareInstance](txn, key(prefixInstance, id), "instance", id)
		if err != nil {
			return err
		}
		mappings, err := loadIndexed[share.InstanceAccessMapping](txn, indexPrefix(prefixMappingByInst, id), prefixMapping, "access mapping")
		if err != nil {
			return err
		}
		for _, m := range mappings {
			if err := deleteMapping(txn, m); err != nil {
				return err
			}
			if err := s.recomputeRule(txn, m.AccessID); err != nil {
				return err
			}
		}
		if inst.ShareServerID != "" {
			if err := txn.Delete(key(prefixInstanceByServer, inst.ShareServerID, id)); err != nil {
				return err
			}
		}
		if err := txn.Delete(key(prefixInstanceByShare, inst.ShareID, id)); err != nil {
			return err
		}
		return txn.Delete(key(prefixInstance, id))
	})
}

// ============================================================================
// Access rules and mappings
// ============================================================================

func sortRules(rules []*share.AccessRule) {
	sort.SliceStable(rules, func(a, b int) bool {
		if !rules[a].CreatedAt.Equal(rules[b].CreatedAt) {
			return rules[a].CreatedAt.Before(rules[b].CreatedAt)
		}
		return rules[a].ID < rules[b].ID
	})
}

func sortMappings(ms []*share.InstanceAccessMapping) {
	sort.SliceStable(ms, func(a, b int) bool { return ms[a].ID < ms[b].ID })
}

// recomputeRule refreshes a rule's aggregate state from its mappings. Rules
// without mappings keep their current state.
func (s *KVStore) recomputeRule(txn Txn, ruleID string) error {
	k := key(prefixRule, ruleID)
	rule, err := getJSON[share.AccessRule](txn, k, "access rule", ruleID)
	if share.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	mappings, err := loadIndexed[share.InstanceAccessMapping](txn, indexPrefix(prefixMappingByRule, ruleID), prefixMapping, "access mapping")
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return nil
	}
	state := share.AggregateAccessState(mappings)
	if state == rule.State {
		return nil
	}
	rule.State = state
	rule.UpdatedAt = s.clock.Now()
	return putJSON(txn, k, rule)
}

func putMapping(txn Txn, m *share.InstanceAccessMapping) error {
	if err := putJSON(txn, key(prefixMapping, m.ID), m); err != nil {
		return err
	}
	if err := txn.Set(key(prefixMappingByInst, m.ShareInstanceID, m.ID), nil); err != nil {
		return err
	}
	return txn.Set(key(prefixMappingByRule, m.AccessID, m.ID), nil)
}

func deleteMapping(txn Txn, m *share.InstanceAccessMapping) error {
	if err := txn.Delete(key(prefixMappingByInst, m.ShareInstanceID, m.ID)); err != nil {
		return err
	}
	if err := txn.Delete(key(prefixMappingByRule, m.AccessID, m.ID)); err != nil {
		return err
	}
	return txn.Delete(key(prefixMapping, m.ID))
}

// CreateAccessRule stores a rule and its initial mappings.
func (s *KVStore) CreateAccessRule(ctx context.Context, rule *share.AccessRule, mappings []*share.InstanceAccessMapping) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixRule, rule.ID)
		if err := mustNotExist(txn, k, "access rule", rule.ID); err != nil {
			return err
		}
		if err := putJSON(txn, k, rule); err != nil {
			return err
		}
		if err := txn.Set(key(prefixRuleByShare, rule.ShareID, rule.ID), nil); err != nil {
			return err
		}
		for _, m := range mappings {
			if err := putMapping(txn, m); err != nil {
				return err
			}
		}
		return s.recomputeRule(txn, rule.ID)
	})
}

// GetAccessRule loads a rule.
func (s *KVStore) GetAccessRule(ctx context.Context, id string) (*share.AccessRule, error) {
	var out *share.AccessRule
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.AccessRule](txn, key(prefixRule, id), "access rule", id)
		return err
	})
	return out, err
}

// ListAccessRules returns the rules of a share in creation order.
func (s *KVStore) ListAccessRules(ctx context.Context, shareID string) ([]*share.AccessRule, error) {
	var out []*share.AccessRule
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.AccessRule](txn, indexPrefix(prefixRuleByShare, shareID), prefixRule, "access rule")
		return err
	})
	sortRules(out)
	return out, err
}

// UpdateAccessRule applies fn atomically. ID, ShareID and CreatedAt are immutable.
func (s *KVStore) UpdateAccessRule(ctx context.Context, id string, fn func(*share.AccessRule) error) (*share.AccessRule, error) {
	var out *share.AccessRule
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixRule, id)
		cur, err := getJSON[share.AccessRule](txn, k, "access rule", id)
		if err != nil {
			return err
		}
		shareID, created := cur.ShareID, cur.CreatedAt
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.ShareID, cur.CreatedAt, cur.UpdatedAt = id, shareID, created, s.clock.Now()
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// DeleteAccessRule removes a rule and its mappings.
func (s *KVStore) DeleteAccessRule(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		rule, err := getJSON[share.AccessRule](txn, key(prefixRule, id), "access rule", id)
		if err != nil {
			return err
		}
		mappings, err := loadIndexed[share.InstanceAccessMapping](txn, indexPrefix(prefixMappingByRule, id), prefixMapping, "access mapping")
		if err != nil {
			return err
		}
		for _, m := range mappings {
			if err := deleteMapping(txn, m); err != nil {
				return err
			}
		}
		if err := txn.Delete(key(prefixRuleByShare, rule.ShareID, id)); err != nil {
			return err
		}
		return txn.Delete(key(prefixRule, id))
	})
}

// CreateMapping stores a mapping and refreshes its rule's state.
func (s *KVStore) CreateMapping(ctx context.Context, m *share.InstanceAccessMapping) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		if err := mustNotExist(txn, key(prefixMapping, m.ID), "access mapping", m.ID); err != nil {
			return err
		}
		if err := putMapping(txn, m); err != nil {
			return err
		}
		return s.recomputeRule(txn, m.AccessID)
	})
}

// GetMapping finds the mapping of a rule on an instance.
func (s *KVStore) GetMapping(ctx context.Context, instanceID, accessID string) (*share.InstanceAccessMapping, error) {
	var out *share.InstanceAccessMapping
	err := s.backend.View(ctx, func(txn Txn) error {
		mappings, err := loadIndexed[share.InstanceAccessMapping](txn, indexPrefix(prefixMappingByInst, instanceID), prefixMapping, "access mapping")
		if err != nil {
			return err
		}
		for _, m := range mappings {
			if m.AccessID == accessID {
				out = m
				return nil
			}
		}
		return share.NotFound("access mapping", instanceID+"/"+accessID)
	})
	return out, err
}

// ListMappingsForInstance returns the mappings of an instance ordered by ID.
func (s *KVStore) ListMappingsForInstance(ctx context.Context, instanceID string) ([]*share.InstanceAccessMapping, error) {
	var out []*share.InstanceAccessMapping
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.InstanceAccessMapping](txn, indexPrefix(prefixMappingByInst, instanceID), prefixMapping, "access mapping")
		return err
	})
	sortMappings(out)
	return out, err
}

// ListMappingsForRule returns the mappings of a rule ordered by ID.
func (s *KVStore) ListMappingsForRule(ctx context.Context, accessID string) ([]*share.InstanceAccessMapping, error) {
	var out []*share.InstanceAccessMapping
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.InstanceAccessMapping](txn, indexPrefix(prefixMappingByRule, accessID), prefixMapping, "access mapping")
		return err
	})
	sortMappings(out)
	return out, err
}

// UpdateMapping applies fn atomically and refreshes the rule's state.
// Only State may change.
func (s *KVStore) UpdateMapping(ctx context.Context, id string, fn func(*share.InstanceAccessMapping) error) (*share.InstanceAccessMapping, error) {
	var out *share.InstanceAccessMapping
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixMapping, id)
		cur, err := getJSON[share.InstanceAccessMapping](txn, k, "access mapping", id)
		if err != nil {
			return err
		}
		orig := *cur
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.ShareInstanceID, cur.AccessID = orig.ID, orig.ShareInstanceID, orig.AccessID
		cur.UpdatedAt = s.clock.Now()
		if err := putJSON(txn, k, cur); err != nil {
			return err
		}
		out = cur
		return s.recomputeRule(txn, cur.AccessID)
	})
	return out, err
}

// DeleteMapping removes a mapping and refreshes its rule's state.
func (s *KVStore) DeleteMapping(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		m, err := getJSON[share.InstanceAccessMapping](txn, key(prefixMapping, id), "access mapping", id)
		if err != nil {
			return err
		}
		if err := deleteMapping(txn, m); err != nil {
			return err
		}
		return s.recomputeRule(txn, m.AccessID)
	})
}

// ============================================================================
// Snapshots
// ============================================================================

func sortSnapshots(snaps []*share.Snapshot) {
	sort.SliceStable(snaps, func(a, b int) bool {
		if !snaps[a].CreatedAt.Equal(snaps[b].CreatedAt) {
			return snaps[a].CreatedAt.Before(snaps[b].CreatedAt)
		}
		return snaps[a].ID < snaps[b].ID
	})
}

func putSnapshotInstance(txn Txn, si *share.SnapshotInstance) error {
	if err := putJSON(txn, key(prefixSnapInstance, si.ID), si); err != nil {
		return err
	}
	return txn.Set(key(prefixSnapInstBySnap, si.SnapshotID, si.ID), nil)
}

// CreateSnapshot stores a snapshot and its instances.
func (s *KVStore) CreateSnapshot(ctx context.Context, snap *share.Snapshot, instances []*share.SnapshotInstance) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixSnapshot, snap.ID)
		if err := mustNotExist(txn, k, "snapshot", snap.ID); err != nil {
			return err
		}
		if err := putJSON(txn, k, snap); err != nil {
			return err
		}
		if err := txn.Set(key(prefixSnapshotByShare, snap.ShareID, snap.ID), nil); err != nil {
			return err
		}
		for _, si := range instances {
			if err := putSnapshotInstance(txn, si); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSnapshot loads a snapshot.
func (s *KVStore) GetSnapshot(ctx context.Context, id string) (*share.Snapshot, error) {
	var out *share.Snapshot
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.Snapshot](txn, key(prefixSnapshot, id), "snapshot", id)
		return err
	})
	return out, err
}

// ListSnapshots returns the snapshots of a share in creation order.
func (s *KVStore) ListSnapshots(ctx context.Context, shareID string) ([]*share.Snapshot, error) {
	var out []*share.Snapshot
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.Snapshot](txn, indexPrefix(prefixSnapshotByShare, shareID), prefixSnapshot, "snapshot")
		return err
	})
	sortSnapshots(out)
	return out, err
}

// UpdateSnapshot applies fn atomically.
func (s *KVStore) UpdateSnapshot(ctx context.Context, id string, fn func(*share.Snapshot) error) (*share.Snapshot, error) {
	var out *share.Snapshot
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixSnapshot, id)
		cur, err := getJSON[share.Snapshot](txn, k, "snapshot", id)
		if err != nil {
			return err
		}
		shareID, created := cur.ShareID, cur.CreatedAt
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.ShareID, cur.CreatedAt, cur.UpdatedAt = id, shareID, created, s.clock.Now()
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// DeleteSnapshot removes a snapshot and its instances.
func (s *KVStore) DeleteSnapshot(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		snap, err := getJSON[share.Snapshot](txn, key(prefixSnapshot, id), "snapshot", id)
		if err != nil {
			return err
		}
		ids, err := indexIDs(txn, indexPrefix(prefixSnapInstBySnap, id))
		if err != nil {
			return err
		}
		for _, siID := range ids {
			if err := txn.Delete(key(prefixSnapInstance, siID)); err != nil {
				return err
			}
			if err := txn.Delete(key(prefixSnapInstBySnap, id, siID)); err != nil {
				return err
			}
		}
		if err := txn.Delete(key(prefixSnapshotByShare, snap.ShareID, id)); err != nil {
			return err
		}
		return txn.Delete(key(prefixSnapshot, id))
	})
}

// CreateSnapshotInstance stores a snapshot instance.
func (s *KVStore) CreateSnapshotInstance(ctx context.Context, si *share.SnapshotInstance) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		if err := mustNotExist(txn, key(prefixSnapInstance, si.ID), "snapshot instance", si.ID); err != nil {
			return err
		}
		return putSnapshotInstance(txn, si)
	})
}

// GetSnapshotInstance loads a snapshot instance by ID.
func (s *KVStore) GetSnapshotInstance(ctx context.Context, id string) (*share.SnapshotInstance, error) {
	var out *share.SnapshotInstance
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.SnapshotInstance](txn, key(prefixSnapInstance, id), "snapshot instance", id)
		return err
	})
	return out, err
}

// ListSnapshotInstances returns the instances of a snapshot ordered by ID.
func (s *KVStore) ListSnapshotInstances(ctx context.Context, snapshotID string) ([]*share.SnapshotInstance, error) {
	var out []*share.SnapshotInstance
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.SnapshotInstance](txn, indexPrefix(prefixSnapInstBySnap, snapshotID), prefixSnapInstance, "snapshot instance")
		return err
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, err
}

// UpdateSnapshotInstance applies fn atomically.
func (s *KVStore) UpdateSnapshotInstance(ctx context.Context, id string, fn func(*share.SnapshotInstance) error) (*share.SnapshotInstance, error) {
	var out *share.SnapshotInstance
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixSnapInstance, id)
		cur, err := getJSON[share.SnapshotInstance](txn, k, "snapshot instance", id)
		if err != nil {
			return err
		}
		snapID, created := cur.SnapshotID, cur.CreatedAt
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.SnapshotID, cur.CreatedAt, cur.UpdatedAt = id, snapID, created, s.clock.Now()
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// DeleteSnapshotInstance removes a snapshot instance.
func (s *KVStore) DeleteSnapshotInstance(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		si, err := getJSON[share.SnapshotInstance](txn, key(prefixSnapInstance, id), "snapshot instance", id)
		if err != nil {
			return err
		}
		if err := txn.Delete(key(prefixSnapInstBySnap, si.SnapshotID, id)); err != nil {
			return err
		}
		return txn.Delete(key(prefixSnapInstance, id))
	})
}

// CreateCGSnapshotMember stores a consistency group snapshot member.
func (s *KVStore) CreateCGSnapshotMember(ctx context.Context, m *share.CGSnapshotMember) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixCGMember, m.ID)
		if err := mustNotExist(txn, k, "cgsnapshot member", m.ID); err != nil {
			return err
		}
		if err := putJSON(txn, k, m); err != nil {
			return err
		}
		return txn.Set(key(prefixCGMemberByShare, m.ShareID, m.ID), nil)
	})
}

// ListCGSnapshotMembers returns the cgsnapshot members of a share.
func (s *KVStore) ListCGSnapshotMembers(ctx context.Context, shareID string) ([]*share.CGSnapshotMember, error) {
	var out []*share.CGSnapshotMember
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadIndexed[share.CGSnapshotMember](txn, indexPrefix(prefixCGMemberByShare, shareID), prefixCGMember, "cgsnapshot member")
		return err
	})
	return out, err
}

// ============================================================================
// Share servers
// ============================================================================

// CreateShareServer stores a share server.
func (s *KVStore) CreateShareServer(ctx context.Context, srv *share.ShareServer) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixServer, srv.ID)
		if err := mustNotExist(txn, k, "share server", srv.ID); err != nil {
			return err
		}
		return putJSON(txn, k, srv)
	})
}

// GetShareServer loads a share server.
func (s *KVStore) GetShareServer(ctx context.Context, id string) (*share.ShareServer, error) {
	var out *share.ShareServer
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.ShareServer](txn, key(prefixServer, id), "share server", id)
		return err
	})
	return out, err
}

// UpdateShareServer applies fn atomically. UpdatedAt is set from the store
// clock unless fn moved it forward explicitly.
func (s *KVStore) UpdateShareServer(ctx context.Context, id string, fn func(*share.ShareServer) error) (*share.ShareServer, error) {
	var out *share.ShareServer
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixServer, id)
		cur, err := getJSON[share.ShareServer](txn, k, "share server", id)
		if err != nil {
			return err
		}
		created, before := cur.CreatedAt, cur.UpdatedAt
		if err := fn(cur); err != nil {
			return err
		}
		cur.ID, cur.CreatedAt = id, created
		if !cur.UpdatedAt.After(before) {
			cur.UpdatedAt = s.clock.Now()
		}
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// DeleteShareServer removes a share server.
func (s *KVStore) DeleteShareServer(ctx context.Context, id string) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixServer, id)
		ok, err := exists(txn, k)
		if err != nil {
			return err
		}
		if !ok {
			return share.NotFound("share server", id)
		}
		return txn.Delete(k)
	})
}

// ============================================================================
// Services
// ============================================================================

// RegisterService upserts a service keyed by topic and host.
func (s *KVStore) RegisterService(ctx context.Context, svc *share.Service) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		return putJSON(txn, key(prefixService, svc.Topic, svc.Host), svc)
	})
}

// GetService loads a service.
func (s *KVStore) GetService(ctx context.Context, topic, host string) (*share.Service, error) {
	var out *share.Service
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.Service](txn, key(prefixService, topic, host), "service", topic+"."+host)
		return err
	})
	return out, err
}

// ListServices returns the services of a topic ordered by host.
func (s *KVStore) ListServices(ctx context.Context, topic string) ([]*share.Service, error) {
	var out []*share.Service
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadPrefix[share.Service](txn, indexPrefix(prefixService, topic))
		return err
	})
	return out, err
}

// UpdateService applies fn atomically. Callers set UpdatedAt themselves
// when recording a heartbeat.
func (s *KVStore) UpdateService(ctx context.Context, topic, host string, fn func(*share.Service) error) (*share.Service, error) {
	var out *share.Service
	err := s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixService, topic, host)
		cur, err := getJSON[share.Service](txn, k, "service", topic+"."+host)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.Topic, cur.Host = topic, host
		out = cur
		return putJSON(txn, k, cur)
	})
	return out, err
}

// ============================================================================
// Share types
// ============================================================================

// CreateShareType stores a share type; names are unique.
func (s *KVStore) CreateShareType(ctx context.Context, st *share.ShareType) error {
	return s.backend.Update(ctx, func(txn Txn) error {
		k := key(prefixShareType, st.ID)
		if err := mustNotExist(txn, k, "share type", st.ID); err != nil {
			return err
		}
		nk := key(prefixShareTypeByName, st.Name)
		if err := mustNotExist(txn, nk, "share type", st.Name); err != nil {
			return err
		}
		if err := putJSON(txn, k, st); err != nil {
			return err
		}
		return txn.Set(nk, []byte(st.ID))
	})
}

// GetShareType loads a share type.
func (s *KVStore) GetShareType(ctx context.Context, id string) (*share.ShareType, error) {
	var out *share.ShareType
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = getJSON[share.ShareType](txn, key(prefixShareType, id), "share type", id)
		return err
	})
	return out, err
}

// GetShareTypeByName loads a share type by name.
func (s *KVStore) GetShareTypeByName(ctx context.Context, name string) (*share.ShareType, error) {
	var out *share.ShareType
	err := s.backend.View(ctx, func(txn Txn) error {
		id, err := txn.Get(key(prefixShareTypeByName, name))
		if errors.Is(err, ErrKeyNotFound) {
			return share.NotFound("share type", name)
		}
		if err != nil {
			return err
		}
		out, err = getJSON[share.ShareType](txn, key(prefixShareType, string(id)), "share type", string(id))
		return err
	})
	return out, err
}

// ListShareTypes returns all share types ordered by name.
func (s *KVStore) ListShareTypes(ctx context.Context) ([]*share.ShareType, error) {
	var out []*share.ShareType
	err := s.backend.View(ctx, func(txn Txn) error {
		var err error
		out, err = loadPrefix[share.ShareType](txn, []byte(prefixShareType))
		return err
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, err
}

var _ Store = (*KVStore)(nil)
