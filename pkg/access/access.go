// Package access keeps the access rules a backend enforces on a share
// instance in line with the persisted rules.
//
// Rules are persisted once per share; their presence on each instance is
// tracked by an InstanceAccessMapping whose state says what remains to be
// done (queued_to_apply, queued_to_deny) or what happened (active, error).
// A reconciliation pass hands the pending work to the driver and moves the
// mappings to their final state. The instance's access_rules_status tracks
// whether passes are pending (out_of_sync), running (updating), running
// with more work queued behind them (updating_multiple) or failed (error).
//
// An instance in error stays in error until a pass succeeds. While in
// error, denials are not sent to the driver incrementally: the driver is
// asked to resync to the full rule list instead, and the denied rows are
// removed once it does.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/collections/set"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Config configures the synchronizer.
type Config struct {
	// MaxReconcilePasses bounds the passes of one Reconcile call when rule
	// changes keep arriving. The instance is left out_of_sync when the
	// bound is hit.
	// Default: 5
	MaxReconcilePasses int `mapstructure:"max_reconcile_passes" yaml:"max_reconcile_passes" json:"max_reconcile_passes" validate:"omitempty,gte=1"`
}

// DefaultConfig returns the synchronizer defaults.
func DefaultConfig() Config {
	return Config{MaxReconcilePasses: 5}
}

func (c *Config) applyDefaults() {
	if c.MaxReconcilePasses <= 0 {
		c.MaxReconcilePasses = DefaultConfig().MaxReconcilePasses
	}
}

// Options tunes one Reconcile call.
type Options struct {
	// DeleteAll removes every rule from the instance, as done before the
	// instance itself is deleted.
	DeleteAll bool

	// ShareServer is handed to the driver.
	ShareServer *share.ShareServer
}

// errRerun aborts the final status update when another pass is needed.
var errRerun = errors.New("access rules changed during reconciliation")

// Synchronizer reconciles the access rules of the instances served by one
// driver.
type Synchronizer struct {
	cfg     Config
	store   store.Store
	driver  driver.Driver
	metrics metrics.AccessMetrics
	locks   *kmutex.Kmutex
}

// NewSynchronizer creates a Synchronizer. A nil metrics uses a no-op
// implementation.
func NewSynchronizer(cfg Config, st store.Store, drv driver.Driver, m metrics.AccessMetrics) *Synchronizer {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoopAccessMetrics()
	}
	return &Synchronizer{
		cfg:     cfg,
		store:   st,
		driver:  drv,
		metrics: m,
		locks:   kmutex.New(),
	}
}

// Reconcile applies the pending rule changes of an instance. Calls for the
// same instance run one at a time.
func (s *Synchronizer) Reconcile(ctx context.Context, instanceID string, opts Options) (err error) {
	start := time.Now()
	passes := 0
	defer func() { s.metrics.RecordReconcile(passes, time.Since(start), err) }()

	s.locks.Lock(instanceID)
	defer s.locks.Unlock(instanceID)

	for {
		passes++
		again, err := s.pass(ctx, instanceID, opts)
		if err != nil {
			return err
		}
		if !again {
			logger.Info("access: rules applied on instance=%s (%d passes)", instanceID, passes)
			return nil
		}
		if passes >= s.cfg.MaxReconcilePasses {
			// The share manager's poller resumes out_of_sync instances.
			logger.Warn("access: instance=%s still changing after %d passes, leaving it out of sync",
				instanceID, passes)
			return s.setStatus(ctx, instanceID, share.AccessRulesOutOfSync)
		}
		// Follow-up passes pick up whatever was queued meanwhile.
		opts.DeleteAll = false
	}
}

// plan is the work of one pass.
type plan struct {
	current []*share.AccessRule
	add     []*share.AccessRule
	del     []*share.AccessRule

	// mappings by rule ID
	mappings map[string]*share.InstanceAccessMapping
}

func (s *Synchronizer) load(ctx context.Context, instanceID string, deleteAll bool) (*plan, error) {
	mappings, err := s.store.ListMappingsForInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access mappings: %w", err)
	}
	p := &plan{mappings: make(map[string]*share.InstanceAccessMapping, len(mappings))}
	for _, m := range mappings {
		rule, err := s.store.GetAccessRule(ctx, m.AccessID)
		if err != nil {
			if share.IsNotFound(err) {
				// An orphan would make finish see a change on every pass.
				if err := s.store.DeleteMapping(ctx, m.ID); err != nil && !share.IsNotFound(err) {
					return nil, fmt.Errorf("failed to remove orphan mapping %s: %w", m.ID, err)
				}
				logger.Debug("access: removed orphan mapping=%s of instance=%s", m.ID, instanceID)
				continue
			}
			return nil, fmt.Errorf("failed to load access rule %s: %w", m.AccessID, err)
		}
		p.mappings[rule.ID] = m
		switch {
		case deleteAll:
			p.del = append(p.del, rule)
		case m.State == share.AccessStateQueuedToDeny:
			p.del = append(p.del, rule)
		default:
			p.current = append(p.current, rule)
			if m.IsPendingApply() {
				p.add = append(p.add, rule)
			}
		}
	}
	return p, nil
}

func ruleIDs(rules []*share.AccessRule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	return ids
}

// pass runs one driver round trip. It reports whether another pass is
// needed.
func (s *Synchronizer) pass(ctx context.Context, instanceID string, opts Options) (bool, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	maintenance := inst.AccessRulesStatus == share.AccessRulesError
	if !maintenance {
		if err := s.setStatus(ctx, instanceID, share.AccessRulesUpdating); err != nil {
			return false, err
		}
	}

	p, err := s.load(ctx, instanceID, opts.DeleteAll)
	if err != nil {
		return false, err
	}

	driverDel := p.del
	if maintenance && !opts.DeleteAll && len(p.del) > 0 {
		logger.Info("access: instance=%s is in error, resyncing %d rules instead of denying %d",
			instanceID, len(p.current), len(p.del))
		driverDel = nil
	}

	if err := s.apply(ctx, inst, p, driverDel, opts.ShareServer); err != nil {
		logger.Error("access: failed to update rules of instance=%s: %v", instanceID, err)
		if serr := s.setStatus(ctx, instanceID, share.AccessRulesError); serr != nil {
			logger.Error("access: failed to mark instance=%s in error: %v", instanceID, serr)
		}
		return false, err
	}

	if err := s.commit(ctx, instanceID, p); err != nil {
		return false, err
	}
	return s.finish(ctx, instanceID, p.current)
}

// apply sends the pass to the driver and stores returned access keys.
func (s *Synchronizer) apply(ctx context.Context, inst *share.ShareInstance, p *plan, driverDel []*share.AccessRule, srv *share.ShareServer) error {
	keys, err := s.driver.UpdateAccess(ctx, inst, p.current, p.add, driverDel, srv)
	switch {
	case err == nil:
	case share.IsKind(err, share.KindNotSupported):
		return s.applyLegacy(ctx, inst, p, srv)
	case share.IsNotFound(err) && len(p.add) == 0:
		logger.Debug("access: instance=%s not found on backend while denying, treating as done", inst.ID)
		return nil
	default:
		return fmt.Errorf("update access on instance %s: %w", inst.ID, err)
	}
	if len(keys) == 0 {
		return nil
	}

	expected := p.add
	if len(p.add) == 0 && len(driverDel) == 0 {
		expected = p.current
	}
	got := make([]string, 0, len(keys))
	for id := range keys {
		got = append(got, id)
	}
	sort.Strings(got)
	want := ruleIDs(expected)
	if !slices.Equal(got, want) {
		return share.Errorf(share.KindInvalidShareAccess,
			"access keys returned for rules %v, expected rules %v", got, want)
	}
	for id, key := range keys {
		_, err := s.store.UpdateAccessRule(ctx, id, func(r *share.AccessRule) error {
			r.AccessKey = key
			return nil
		})
		if err != nil && !share.IsNotFound(err) {
			return fmt.Errorf("failed to store access key of rule %s: %w", id, err)
		}
	}
	return nil
}

// applyLegacy falls back to per-rule calls. Every denied rule is sent,
// maintenance or not.
func (s *Synchronizer) applyLegacy(ctx context.Context, inst *share.ShareInstance, p *plan, srv *share.ShareServer) error {
	legacy, ok := s.driver.(driver.LegacyAccessDriver)
	if !ok {
		return share.Errorf(share.KindNotSupported, "driver %s supports neither update_access nor allow/deny", s.driver.Name())
	}
	for _, r := range p.add {
		logger.Info("access: applying rule=%s on instance=%s", r.ID, inst.ID)
		if err := legacy.AllowAccess(ctx, inst, r, srv); err != nil {
			return fmt.Errorf("allow access rule %s: %w", r.ID, err)
		}
	}
	for _, r := range p.del {
		logger.Info("access: denying rule=%s on instance=%s", r.ID, inst.ID)
		if err := legacy.DenyAccess(ctx, inst, r, srv); err != nil {
			if share.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("deny access rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// commit records the outcome of a successful driver call: applied mappings
// become active, denied mappings are removed together with rules left
// without any mapping.
func (s *Synchronizer) commit(ctx context.Context, instanceID string, p *plan) error {
	for _, r := range p.add {
		m := p.mappings[r.ID]
		_, err := s.store.UpdateMapping(ctx, m.ID, func(m *share.InstanceAccessMapping) error {
			// A deny queued meanwhile wins.
			if m.IsPendingApply() {
				m.State = share.AccessStateActive
			}
			return nil
		})
		if err != nil && !share.IsNotFound(err) {
			return fmt.Errorf("failed to activate mapping %s: %w", m.ID, err)
		}
	}
	for _, r := range p.del {
		m := p.mappings[r.ID]
		if err := s.store.DeleteMapping(ctx, m.ID); err != nil && !share.IsNotFound(err) {
			return fmt.Errorf("failed to remove mapping %s: %w", m.ID, err)
		}
		left, err := s.store.ListMappingsForRule(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("failed to list mappings of rule %s: %w", r.ID, err)
		}
		if len(left) == 0 {
			if err := s.store.DeleteAccessRule(ctx, r.ID); err != nil && !share.IsNotFound(err) {
				return fmt.Errorf("failed to remove rule %s: %w", r.ID, err)
			}
			logger.Debug("access: removed rule=%s", r.ID)
		}
	}
	return nil
}

// finish marks the instance active unless more work was queued during the
// pass, in which case it reports that another pass is needed.
func (s *Synchronizer) finish(ctx context.Context, instanceID string, applied []*share.AccessRule) (bool, error) {
	mappings, err := s.store.ListMappingsForInstance(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to list access mappings: %w", err)
	}
	now := set.NewStrings()
	for _, m := range mappings {
		now.Add(m.AccessID)
	}
	before := set.NewStrings(ruleIDs(applied)...)
	changed := !now.Difference(before).IsEmpty() || !before.Difference(now).IsEmpty()

	var from share.AccessRulesStatus
	_, err = s.store.UpdateInstance(ctx, instanceID, func(inst *share.ShareInstance) error {
		from = inst.AccessRulesStatus
		if changed || inst.AccessRulesStatus == share.AccessRulesUpdatingMultiple {
			return errRerun
		}
		inst.AccessRulesStatus = share.AccessRulesActive
		return nil
	})
	switch {
	case errors.Is(err, errRerun):
		logger.Debug("access: rules of instance=%s changed during the pass, running again", instanceID)
		return true, nil
	case err != nil:
		return false, err
	}
	if from != share.AccessRulesActive {
		s.metrics.RecordStatusChange(string(from), string(share.AccessRulesActive))
	}
	return false, nil
}

func (s *Synchronizer) setStatus(ctx context.Context, instanceID string, to share.AccessRulesStatus) error {
	var from share.AccessRulesStatus
	_, err := s.store.UpdateInstance(ctx, instanceID, func(inst *share.ShareInstance) error {
		from = inst.AccessRulesStatus
		inst.AccessRulesStatus = to
		return nil
	})
	if err != nil {
		return err
	}
	if from != to {
		s.metrics.RecordStatusChange(string(from), string(to))
	}
	return nil
}
