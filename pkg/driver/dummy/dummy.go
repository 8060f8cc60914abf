// Package dummy is an in-memory driver for development and tests.
//
// It keeps per-instance state in memory, reports configurable pools and
// supports failure injection per operation. Every backend call goes through
// driver.Retry with the configured policy, so injected transient failures
// can be absorbed by retries.
package dummy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/share"
)

// Operation names used for failure injection and call recording.
const (
	OpCreateShare       = "create_share"
	OpCreateFromSnap    = "create_share_from_snapshot"
	OpDeleteShare       = "delete_share"
	OpUpdateAccess      = "update_access"
	OpAllowAccess       = "allow_access"
	OpDenyAccess        = "deny_access"
	OpExtend            = "extend_share"
	OpShrink            = "shrink_share"
	OpCreateSnapshot    = "create_snapshot"
	OpDeleteSnapshot    = "delete_snapshot"
	OpManage            = "manage_existing"
	OpUnmanage          = "unmanage"
	OpCreateReplica     = "create_replica"
	OpDeleteReplica     = "delete_replica"
	OpPromoteReplica    = "promote_replica"
	OpUpdateReplica     = "update_replica_state"
	OpMigrationStart    = "migration_start"
	OpMigrationContinue = "migration_continue"
	OpMigrationComplete = "migration_complete"
	OpMigrationCancel   = "migration_cancel"
)

// PoolConfig describes one reported pool.
type PoolConfig struct {
	Name                      string  `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	TotalCapacityGB           float64 `mapstructure:"total_capacity_gb" yaml:"total_capacity_gb" json:"total_capacity_gb" validate:"gte=0"`
	ReservedPercentage        int     `mapstructure:"reserved_percentage" yaml:"reserved_percentage" json:"reserved_percentage" validate:"gte=0,lte=100"`
	ThinProvisioning          bool    `mapstructure:"thin_provisioning" yaml:"thin_provisioning" json:"thin_provisioning"`
	MaxOverSubscriptionRatio  float64 `mapstructure:"max_over_subscription_ratio" yaml:"max_over_subscription_ratio" json:"max_over_subscription_ratio"`
	ReplicationType           string  `mapstructure:"replication_type" yaml:"replication_type,omitempty" json:"replication_type,omitempty" validate:"omitempty,oneof=readable writable dr"`
	ReplicationDomain         string  `mapstructure:"replication_domain" yaml:"replication_domain,omitempty" json:"replication_domain,omitempty"`
	DriverHandlesShareServers bool    `mapstructure:"driver_handles_share_servers" yaml:"driver_handles_share_servers" json:"driver_handles_share_servers"`
	SnapshotSupport           bool    `mapstructure:"snapshot_support" yaml:"snapshot_support" json:"snapshot_support"`

	// UnknownCapacity reports total and free capacity as "unknown".
	UnknownCapacity bool `mapstructure:"unknown_capacity" yaml:"unknown_capacity,omitempty" json:"unknown_capacity,omitempty"`
}

// Config configures a dummy backend.
type Config struct {
	BackendName      string             `mapstructure:"backend_name" yaml:"backend_name" json:"backend_name"`
	Pools            []PoolConfig       `mapstructure:"pools" yaml:"pools" json:"pools" validate:"dive"`
	FilterFunction   string             `mapstructure:"filter_function" yaml:"filter_function,omitempty" json:"filter_function,omitempty"`
	GoodnessFunction string             `mapstructure:"goodness_function" yaml:"goodness_function,omitempty" json:"goodness_function,omitempty"`
	Retry            driver.RetryPolicy `mapstructure:"retry" yaml:"retry" json:"retry"`

	// LegacyAccess makes UpdateAccess unsupported so callers fall back to
	// AllowAccess and DenyAccess.
	LegacyAccess bool `mapstructure:"legacy_access" yaml:"legacy_access,omitempty" json:"legacy_access,omitempty"`

	// DriverMigration enables driver-assisted migration between dummy
	// backends. MigrationSteps is the number of MigrationContinue calls
	// phase one takes.
	DriverMigration bool `mapstructure:"driver_migration" yaml:"driver_migration,omitempty" json:"driver_migration,omitempty"`
	MigrationSteps  int  `mapstructure:"migration_steps" yaml:"migration_steps,omitempty" json:"migration_steps,omitempty"`

	// DataDir, when set, backs every share with a directory named after
	// its instance so the data service can copy real content. The path is
	// reported by ConnectionInfo under "path".
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
}

type rule struct {
	accessType share.AccessType
	accessTo   string
	level      share.AccessLevel
}

type instance struct {
	host   string
	size   int
	usedGB int
	rules  map[string]rule
	snaps  map[string]struct{}
}

type migration struct {
	steps    int
	progress int
	done     bool
}

type fault struct {
	err       error
	remaining int
}

// Call records one backend call.
type Call struct {
	Op         string
	InstanceID string
}

// Driver is the in-memory driver.
type Driver struct {
	cfg   Config
	clock clock.Clock

	mu         sync.Mutex
	instances  map[string]*instance
	migrations map[string]*migration
	faults     map[string]*fault
	calls      []Call
}

var (
	_ driver.Driver               = (*Driver)(nil)
	_ driver.LegacyAccessDriver   = (*Driver)(nil)
	_ driver.ReplicationDriver    = (*Driver)(nil)
	_ driver.MigrationDriver      = (*Driver)(nil)
	_ driver.ConnectionInfoDriver = (*Driver)(nil)
)

// New creates a dummy driver. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.BackendName == "" {
		cfg.BackendName = "dummy"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 1
	}
	if cfg.MigrationSteps <= 0 {
		cfg.MigrationSteps = 2
	}
	return &Driver{
		cfg:        cfg,
		clock:      clk,
		instances:  make(map[string]*instance),
		migrations: make(map[string]*migration),
		faults:     make(map[string]*fault),
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return "dummy" }

// FailOn makes the next times calls of op fail with err. A negative times
// fails every call until ClearFaults.
func (d *Driver) FailOn(op string, err error, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = &fault{err: err, remaining: times}
}

// ClearFaults removes all injected failures.
func (d *Driver) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = make(map[string]*fault)
}

// SetUsage sets the amount of data stored on an instance.
func (d *Driver) SetUsage(instanceID string, gb int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if in, ok := d.instances[instanceID]; ok {
		in.usedGB = gb
	}
}

// Calls returns the recorded calls in order.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount counts the recorded calls of op.
func (d *Driver) CallCount(op string) int {
	n := 0
	for _, c := range d.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// HasInstance reports whether the backend holds the instance.
func (d *Driver) HasInstance(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.instances[id]
	return ok
}

// Size returns the provisioned size of an instance, or 0.
func (d *Driver) Size(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if in, ok := d.instances[id]; ok {
		return in.size
	}
	return 0
}

// Rules returns "type:to:level" for every rule applied to an instance, sorted.
func (d *Driver) Rules(instanceID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	in, ok := d.instances[instanceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(in.rules))
	for _, r := range in.rules {
		out = append(out, fmt.Sprintf("%s:%s:%s", r.accessType, r.accessTo, r.level))
	}
	sort.Strings(out)
	return out
}

// call runs fn under the retry policy. Each attempt first consumes an
// injected failure for op, if any.
func (d *Driver) call(ctx context.Context, op, instanceID string, fn func() error) error {
	return driver.Retry(ctx, d.clock, d.cfg.Retry, func() error {
		d.mu.Lock()
		d.calls = append(d.calls, Call{Op: op, InstanceID: instanceID})
		if f, ok := d.faults[op]; ok && f.remaining != 0 {
			if f.remaining > 0 {
				f.remaining--
			}
			d.mu.Unlock()
			logger.Debug("dummy: injected failure op=%s instance=%s: %v", op, instanceID, f.err)
			return f.err
		}
		defer d.mu.Unlock()
		return fn()
	})
}

func (d *Driver) exportLocation(inst *share.ShareInstance) string {
	return fmt.Sprintf("%s:/shares/%s", share.ExtractHost(inst.Host, share.LevelHost), inst.ID)
}

// dataPath returns the backing directory of an instance, or "" without a
// DataDir.
func (d *Driver) dataPath(id string) string {
	if d.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(d.cfg.DataDir, id)
}

func (d *Driver) makeDir(id string) error {
	if p := d.dataPath(id); p != "" {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create backing directory: %w", err)
		}
	}
	return nil
}

func (d *Driver) removeDir(id string) {
	if p := d.dataPath(id); p != "" {
		if err := os.RemoveAll(p); err != nil {
			logger.Warn("dummy: failed to remove %s: %v", p, err)
		}
	}
}

func (d *Driver) lookup(id string) (*instance, error) {
	in, ok := d.instances[id]
	if !ok {
		return nil, share.NotFound("backend share", id)
	}
	return in, nil
}

// CreateShare implements driver.Driver.
func (d *Driver) CreateShare(ctx context.Context, inst *share.ShareInstance, sh *share.Share, srv *share.ShareServer) ([]string, error) {
	var exports []string
	err := d.call(ctx, OpCreateShare, inst.ID, func() error {
		if err := d.makeDir(inst.ID); err != nil {
			return err
		}
		d.instances[inst.ID] = &instance{
			host:  inst.Host,
			size:  sh.Size,
			rules: make(map[string]rule),
			snaps: make(map[string]struct{}),
		}
		exports = []string{d.exportLocation(inst)}
		return nil
	})
	return exports, err
}

// CreateShareFromSnapshot implements driver.Driver.
func (d *Driver) CreateShareFromSnapshot(ctx context.Context, inst *share.ShareInstance, sh *share.Share, snap *share.SnapshotInstance, srv *share.ShareServer) ([]string, error) {
	var exports []string
	err := d.call(ctx, OpCreateFromSnap, inst.ID, func() error {
		src, err := d.lookup(snap.ShareInstanceID)
		if err != nil {
			return err
		}
		if _, ok := src.snaps[snap.ID]; !ok {
			return share.NotFound("backend snapshot", snap.ID)
		}
		if err := d.makeDir(inst.ID); err != nil {
			return err
		}
		d.instances[inst.ID] = &instance{
			host:   inst.Host,
			size:   sh.Size,
			usedGB: src.usedGB,
			rules:  make(map[string]rule),
			snaps:  make(map[string]struct{}),
		}
		exports = []string{d.exportLocation(inst)}
		return nil
	})
	return exports, err
}

// DeleteShare implements driver.Driver.
func (d *Driver) DeleteShare(ctx context.Context, inst *share.ShareInstance, srv *share.ShareServer) error {
	return d.call(ctx, OpDeleteShare, inst.ID, func() error {
		if _, err := d.lookup(inst.ID); err != nil {
			return err
		}
		delete(d.instances, inst.ID)
		d.removeDir(inst.ID)
		return nil
	})
}

func accessKey(r *share.AccessRule) string {
	return fmt.Sprintf("%s-%s", r.AccessType, r.ID)
}

// UpdateAccess implements driver.Driver.
func (d *Driver) UpdateAccess(ctx context.Context, inst *share.ShareInstance, current, add, del []*share.AccessRule, srv *share.ShareServer) (map[string]string, error) {
	if d.cfg.LegacyAccess {
		return nil, share.Errorf(share.KindNotSupported, "update_access is not supported by %s", d.cfg.BackendName)
	}
	var keys map[string]string
	err := d.call(ctx, OpUpdateAccess, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		keys = make(map[string]string)
		if len(add) == 0 && len(del) == 0 {
			in.rules = make(map[string]rule, len(current))
			for _, r := range current {
				in.rules[r.ID] = rule{r.AccessType, r.AccessTo, r.AccessLevel}
				keys[r.ID] = accessKey(r)
			}
			return nil
		}
		for _, r := range del {
			delete(in.rules, r.ID)
		}
		for _, r := range add {
			in.rules[r.ID] = rule{r.AccessType, r.AccessTo, r.AccessLevel}
			keys[r.ID] = accessKey(r)
		}
		return nil
	})
	return keys, err
}

// AllowAccess implements driver.LegacyAccessDriver.
func (d *Driver) AllowAccess(ctx context.Context, inst *share.ShareInstance, r *share.AccessRule, srv *share.ShareServer) error {
	return d.call(ctx, OpAllowAccess, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		in.rules[r.ID] = rule{r.AccessType, r.AccessTo, r.AccessLevel}
		return nil
	})
}

// DenyAccess implements driver.LegacyAccessDriver.
func (d *Driver) DenyAccess(ctx context.Context, inst *share.ShareInstance, r *share.AccessRule, srv *share.ShareServer) error {
	return d.call(ctx, OpDenyAccess, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		if _, ok := in.rules[r.ID]; !ok {
			return share.NotFound("backend access rule", r.ID)
		}
		delete(in.rules, r.ID)
		return nil
	})
}

// ExtendShare implements driver.Driver.
func (d *Driver) ExtendShare(ctx context.Context, inst *share.ShareInstance, newSize int, srv *share.ShareServer) error {
	return d.call(ctx, OpExtend, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		in.size = newSize
		return nil
	})
}

// ShrinkShare implements driver.Driver.
func (d *Driver) ShrinkShare(ctx context.Context, inst *share.ShareInstance, newSize int, srv *share.ShareServer) error {
	return d.call(ctx, OpShrink, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		if in.usedGB > newSize {
			return driver.ErrShrinkPossibleDataLoss
		}
		in.size = newSize
		return nil
	})
}

// CreateSnapshot implements driver.Driver.
func (d *Driver) CreateSnapshot(ctx context.Context, snap *share.SnapshotInstance, inst *share.ShareInstance, srv *share.ShareServer) error {
	return d.call(ctx, OpCreateSnapshot, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		in.snaps[snap.ID] = struct{}{}
		return nil
	})
}

// DeleteSnapshot implements driver.Driver.
func (d *Driver) DeleteSnapshot(ctx context.Context, snap *share.SnapshotInstance, inst *share.ShareInstance, srv *share.ShareServer) error {
	return d.call(ctx, OpDeleteSnapshot, inst.ID, func() error {
		in, err := d.lookup(inst.ID)
		if err != nil {
			return err
		}
		if _, ok := in.snaps[snap.ID]; !ok {
			return share.NotFound("backend snapshot", snap.ID)
		}
		delete(in.snaps, snap.ID)
		return nil
	})
}

// ManageExisting implements driver.Driver. The size comes from the "size"
// option and defaults to 1.
func (d *Driver) ManageExisting(ctx context.Context, inst *share.ShareInstance, exportPath string, opts map[string]string) (*driver.ManagedShare, error) {
	var out *driver.ManagedShare
	err := d.call(ctx, OpManage, inst.ID, func() error {
		if exportPath == "" {
			return share.Errorf(share.KindInvalidInput, "export path is required")
		}
		size := 1
		if v, ok := opts["size"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return share.Errorf(share.KindInvalidInput, "invalid size %q", v)
			}
			size = n
		}
		d.instances[inst.ID] = &instance{
			host:  inst.Host,
			size:  size,
			rules: make(map[string]rule),
			snaps: make(map[string]struct{}),
		}
		out = &driver.ManagedShare{Size: size, ExportLocations: []string{exportPath}}
		return nil
	})
	return out, err
}

// Unmanage implements driver.Driver. The backend keeps the data; only the
// tracking is dropped.
func (d *Driver) Unmanage(ctx context.Context, inst *share.ShareInstance) error {
	return d.call(ctx, OpUnmanage, inst.ID, func() error {
		delete(d.instances, inst.ID)
		return nil
	})
}

// GetShareStats implements driver.Driver.
func (d *Driver) GetShareStats(ctx context.Context, refresh bool) (*driver.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	allocated := make(map[string]int)
	for _, in := range d.instances {
		allocated[share.ExtractHost(in.host, share.LevelPool)] += in.size
	}

	stats := &driver.Stats{
		BackendName:      d.cfg.BackendName,
		VendorName:       "DittoShare",
		DriverVersion:    "1.0",
		StorageProtocol:  "NFS_CIFS",
		FilterFunction:   d.cfg.FilterFunction,
		GoodnessFunction: d.cfg.GoodnessFunction,
	}
	for _, p := range d.cfg.Pools {
		ps := driver.PoolStats{
			Name:                      p.Name,
			AllocatedCapacityGB:       float64(allocated[p.Name]),
			ProvisionedCapacityGB:     float64(allocated[p.Name]),
			ReservedPercentage:        p.ReservedPercentage,
			ThinProvisioning:          p.ThinProvisioning,
			MaxOverSubscriptionRatio:  p.MaxOverSubscriptionRatio,
			DriverHandlesShareServers: p.DriverHandlesShareServers,
			SnapshotSupport:           p.SnapshotSupport,
			ReplicationType:           p.ReplicationType,
			ReplicationDomain:         p.ReplicationDomain,
		}
		if p.UnknownCapacity {
			ps.TotalCapacityGB = driver.Unknown()
			ps.FreeCapacityGB = driver.Unknown()
		} else {
			ps.TotalCapacityGB = driver.GB(p.TotalCapacityGB)
			ps.FreeCapacityGB = driver.GB(max(p.TotalCapacityGB-float64(allocated[p.Name]), 0))
		}
		if ps.MaxOverSubscriptionRatio == 0 {
			ps.MaxOverSubscriptionRatio = 1
		}
		stats.Pools = append(stats.Pools, ps)
	}
	return stats, nil
}

// CreateReplica implements driver.ReplicationDriver.
func (d *Driver) CreateReplica(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, rules []*share.AccessRule, srv *share.ShareServer) (*driver.ReplicaUpdate, error) {
	var out *driver.ReplicaUpdate
	err := d.call(ctx, OpCreateReplica, replica.ID, func() error {
		var active *share.ShareInstance
		for _, r := range replicas {
			if r.ReplicaState == share.ReplicaStateActive {
				active = r
			}
		}
		size := 1
		if active != nil {
			if src, ok := d.instances[active.ID]; ok {
				size = src.size
			}
		}
		in := &instance{
			host:  replica.Host,
			size:  size,
			rules: make(map[string]rule),
			snaps: make(map[string]struct{}),
		}
		for _, r := range rules {
			in.rules[r.ID] = rule{r.AccessType, r.AccessTo, share.AccessLevelRO}
		}
		d.instances[replica.ID] = in
		out = &driver.ReplicaUpdate{
			ID:              replica.ID,
			ReplicaState:    share.ReplicaStateInSync,
			ExportLocations: []string{d.exportLocation(replica)},
		}
		return nil
	})
	return out, err
}

// DeleteReplica implements driver.ReplicationDriver.
func (d *Driver) DeleteReplica(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, srv *share.ShareServer) error {
	return d.call(ctx, OpDeleteReplica, replica.ID, func() error {
		delete(d.instances, replica.ID)
		return nil
	})
}

// PromoteReplica implements driver.ReplicationDriver.
func (d *Driver) PromoteReplica(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, rules []*share.AccessRule, srv *share.ShareServer) ([]driver.ReplicaUpdate, error) {
	var out []driver.ReplicaUpdate
	err := d.call(ctx, OpPromoteReplica, replica.ID, func() error {
		in, err := d.lookup(replica.ID)
		if err != nil {
			return err
		}
		for _, r := range rules {
			in.rules[r.ID] = rule{r.AccessType, r.AccessTo, r.AccessLevel}
		}
		out = append(out, driver.ReplicaUpdate{ID: replica.ID, ReplicaState: share.ReplicaStateActive})
		for _, r := range replicas {
			if r.ID != replica.ID && r.ReplicaState == share.ReplicaStateActive {
				out = append(out, driver.ReplicaUpdate{ID: r.ID, ReplicaState: share.ReplicaStateInSync})
			}
		}
		return nil
	})
	return out, err
}

// UpdateReplicaState implements driver.ReplicationDriver.
func (d *Driver) UpdateReplicaState(ctx context.Context, replicas []*share.ShareInstance, replica *share.ShareInstance, rules []*share.AccessRule, srv *share.ShareServer) (share.ReplicaState, error) {
	state := share.ReplicaStateInSync
	err := d.call(ctx, OpUpdateReplica, replica.ID, func() error {
		if _, err := d.lookup(replica.ID); err != nil {
			state = share.ReplicaStateError
			return err
		}
		return nil
	})
	return state, err
}

// MigrationCheckCompatibility implements driver.MigrationDriver.
func (d *Driver) MigrationCheckCompatibility(ctx context.Context, src *share.ShareInstance, destHost string) (*driver.Compatibility, error) {
	if !d.cfg.DriverMigration {
		return &driver.Compatibility{}, nil
	}
	return &driver.Compatibility{Compatible: true, Writable: true, PreserveMetadata: true}, nil
}

// MigrationStart implements driver.MigrationDriver.
func (d *Driver) MigrationStart(ctx context.Context, src, dest *share.ShareInstance) error {
	return d.call(ctx, OpMigrationStart, src.ID, func() error {
		if _, err := d.lookup(src.ID); err != nil {
			return err
		}
		d.migrations[src.ID] = &migration{}
		return nil
	})
}

// MigrationContinue implements driver.MigrationDriver. Each call advances
// phase one by one step.
func (d *Driver) MigrationContinue(ctx context.Context, src, dest *share.ShareInstance) (bool, error) {
	var done bool
	err := d.call(ctx, OpMigrationContinue, src.ID, func() error {
		m, ok := d.migrations[src.ID]
		if !ok {
			return share.NotFound("backend migration", src.ID)
		}
		m.steps++
		m.progress = min(m.steps*100/d.cfg.MigrationSteps, 100)
		m.done = m.steps >= d.cfg.MigrationSteps
		done = m.done
		return nil
	})
	return done, err
}

// MigrationComplete implements driver.MigrationDriver.
func (d *Driver) MigrationComplete(ctx context.Context, src, dest *share.ShareInstance) ([]string, error) {
	var exports []string
	err := d.call(ctx, OpMigrationComplete, src.ID, func() error {
		m, ok := d.migrations[src.ID]
		if !ok || !m.done {
			return share.Errorf(share.KindInvalidState, "migration of %s has not finished phase one", src.ID)
		}
		in, err := d.lookup(src.ID)
		if err != nil {
			return err
		}
		if from, to := d.dataPath(src.ID), d.dataPath(dest.ID); from != "" {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("move backing directory: %w", err)
			}
		}
		in.host = dest.Host
		d.instances[dest.ID] = in
		delete(d.instances, src.ID)
		delete(d.migrations, src.ID)
		exports = []string{d.exportLocation(dest)}
		return nil
	})
	return exports, err
}

// MigrationCancel implements driver.MigrationDriver.
func (d *Driver) MigrationCancel(ctx context.Context, src, dest *share.ShareInstance) error {
	return d.call(ctx, OpMigrationCancel, src.ID, func() error {
		if _, ok := d.migrations[src.ID]; !ok {
			return share.NotFound("backend migration", src.ID)
		}
		delete(d.migrations, src.ID)
		return nil
	})
}

// MigrationGetProgress implements driver.MigrationDriver.
func (d *Driver) MigrationGetProgress(ctx context.Context, src, dest *share.ShareInstance) (*share.ProgressReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.migrations[src.ID]
	if !ok {
		return nil, share.NotFound("backend migration", src.ID)
	}
	return &share.ProgressReport{
		TaskState:     share.TaskStateMigrationDriverInProgress,
		TotalProgress: m.progress,
	}, nil
}

// ConnectionInfo implements driver.ConnectionInfoDriver.
func (d *Driver) ConnectionInfo(ctx context.Context, inst *share.ShareInstance) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.lookup(inst.ID); err != nil {
		return nil, err
	}
	info := map[string]string{
		"export": d.exportLocation(inst),
		"type":   "nfs",
	}
	if p := d.dataPath(inst.ID); p != "" {
		info["path"] = p
	}
	return info, nil
}
