// Package quota implements per-project resource accounting with a
// reserve / commit / rollback protocol.
//
// A caller reserves the deltas an operation will consume before creating
// any rows, commits the reservation once the rows exist and rolls it back
// if creation fails. Negative deltas (deletes, shrinks) never exceed a
// limit; they only lower usage on commit.
package quota

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/share"
)

// Resource names a counted resource.
type Resource string

const (
	Shares            Resource = "shares"
	Gigabytes         Resource = "gigabytes"
	Snapshots         Resource = "snapshots"
	SnapshotGigabytes Resource = "snapshot_gigabytes"
	ShareReplicas     Resource = "share_replicas"
	ReplicaGigabytes  Resource = "replica_gigabytes"
)

// Unlimited disables a limit.
const Unlimited = -1

// Deltas maps resources to the amount an operation adds (or removes).
type Deltas map[Resource]int

// Limits are the per-project hard limits. Unlimited (-1) disables one.
type Limits struct {
	Shares            int `mapstructure:"shares" yaml:"shares" json:"shares"`
	Gigabytes         int `mapstructure:"gigabytes" yaml:"gigabytes" json:"gigabytes"`
	Snapshots         int `mapstructure:"snapshots" yaml:"snapshots" json:"snapshots"`
	SnapshotGigabytes int `mapstructure:"snapshot_gigabytes" yaml:"snapshot_gigabytes" json:"snapshot_gigabytes"`
	ShareReplicas     int `mapstructure:"share_replicas" yaml:"share_replicas" json:"share_replicas"`
	ReplicaGigabytes  int `mapstructure:"replica_gigabytes" yaml:"replica_gigabytes" json:"replica_gigabytes"`
}

// DefaultLimits mirrors a conservative single-tenant default.
func DefaultLimits() Limits {
	return Limits{
		Shares:            50,
		Gigabytes:         1000,
		Snapshots:         50,
		SnapshotGigabytes: 1000,
		ShareReplicas:     100,
		ReplicaGigabytes:  1000,
	}
}

func (l Limits) get(r Resource) int {
	switch r {
	case Shares:
		return l.Shares
	case Gigabytes:
		return l.Gigabytes
	case Snapshots:
		return l.Snapshots
	case SnapshotGigabytes:
		return l.SnapshotGigabytes
	case ShareReplicas:
		return l.ShareReplicas
	case ReplicaGigabytes:
		return l.ReplicaGigabytes
	}
	return Unlimited
}

// Usage is the committed and reserved amount of one resource.
type Usage struct {
	InUse    int `json:"in_use"`
	Reserved int `json:"reserved"`
}

// OverQuotaError reports which resources a reservation would exceed.
type OverQuotaError struct {
	Overs  []Resource
	Usages map[Resource]Usage
	Quotas map[Resource]int
}

func (e *OverQuotaError) Error() string {
	names := make([]string, len(e.Overs))
	for i, r := range e.Overs {
		names[i] = string(r)
	}
	return fmt.Sprintf("quota exceeded for resources: %s", strings.Join(names, ", "))
}

// Unwrap exposes the error as a share.KindQuota error.
func (e *OverQuotaError) Unwrap() error {
	return &share.Error{Kind: share.KindQuota, Message: e.Error()}
}

// Exceeded reports whether r is among the exceeded resources.
func (e *OverQuotaError) Exceeded(r Resource) bool {
	for _, o := range e.Overs {
		if o == r {
			return true
		}
	}
	return false
}

// Service is the quota collaborator.
type Service interface {
	// Reserve books deltas for project and returns the reservation IDs.
	// It fails with *OverQuotaError without booking anything.
	Reserve(ctx context.Context, project string, deltas Deltas) ([]string, error)

	// Commit turns reservations into usage.
	Commit(ctx context.Context, project string, ids []string) error

	// Rollback releases reservations.
	Rollback(ctx context.Context, project string, ids []string) error
}

type reservation struct {
	project  string
	resource Resource
	delta    int
}

// Engine is an in-process Service.
//
// Thread safety: all methods serialize on one mutex, which makes every
// reservation a serializable transaction.
type Engine struct {
	mu           sync.Mutex
	limits       Limits
	overrides    map[string]Limits
	usage        map[string]map[Resource]*Usage
	reservations map[string]reservation
}

// NewEngine creates an engine applying limits to every project.
func NewEngine(limits Limits) *Engine {
	return &Engine{
		limits:       limits,
		overrides:    make(map[string]Limits),
		usage:        make(map[string]map[Resource]*Usage),
		reservations: make(map[string]reservation),
	}
}

// SetProjectLimits overrides the limits of one project.
func (e *Engine) SetProjectLimits(project string, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[project] = limits
}

func (e *Engine) limitsFor(project string) Limits {
	if l, ok := e.overrides[project]; ok {
		return l
	}
	return e.limits
}

func (e *Engine) usageFor(project string, r Resource) *Usage {
	p, ok := e.usage[project]
	if !ok {
		p = make(map[Resource]*Usage)
		e.usage[project] = p
	}
	u, ok := p[r]
	if !ok {
		u = &Usage{}
		p[r] = u
	}
	return u
}

// Reserve implements Service.
func (e *Engine) Reserve(ctx context.Context, project string, deltas Deltas) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	limits := e.limitsFor(project)
	resources := make([]Resource, 0, len(deltas))
	for r := range deltas {
		resources = append(resources, r)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })

	var overs []Resource
	for _, r := range resources {
		d := deltas[r]
		limit := limits.get(r)
		if d <= 0 || limit < 0 {
			continue
		}
		u := e.usageFor(project, r)
		if u.InUse+u.Reserved+d > limit {
			overs = append(overs, r)
		}
	}
	if len(overs) > 0 {
		oqe := &OverQuotaError{
			Overs:  overs,
			Usages: make(map[Resource]Usage),
			Quotas: make(map[Resource]int),
		}
		for _, r := range resources {
			oqe.Usages[r] = *e.usageFor(project, r)
			oqe.Quotas[r] = limits.get(r)
		}
		logger.Debug("quota: project=%s over quota for %v", project, overs)
		return nil, oqe
	}

	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		d := deltas[r]
		if d == 0 {
			continue
		}
		if d > 0 {
			e.usageFor(project, r).Reserved += d
		}
		id := uuid.NewString()
		e.reservations[id] = reservation{project: project, resource: r, delta: d}
		ids = append(ids, id)
	}
	return ids, nil
}

// Commit implements Service. Unknown IDs are ignored.
func (e *Engine) Commit(ctx context.Context, project string, ids []string) error {
	return e.finish(ctx, project, ids, true)
}

// Rollback implements Service. Unknown IDs are ignored.
func (e *Engine) Rollback(ctx context.Context, project string, ids []string) error {
	return e.finish(ctx, project, ids, false)
}

func (e *Engine) finish(ctx context.Context, project string, ids []string, commit bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ids {
		res, ok := e.reservations[id]
		if !ok {
			continue
		}
		if res.project != project {
			return share.Errorf(share.KindInvalidInput, "reservation %s belongs to another project", id)
		}
		delete(e.reservations, id)
		u := e.usageFor(project, res.resource)
		if res.delta > 0 {
			u.Reserved -= res.delta
		}
		if commit {
			u.InUse += res.delta
			if u.InUse < 0 {
				u.InUse = 0
			}
		}
	}
	return nil
}

// Usage returns a copy of a project's usage.
func (e *Engine) Usage(project string) map[Resource]Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Resource]Usage)
	for r, u := range e.usage[project] {
		out[r] = *u
	}
	return out
}

var _ Service = (*Engine)(nil)
