package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/mohae/deepcopy"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

type backendState struct {
	stats   *driver.Stats
	updated time.Time

	// consumed is the capacity booked per pool since the last report.
	consumed map[string]int
}

// HostManager caches backend capability reports and turns them into pool
// states for scheduling.
type HostManager struct {
	services store.ServiceStore
	clock    clock.Clock
	downTime time.Duration

	mu       sync.Mutex
	backends map[string]*backendState
}

// NewHostManager creates a HostManager. Services whose heartbeat is older
// than downTime are ignored.
func NewHostManager(services store.ServiceStore, clk clock.Clock, downTime time.Duration) *HostManager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &HostManager{
		services: services,
		clock:    clk,
		downTime: downTime,
		backends: make(map[string]*backendState),
	}
}

// UpdateServiceCapabilities stores a backend's capability report. Reports
// older than the cached one are ignored.
func (m *HostManager) UpdateServiceCapabilities(backend string, stats *driver.Stats, ts time.Time) {
	if stats == nil {
		return
	}
	if ts.IsZero() {
		ts = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.backends[backend]; ok && cur.updated.After(ts) {
		logger.Debug("scheduler: ignoring stale capabilities from %s", backend)
		return
	}
	m.backends[backend] = &backendState{
		stats:    deepcopy.Copy(stats).(*driver.Stats),
		updated:  ts,
		consumed: make(map[string]int),
	}
	logger.Debug("scheduler: received capabilities from %s (%d pools)", backend, len(stats.Pools))
}

// Consume books size GB on a pool until the backend's next report.
func (m *HostManager) Consume(poolName string, size int) {
	backend := share.ExtractHost(poolName, share.LevelBackend)
	pool := share.ExtractHost(poolName, share.LevelPool)
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backends[backend]; ok {
		b.consumed[pool] += size
	}
}

// liveServices returns the share services that are up and enabled, and
// drops cached reports of the others.
func (m *HostManager) liveServices(ctx context.Context) (map[string]*share.Service, error) {
	services, err := m.services.ListServices(ctx, share.TopicShare)
	if err != nil {
		return nil, fmt.Errorf("failed to list share services: %w", err)
	}
	now := m.clock.Now()
	live := make(map[string]*share.Service, len(services))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range services {
		if svc.Disabled || !svc.IsUp(now, m.downTime) {
			logger.Warn("scheduler: share service %s is down or disabled", svc.Host)
			if _, ok := m.backends[svc.Host]; ok {
				delete(m.backends, svc.Host)
				logger.Info("scheduler: removed inactive host %s from cache", svc.Host)
			}
			continue
		}
		live[svc.Host] = svc
	}
	return live, nil
}

// GetAllHostStates returns a private copy of every pool of every live
// backend, sorted by name.
func (m *HostManager) GetAllHostStates(ctx context.Context) ([]*host.State, error) {
	live, err := m.liveServices(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*host.State
	for backend, svc := range live {
		b, ok := m.backends[backend]
		if !ok {
			continue
		}
		for _, p := range b.stats.Pools {
			st := host.FromPool(backend, svc, b.stats, p, b.updated)
			if n := b.consumed[p.Name]; n > 0 {
				st.Consume(n)
			}
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetPools lists pools matching args. Each non-empty field of args is a
// regular expression anchored at the start of the corresponding value.
func (m *HostManager) GetPools(ctx context.Context, args rpcapi.GetPoolsArgs) ([]rpcapi.PoolInfo, error) {
	matchers := make(map[string]*regexp.Regexp)
	for field, expr := range map[string]string{"host": args.Host, "backend": args.Backend, "pool": args.Pool} {
		if expr == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + expr + ")")
		if err != nil {
			return nil, share.Errorf(share.KindInvalidInput, "invalid %s filter %q: %v", field, expr, err)
		}
		matchers[field] = re
	}

	states, err := m.GetAllHostStates(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rpcapi.PoolInfo
	for _, st := range states {
		b, ok := m.backends[st.Backend]
		if !ok {
			continue
		}
		info := rpcapi.PoolInfo{
			Name: st.Name,
			Host: share.ExtractHost(st.Name, share.LevelHost),
			Pool: st.PoolName,
		}
		if _, backendName, ok := strings.Cut(st.Backend, "@"); ok {
			info.Backend = backendName
		}
		for _, p := range b.stats.Pools {
			if p.Name == st.PoolName {
				info.Capabilities = p
				break
			}
		}
		info.Capabilities.FreeCapacityGB = st.FreeCapacityGB
		info.Capabilities.AllocatedCapacityGB = st.AllocatedCapacityGB
		info.Capabilities.ProvisionedCapacityGB = st.ProvisionedCapacityGB

		values := map[string]string{"host": info.Host, "backend": info.Backend, "pool": info.Pool}
		matched := true
		for field, re := range matchers {
			if !re.MatchString(values[field]) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, info)
		}
	}
	return out, nil
}
