// Package scheduler places share instances and replicas on backend pools.
//
// The FilterScheduler takes a snapshot of every live pool from the
// HostManager, removes the pools that fail any configured filter, ranks
// the rest with the configured weighers and dispatches the request to the
// winning host. The Manager exposes it on the scheduler RPC topic.
package scheduler

import (
	"context"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/scheduler/filters"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/scheduler/weighers"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// FilterScheduler chooses hosts by filtering and weighing pools.
type FilterScheduler struct {
	cfg      Config
	hosts    *HostManager
	filters  []filters.Filter
	weighers []weighers.Weighted
	store    store.Store
	shares   *rpcapi.ShareClient
	metrics  metrics.SchedulerMetrics
}

// NewFilterScheduler creates a FilterScheduler. A nil metrics uses a no-op
// implementation.
func NewFilterScheduler(cfg Config, hosts *HostManager, st store.Store, shares *rpcapi.ShareClient, m metrics.SchedulerMetrics) (*FilterScheduler, error) {
	cfg.applyDefaults()
	fs, err := filters.New(cfg.DefaultFilters)
	if err != nil {
		return nil, err
	}
	ws, err := weighers.New(cfg.DefaultWeighers, cfg.multipliers())
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoopSchedulerMetrics()
	}
	return &FilterScheduler{
		cfg:      cfg,
		hosts:    hosts,
		filters:  fs,
		weighers: ws,
		store:    st,
		shares:   shares,
		metrics:  m,
	}, nil
}

// Filter returns the pools that pass every filter. Pools reporting
// enabled=false are removed first.
func (s *FilterScheduler) Filter(hosts []*host.State, props *share.FilterProperties) []*host.State {
	candidates := make([]*host.State, 0, len(hosts))
	for _, h := range hosts {
		if h.Enabled() {
			candidates = append(candidates, h)
		}
	}
	for _, f := range s.filters {
		passed := candidates[:0:0]
		for _, h := range candidates {
			if f.HostPasses(h, props) {
				passed = append(passed, h)
			}
		}
		if n := len(candidates) - len(passed); n > 0 {
			s.metrics.RecordRejected(f.Name(), n)
			logger.Debug("scheduler: %s removed %d of %d hosts", f.Name(), n, len(candidates))
		}
		candidates = passed
		if len(candidates) == 0 {
			break
		}
	}
	return candidates
}

// Weigh ranks hosts, best first.
func (s *FilterScheduler) Weigh(hosts []*host.State, props *share.FilterProperties) []weighers.WeighedHost {
	return weighers.Rank(hosts, s.weighers, props)
}

// prepare fills the derived filter properties of a request.
func (s *FilterScheduler) prepare(spec *share.RequestSpec, props *share.FilterProperties) {
	props.RequestSpec = spec
	if props.ShareType == nil {
		props.ShareType = spec.ShareType
	}
	if props.Size == 0 {
		props.Size = spec.ShareProperties.Size
	}
	if props.ShareType != nil && props.ResourceType == nil {
		props.ResourceType = props.ShareType.ExtraSpecs
	}
}

// populateRetry advances the retry bookkeeping and fails once the request
// has used up its attempts.
func (s *FilterScheduler) populateRetry(spec *share.RequestSpec, props *share.FilterProperties) error {
	if s.cfg.MaxAttempts == 1 {
		return nil
	}
	if props.Retry == nil {
		props.Retry = &share.RetryInfo{}
	}
	props.Retry.NumAttempts++
	if props.Retry.LastError != "" {
		logger.Warn("scheduler: rescheduling share %s after error on %v: %s",
			spec.ShareID, props.Retry.Hosts, props.Retry.LastError)
	}
	if props.Retry.NumAttempts > s.cfg.MaxAttempts {
		return share.Errorf(share.KindNoValidHost,
			"exceeded max scheduling attempts %d for share %s", s.cfg.MaxAttempts, spec.ShareID)
	}
	return nil
}

func (s *FilterScheduler) choose(ctx context.Context, props *share.FilterProperties) (*host.State, error) {
	states, err := s.hosts.GetAllHostStates(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetPools(len(states))

	passed := s.Filter(states, props)
	if len(passed) == 0 {
		return nil, share.Errorf(share.KindNoValidHost, "no valid host was found among %d pools", len(states))
	}
	ranked := s.Weigh(passed, props)
	best := ranked[0]
	logger.Debug("scheduler: choosing %s with weight %.3f", best.Host, best.Weight)
	return best.Host, nil
}

// ScheduleCreateShare places the instance named by spec and dispatches its
// creation to the chosen host.
func (s *FilterScheduler) ScheduleCreateShare(ctx context.Context, spec *share.RequestSpec, props share.FilterProperties) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordDecision("create_share", time.Since(start), err) }()

	s.prepare(spec, &props)
	if err := s.populateRetry(spec, &props); err != nil {
		return err
	}
	chosen, err := s.choose(ctx, &props)
	if err != nil {
		return err
	}
	return s.dispatchCreate(ctx, chosen, spec, props, func(ctx context.Context, args rpcapi.CreateInstanceArgs) error {
		return s.shares.CreateShareInstance(ctx, chosen.Name, args)
	})
}

// ScheduleCreateReplica places a new replica. The active replica's host
// determines the replication domain the new replica must share.
func (s *FilterScheduler) ScheduleCreateReplica(ctx context.Context, spec *share.RequestSpec, props share.FilterProperties) (err error) {
	start := time.Now()
	defer func() { s.metrics.RecordDecision("create_replica", time.Since(start), err) }()

	s.prepare(spec, &props)
	if spec.ActiveReplicaHost != "" && props.ReplicationDomain == "" {
		states, err := s.hosts.GetAllHostStates(ctx)
		if err != nil {
			return err
		}
		for _, st := range states {
			if st.Name == spec.ActiveReplicaHost {
				props.ReplicationDomain = st.ReplicationDomain
				break
			}
		}
	}
	if err := s.populateRetry(spec, &props); err != nil {
		return err
	}
	chosen, err := s.choose(ctx, &props)
	if err != nil {
		return err
	}
	return s.dispatchCreate(ctx, chosen, spec, props, func(ctx context.Context, args rpcapi.CreateInstanceArgs) error {
		return s.shares.CreateShareReplica(ctx, chosen.Name, rpcapi.ReplicaArgs{
			ReplicaID:   args.InstanceID,
			RequestSpec: args.RequestSpec,
		})
	})
}

func (s *FilterScheduler) dispatchCreate(ctx context.Context, chosen *host.State, spec *share.RequestSpec, props share.FilterProperties,
	send func(context.Context, rpcapi.CreateInstanceArgs) error) error {
	if props.Retry != nil {
		props.Retry.Hosts = append(props.Retry.Hosts, chosen.Name)
	}
	s.hosts.Consume(chosen.Name, props.Size)

	_, err := s.store.UpdateInstance(ctx, spec.ShareInstanceID, func(inst *share.ShareInstance) error {
		inst.Host = chosen.Name
		if chosen.AvailabilityZone != "" {
			inst.AvailabilityZone = chosen.AvailabilityZone
		}
		return nil
	})
	if err != nil {
		return err
	}
	spec.ShareInstanceProperties.Host = chosen.Name
	logger.Info("scheduler: placed instance=%s share=%s on %s", spec.ShareInstanceID, spec.ShareID, chosen)

	return send(ctx, rpcapi.CreateInstanceArgs{
		InstanceID:       spec.ShareInstanceID,
		RequestSpec:      spec,
		FilterProperties: props,
		SnapshotID:       spec.SnapshotID,
	})
}

// HostPassesFilters checks that the named pool (or, for a backend name
// without a pool, any of its pools) passes every filter. It returns the
// best passing pool.
func (s *FilterScheduler) HostPassesFilters(ctx context.Context, name string, props *share.FilterProperties) (_ *host.State, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordDecision("host_check", time.Since(start), err) }()

	if props.RequestSpec != nil {
		s.prepare(props.RequestSpec, props)
	}
	states, err := s.hosts.GetAllHostStates(ctx)
	if err != nil {
		return nil, err
	}
	wantPool := share.ExtractHost(name, share.LevelPool) != ""
	var candidates []*host.State
	for _, st := range states {
		if st.Name == name || (!wantPool && st.Backend == name) {
			candidates = append(candidates, st)
		}
	}
	passed := s.Filter(candidates, props)
	if len(passed) == 0 {
		return nil, share.Errorf(share.KindNoValidHost, "cannot place share on host %s", name)
	}
	return s.Weigh(passed, props)[0].Host, nil
}
