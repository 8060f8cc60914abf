package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/juju/clock"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/access"
	"github.com/marmos91/dittoshare/pkg/api"
	"github.com/marmos91/dittoshare/pkg/data"
	"github.com/marmos91/dittoshare/pkg/lifecycle"
	"github.com/marmos91/dittoshare/pkg/manager"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/migration"
	"github.com/marmos91/dittoshare/pkg/quota"
	"github.com/marmos91/dittoshare/pkg/replication"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/scheduler"
	"github.com/marmos91/dittoshare/pkg/server"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// InitializeServer builds a ready-to-serve DittoShare from cfg.
//
// The process hosts every service on one bus:
//  1. the store selected by cfg.Store, seeded with cfg.ShareTypes
//  2. the scheduler, serving the scheduler topic
//  3. one share manager per entry of cfg.Backends, each with its own
//     driver and access synchronizer
//  4. the data service, copying between local share mounts
//  5. the share API on top, reachable through DittoShare.API
//
// Parameters:
//   - ctx: Context for store and driver initialization
//   - cfg: Loaded and validated configuration
//   - clk: Clock shared by every component (nil uses the wall clock)
//   - m: Metrics from InitializeMetrics (nil disables collection)
//
// Returns:
//   - *server.DittoShare: Server with every service registered, not yet serving
//   - error: Store, driver or registration error
func InitializeServer(ctx context.Context, cfg *Config, clk clock.Clock, m *MetricsResult) (*server.DittoShare, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	if m == nil {
		m = InitializeMetrics(&Config{})
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	st, err := createStore(ctx, cfg.Store, clk, m.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	logger.Debug("config: %s store ready", cfg.Store.Type)

	srv, err := assemble(ctx, cfg, st, clk, m)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return srv, nil
}

func assemble(ctx context.Context, cfg *Config, st store.Store, clk clock.Clock, m *MetricsResult) (*server.DittoShare, error) {
	n, err := seedShareTypes(ctx, st, cfg.ShareTypes)
	if err != nil {
		return nil, err
	}
	logger.Debug("config: created %d share type(s)", n)

	bus := rpc.NewBus(cfg.RPC, clk, m.RPC)
	srv := server.New(bus, st, cfg.Server.ShutdownTimeout)

	schedClient := rpcapi.NewSchedulerClient(bus)
	shareClient := rpcapi.NewShareClient(bus)
	dataClient := rpcapi.NewDataClient(bus)

	machine := lifecycle.New(st, clk)
	engine := quota.NewEngine(cfg.Quota)
	orch := migration.New(cfg.Migration, st, schedClient, shareClient, dataClient, clk, m.Migration)
	coord := replication.NewCoordinator(st, machine, schedClient, shareClient, clk)

	// Scheduler
	hosts := scheduler.NewHostManager(st, clk, cfg.Scheduler.ServiceDownTime)
	fs, err := scheduler.NewFilterScheduler(cfg.Scheduler, hosts, st, shareClient, m.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	sm := scheduler.NewManager(fs, hosts, st, shareClient, orch)
	if err := srv.Register(rpcapi.SchedulerTarget(), sm.Router()); err != nil {
		return nil, err
	}
	if err := srv.AddService(registration(st, clk, share.TopicScheduler, "")); err != nil {
		return nil, err
	}

	// Share services
	for _, b := range cfg.Backends {
		drv, err := createDriver(b, clk)
		if err != nil {
			return nil, err
		}
		mgr := manager.New(manager.Config{
			Host:              b.Host,
			AvailabilityZone:  b.AvailabilityZone,
			HeartbeatInterval: b.HeartbeatInterval,
			ReportInterval:    b.ReportInterval,
			PollInterval:      b.PollInterval,
			CallTimeout:       cfg.RPC.CallTimeout,
		}, manager.Deps{
			Store:       st,
			Driver:      drv,
			Machine:     machine,
			Access:      access.NewSynchronizer(cfg.Access, st, drv, m.Access),
			Replication: coord,
			Migration:   orch,
			Quota:       engine,
			Scheduler:   schedClient,
			Shares:      shareClient,
			Data:        dataClient,
			Clock:       clk,
		})
		if err := srv.Register(mgr.Target(), mgr.Router()); err != nil {
			return nil, err
		}
		if err := srv.AddService(server.Hooks{
			Label:   "manager " + mgr.Host(),
			OnStart: mgr.Start,
			OnStop:  mgr.Stop,
		}); err != nil {
			return nil, err
		}
		logger.Info("config: backend %s (%s driver, %d pool(s)) served as %s",
			b.Name, b.Driver, len(b.Pools), mgr.Host())
	}

	// Data service
	ds := data.New(cfg.Data, st, data.NewFileCopier(cfg.Data.BandwidthLimit), orch, shareClient, clk, m.Data)
	if err := srv.Register(ds.Target(), ds.Router()); err != nil {
		return nil, err
	}
	if err := srv.AddService(registration(st, clk, share.TopicData, "")); err != nil {
		return nil, err
	}
	if err := srv.AddService(server.Hooks{Label: "data", OnStop: ds.Stop}); err != nil {
		return nil, err
	}

	if m.Server != nil {
		m.Server.SetHealthCheck(healthCheck(st, clk, cfg))
		if err := srv.AddService(metricsService(m)); err != nil {
			return nil, err
		}
	}

	srv.SetAPI(api.New(cfg.Share, api.Deps{
		Store:       st,
		Quota:       engine,
		Machine:     machine,
		Replication: coord,
		Migration:   orch,
		Scheduler:   schedClient,
		Shares:      shareClient,
		Clock:       clk,
	}))
	return srv, nil
}

// registration records a service row for a topic that has no manager of
// its own. host defaults to the machine's hostname.
func registration(st store.Store, clk clock.Clock, topic, host string) server.Service {
	if host == "" {
		name, err := os.Hostname()
		if err != nil {
			name = "localhost"
		}
		host = topic + "@" + name
	}
	return server.Hooks{
		Label: topic + " registration",
		OnStart: func(ctx context.Context) error {
			now := clk.Now()
			return st.RegisterService(ctx, &share.Service{
				ID:        share.NewID(),
				Host:      host,
				Topic:     topic,
				CreatedAt: now,
				UpdatedAt: now,
			})
		},
	}
}

// healthCheck fails when the heartbeat of a configured backend is older
// than the scheduler's service down time.
func healthCheck(st store.Store, clk clock.Clock, cfg *Config) metrics.HealthCheck {
	return func(ctx context.Context) error {
		now := clk.Now()
		for _, b := range cfg.Backends {
			svc, err := st.GetService(ctx, share.TopicShare, b.Host)
			if err != nil {
				return fmt.Errorf("%s: %w", b.Host, err)
			}
			if !svc.IsUp(now, cfg.Scheduler.ServiceDownTime) {
				return fmt.Errorf("%s: no heartbeat since %s", b.Host, svc.UpdatedAt.Format(time.RFC3339))
			}
		}
		return nil
	}
}

// metricsService runs the blocking metrics HTTP server in the background.
func metricsService(m *MetricsResult) server.Service {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	return server.Hooks{
		Label: "metrics",
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := m.Server.Start(runCtx); err != nil {
					logger.Error("metrics: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			err := m.Server.Stop(ctx)
			select {
			case <-done:
			case <-ctx.Done():
			}
			return err
		},
	}
}
