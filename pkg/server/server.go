package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/api"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Service is a long-running component owned by the server: a share
// manager, the data service, the metrics endpoint.
//
// Start must not block; background work runs in goroutines the service
// owns until Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Hooks adapts a pair of functions to Service. A nil function is a no-op.
type Hooks struct {
	Label   string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (h Hooks) Name() string { return h.Label }

func (h Hooks) Start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h Hooks) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}

// DittoShare runs the scheduler, the share services and the data service
// of one process around a shared RPC bus and store.
//
// Lifecycle:
//  1. Creation: New() with the bus and the store
//  2. Registration: Register() for each RPC endpoint, AddService() for
//     each long-running component
//  3. Startup: Serve() starts the bus, then the services in order
//  4. Shutdown: context cancellation stops the services in reverse order,
//     then the bus, then closes the store
//
// Thread safety:
// Register and AddService may be called concurrently before Serve. Serve
// may only be called once.
type DittoShare struct {
	bus             *rpc.Bus
	store           store.Store
	api             *api.ShareAPI
	shutdownTimeout time.Duration

	mu       sync.RWMutex
	services []Service
	served   bool
}

// New creates a server around bus and st.
//
// Parameters:
//   - bus: RPC bus shared by every service (must not be nil)
//   - st: Store shared by every service (must not be nil)
//   - shutdownTimeout: Bound on the whole shutdown sequence (zero means 30s)
//
// Returns:
//   - *DittoShare: Server with no services registered
func New(bus *rpc.Bus, st store.Store, shutdownTimeout time.Duration) *DittoShare {
	if bus == nil {
		panic("rpc bus cannot be nil")
	}
	if st == nil {
		panic("store cannot be nil")
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &DittoShare{
		bus:             bus,
		store:           st,
		shutdownTimeout: shutdownTimeout,
		services:        make([]Service, 0, 4),
	}
}

// SetAPI attaches the request-facing API.
func (s *DittoShare) SetAPI(a *api.ShareAPI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = a
}

// API returns the request-facing API, or nil when none was attached.
func (s *DittoShare) API() *api.ShareAPI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.api
}

// Store returns the shared store.
func (s *DittoShare) Store() store.Store {
	return s.store
}

// Bus returns the shared RPC bus.
func (s *DittoShare) Bus() *rpc.Bus {
	return s.bus
}

// Register attaches an RPC handler to the bus.
func (s *DittoShare) Register(target rpc.Target, h rpc.Handler) error {
	if err := s.bus.Register(target, h); err != nil {
		return fmt.Errorf("failed to register %s: %w", target, err)
	}
	return nil
}

// AddService registers a long-running component. Names must be unique.
//
// Panics if Serve() has already been called.
func (s *DittoShare) AddService(svc Service) error {
	if svc == nil {
		panic("service cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add service after Serve() has been called")
	}
	for _, existing := range s.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("service %s already registered", svc.Name())
		}
	}
	s.services = append(s.services, svc)
	logger.Debug("server: registered service %s", svc.Name())
	return nil
}

// Services returns a snapshot of the registered services.
func (s *DittoShare) Services() []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Service, len(s.services))
	copy(out, s.services)
	return out
}

// Serve starts the bus and every service, then blocks until ctx is done.
//
// If a service fails to start, the ones already started are stopped and
// the error is returned. On cancellation Serve shuts everything down and
// returns nil, or the first shutdown error.
//
// Parameters:
//   - ctx: Controls the server lifetime; cancel it to shut down
//
// Returns:
//   - error: Start failure, shutdown error, or a repeated call
func (s *DittoShare) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	services := make([]Service, len(s.services))
	copy(services, s.services)
	s.mu.Unlock()

	startTime := time.Now()

	// The bus outlives ctx: services still send while they stop.
	if err := s.bus.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start rpc bus: %w", err)
	}

	for i, svc := range services {
		logger.Debug("server: starting %s", svc.Name())
		if err := svc.Start(ctx); err != nil {
			logger.Error("server: %s failed to start: %v - stopping", svc.Name(), err)
			_ = s.shutdown(services[:i])
			return fmt.Errorf("%s: %w", svc.Name(), err)
		}
	}
	logger.Info("server: %d service(s) and %d endpoint(s) started in %v",
		len(services), len(s.bus.Endpoints()), time.Since(startTime))

	<-ctx.Done()
	logger.Info("server: shutdown signal received (reason: %v)", ctx.Err())
	return s.shutdown(services)
}

// shutdown stops started services in reverse order, then the bus, then
// closes the store. Errors are logged; the first one is returned.
func (s *DittoShare) shutdown(started []Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		if err := svc.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server: error stopping %s: %v", svc.Name(), err)
			keep(fmt.Errorf("%s: %w", svc.Name(), err))
		} else {
			logger.Debug("server: %s stopped", svc.Name())
		}
	}

	if err := s.bus.Stop(ctx); err != nil {
		logger.Error("server: error stopping rpc bus: %v", err)
		keep(err)
	}
	if err := s.store.Close(); err != nil {
		logger.Error("server: error closing store: %v", err)
		keep(err)
	}

	if first == nil {
		logger.Info("server: stopped gracefully")
	}
	return first
}
