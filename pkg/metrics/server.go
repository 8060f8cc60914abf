package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether the process can serve requests. A nil error
// means healthy.
type HealthCheck func(ctx context.Context) error

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Default: 9090
	Port int

	// HealthTimeout bounds one run of the health check.
	// Default: 2s
	HealthTimeout time.Duration
}

// Server exposes the global registry over HTTP:
//
//	GET /metrics  OpenMetrics / Prometheus text exposition
//	GET /healthz  200 "ok", or 503 with the health check error
type Server struct {
	cfg    ServerConfig
	server *http.Server

	mu     sync.RWMutex
	health HealthCheck

	stopOnce sync.Once
	stopErr  error
}

// NewServer builds a stopped server. /metrics answers 503 unless
// InitRegistry was called first.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Port <= 0 {
		cfg.Port = 9090
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	if reg := GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	mux.HandleFunc("/healthz", s.serveHealth)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// SetHealthCheck installs the check behind /healthz. Without one the
// endpoint always answers ok.
func (s *Server) SetHealthCheck(fn HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = fn
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	check := s.health
	s.mu.RUnlock()

	if check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
		defer cancel()
		if err := check(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintln(w, "ok")
}

// Start serves until ctx is cancelled or the listener fails. Cancellation
// shuts the server down gracefully and returns nil.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics: listening on port %d", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		// ctx is already done; shut down on a fresh deadline
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Only the first call has an effect.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("metrics server shutdown: %w", err)
			logger.Error("metrics: %v", s.stopErr)
			return
		}
		logger.Info("metrics: stopped")
	})
	return s.stopErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.cfg.Port
}
