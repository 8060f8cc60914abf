// Package data implements the data service: the mover behind host-assisted
// migrations.
//
// A copy is started with data_copy_start once the destination instance
// exists. The service walks the share's task state through
// data_copying_in_progress, data_copying_completing and
// data_copying_completed (or data_copying_cancelled/data_copying_error),
// then tells the source host with migration_data_copy_done so it can
// finish or roll back the migration.
package data

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/rpc"
	"github.com/marmos91/dittoshare/pkg/rpcapi"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Copier moves the content of one share mount to another. report is called
// as bytes are copied; total is known before the first call.
type Copier interface {
	Copy(ctx context.Context, src, dest map[string]string, report func(copied, total int64)) error
}

// TaskStateSetter moves a share's task state. The migration orchestrator
// implements it.
type TaskStateSetter interface {
	SetTaskState(ctx context.Context, shareID string, to share.TaskState) error
}

// Config configures the data service.
type Config struct {
	// MaxConcurrentCopies bounds the copies running at once. Further copies
	// wait in data_copying_in_progress.
	// Default: 2
	MaxConcurrentCopies int `mapstructure:"max_concurrent_copies" yaml:"max_concurrent_copies" json:"max_concurrent_copies" validate:"gte=0"`

	// BandwidthLimit caps the bytes per second of each copy made by the
	// file copier. 0 disables the cap.
	BandwidthLimit uint `mapstructure:"bandwidth_limit" yaml:"bandwidth_limit" json:"bandwidth_limit"`
}

// DefaultConfig returns the data service defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentCopies: 2}
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentCopies <= 0 {
		c.MaxConcurrentCopies = DefaultConfig().MaxConcurrentCopies
	}
}

// Copy results reported to metrics.
const (
	resultCompleted = "completed"
	resultCancelled = "cancelled"
	resultError     = "error"
)

type job struct {
	args      rpcapi.DataCopyArgs
	ctx       context.Context
	cancel    context.CancelFunc
	copied    atomic.Int64
	total     atomic.Int64
	cancelled atomic.Bool
}

// Service runs data copies. One share has at most one copy at a time.
type Service struct {
	cfg     Config
	store   store.Store
	copier  Copier
	tasks   TaskStateSetter
	shares  *rpcapi.ShareClient
	clock   clock.Clock
	metrics metrics.DataMetrics
	sem     *semaphore.Weighted

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// New creates a Service. A nil clock uses the wall clock and nil metrics
// record nothing.
func New(cfg Config, st store.Store, copier Copier, tasks TaskStateSetter, shares *rpcapi.ShareClient, clk clock.Clock, m metrics.DataMetrics) *Service {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	if m == nil {
		m = metrics.NewNoopDataMetrics()
	}
	root, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:     cfg,
		store:   st,
		copier:  copier,
		tasks:   tasks,
		shares:  shares,
		clock:   clk,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentCopies)),
		root:    root,
		stop:    stop,
		jobs:    make(map[string]*job),
	}
}

// Target returns the RPC target the service's router must be registered at.
func (s *Service) Target() rpc.Target {
	return rpcapi.DataTarget()
}

// Router returns the RPC router of the data topic.
func (s *Service) Router() *rpc.Router {
	r := rpc.NewRouter()
	rpc.HandleCast(r, rpcapi.MethodDataCopyStart, s.Start)
	rpc.HandleCast(r, rpcapi.MethodDataCopyCancel, func(ctx context.Context, args rpcapi.ShareArgs) error {
		return s.Cancel(ctx, args.ShareID)
	})
	rpc.HandleFunc(r, rpcapi.MethodDataCopyGetProgress, func(ctx context.Context, args rpcapi.ShareArgs) (*share.ProgressReport, error) {
		return s.Progress(ctx, args.ShareID)
	})
	return r
}

// Start begins copying args.SourceConnection to args.DestConnection in the
// background.
func (s *Service) Start(ctx context.Context, args rpcapi.DataCopyArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return share.Errorf(share.KindInvalidState, "data service is stopped")
	}
	if _, ok := s.jobs[args.ShareID]; ok {
		return &share.Error{Kind: share.KindResourceBusy,
			Message: "a data copy is already running", Resource: "share", ID: args.ShareID}
	}
	jctx, cancel := context.WithCancel(s.root)
	j := &job{args: args, ctx: jctx, cancel: cancel}
	s.jobs[args.ShareID] = j
	s.metrics.SetActiveCopies(len(s.jobs))

	s.wg.Add(1)
	go s.run(j)
	logger.Info("data: copy of share=%s from instance=%s to instance=%s queued",
		args.ShareID, args.SourceInstanceID, args.DestinationInstanceID)
	return nil
}

// Cancel stops the copy of a share. The copy ends in
// data_copying_cancelled.
func (s *Service) Cancel(ctx context.Context, shareID string) error {
	s.mu.Lock()
	j, ok := s.jobs[shareID]
	s.mu.Unlock()
	if !ok {
		return share.NotFound("data copy", shareID)
	}
	j.cancelled.Store(true)
	j.cancel()
	logger.Info("data: copy of share=%s cancelled", shareID)
	return nil
}

// Progress reports how far the copy of a share is.
func (s *Service) Progress(ctx context.Context, shareID string) (*share.ProgressReport, error) {
	s.mu.Lock()
	j, ok := s.jobs[shareID]
	s.mu.Unlock()
	if !ok {
		return nil, share.NotFound("data copy", shareID)
	}
	copied, total := j.copied.Load(), j.total.Load()
	pct := 0
	if total > 0 {
		pct = int(copied * 100 / total)
	}
	return &share.ProgressReport{
		TaskState:     share.TaskStateDataCopyingInProgress,
		TotalProgress: pct,
		Details: map[string]string{
			"bytes_copied": humanize.IBytes(uint64(copied)),
			"bytes_total":  humanize.IBytes(uint64(total)),
		},
	}, nil
}

// Running reports whether a copy of shareID is in flight.
func (s *Service) Running(shareID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[shareID]
	return ok
}

// Stop cancels the running copies and waits for them to wind down, or for
// ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("data: stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("data: shutdown timeout with copies still running")
		return ctx.Err()
	}
}

func (s *Service) run(j *job) {
	defer s.wg.Done()
	defer j.cancel()
	defer func() {
		s.mu.Lock()
		delete(s.jobs, j.args.ShareID)
		s.metrics.SetActiveCopies(len(s.jobs))
		s.mu.Unlock()
	}()

	start := s.clock.Now()
	final, err := s.copy(j)
	result := resultCompleted
	switch final {
	case share.TaskStateDataCopyingCancelled:
		result = resultCancelled
	case share.TaskStateDataCopyingError:
		result = resultError
		logger.Error("data: copy of share=%s failed: %v", j.args.ShareID, err)
	}
	s.metrics.RecordCopy(result, j.copied.Load(), s.clock.Now().Sub(start))

	// The job context may be cancelled by now; state updates and the
	// notification must still go out.
	ctx := context.WithoutCancel(j.ctx)
	if err := s.tasks.SetTaskState(ctx, j.args.ShareID, final); err != nil {
		logger.Error("data: failed to record %s for share=%s: %v", final, j.args.ShareID, err)
		return
	}
	s.notify(ctx, j.args)
}

// copy runs the copier and returns the task state the copy ends in. The
// completing step is recorded here; the final state is left to run.
func (s *Service) copy(j *job) (share.TaskState, error) {
	shareID := j.args.ShareID
	if err := s.tasks.SetTaskState(j.ctx, shareID, share.TaskStateDataCopyingInProgress); err != nil {
		return share.TaskStateDataCopyingError, err
	}
	if err := s.sem.Acquire(j.ctx, 1); err != nil {
		return s.interrupted(j, err)
	}
	defer s.sem.Release(1)

	logger.Info("data: copying share=%s", shareID)
	err := s.copier.Copy(j.ctx, j.args.SourceConnection, j.args.DestConnection, func(copied, total int64) {
		j.copied.Store(copied)
		j.total.Store(total)
	})
	if err != nil {
		return s.interrupted(j, err)
	}

	ctx := context.WithoutCancel(j.ctx)
	if err := s.tasks.SetTaskState(ctx, shareID, share.TaskStateDataCopyingCompleting); err != nil {
		return share.TaskStateDataCopyingError, err
	}
	logger.Info("data: copied %s of share=%s", humanize.IBytes(uint64(j.copied.Load())), shareID)
	return share.TaskStateDataCopyingCompleted, nil
}

func (s *Service) interrupted(j *job, err error) (share.TaskState, error) {
	if j.cancelled.Load() && errors.Is(err, context.Canceled) {
		return share.TaskStateDataCopyingCancelled, nil
	}
	return share.TaskStateDataCopyingError, err
}

// notify tells the source host the copy is over.
func (s *Service) notify(ctx context.Context, args rpcapi.DataCopyArgs) {
	src, err := s.store.GetInstance(ctx, args.SourceInstanceID)
	if err != nil {
		logger.Error("data: failed to load source instance=%s of share=%s: %v", args.SourceInstanceID, args.ShareID, err)
		return
	}
	err = s.shares.MigrationDataCopyDone(ctx, src.Host, rpcapi.MigrationArgs{
		ShareID:               args.ShareID,
		SourceInstanceID:      args.SourceInstanceID,
		DestinationInstanceID: args.DestinationInstanceID,
	})
	if err != nil {
		logger.Error("data: failed to notify %s of finished copy of share=%s: %v", src.Host, args.ShareID, err)
	}
}
