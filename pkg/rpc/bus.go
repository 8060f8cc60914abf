package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/internal/ratelimiter"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/share"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned for messages sent to, or pending on, a stopped bus.
var ErrStopped = errors.New("rpc bus stopped")

// RateLimitConfig bounds the send rate per target.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. 0 disables limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`

	// Burst is the bucket size.
	Burst uint `mapstructure:"burst" yaml:"burst" json:"burst"`
}

// BusConfig configures the in-process bus.
type BusConfig struct {
	// QueueSize is the per-endpoint buffer. Senders block when it is full.
	// Default: 256
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`

	// MaxConcurrentHandlers bounds handler goroutines across all endpoints.
	// Default: 64
	MaxConcurrentHandlers int64 `mapstructure:"max_concurrent_handlers" yaml:"max_concurrent_handlers" json:"max_concurrent_handlers"`

	// CallTimeout is the SendSync default.
	// Default: 60s
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" json:"call_timeout"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

func (c *BusConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxConcurrentHandlers <= 0 {
		c.MaxConcurrentHandlers = 64
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
}

type endpoint struct {
	target  Target
	handler Handler
	queue   chan *Message
}

// Bus is an in-process Transport.
//
// Each registered endpoint owns a buffered queue drained by one dispatcher
// goroutine. Dispatchers hand every message to its own handler goroutine
// once the shared semaphore grants a slot, so handlers of one endpoint may
// run concurrently and messages carry no ordering guarantee.
//
// Lifecycle: NewBus → Register (any time) → Start → Stop. Messages still
// queued at Stop are dropped; sync senders waiting on them get ErrStopped.
type Bus struct {
	cfg     BusConfig
	clock   clock.Clock
	metrics metrics.RPCMetrics
	limiter *ratelimiter.Keyed
	sem     *semaphore.Weighted

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	group     *errgroup.Group
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewBus creates a stopped bus. clk and m may be nil.
func NewBus(cfg BusConfig, clk clock.Clock, m metrics.RPCMetrics) *Bus {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	if m == nil {
		m = metrics.NewNoopRPCMetrics()
	}
	return &Bus{
		cfg:       cfg,
		clock:     clk,
		metrics:   m,
		limiter:   ratelimiter.NewKeyed(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentHandlers),
		endpoints: make(map[string]*endpoint),
		stopCh:    make(chan struct{}),
	}
}

// Register attaches h to target. Registering the same target twice fails.
func (b *Bus) Register(target Target, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := target.String()
	if _, ok := b.endpoints[key]; ok {
		return share.Errorf(share.KindConflict, "endpoint %s already registered", key)
	}
	ep := &endpoint{target: target, handler: h, queue: make(chan *Message, b.cfg.QueueSize)}
	b.endpoints[key] = ep
	if b.group != nil {
		b.group.Go(func() error { return b.dispatch(ep) })
	}
	logger.Debug("rpc: registered endpoint %s", key)
	return nil
}

// Endpoints lists registered targets ordered by their string form.
func (b *Bus) Endpoints() []Target {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Target, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		out = append(out, ep.target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Start launches the dispatchers. They run until Stop or until ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group != nil {
		return fmt.Errorf("rpc bus already started")
	}
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	b.group, b.runCtx, b.cancel = g, gctx, cancel
	for _, ep := range b.endpoints {
		ep := ep
		g.Go(func() error { return b.dispatch(ep) })
	}
	logger.Info("rpc: bus started with %d endpoints", len(b.endpoints))
	return nil
}

// Stop cancels the dispatchers and waits for running handlers, or until
// ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.RLock()
	g, cancel := b.group, b.cancel
	b.mu.RUnlock()
	if g == nil {
		return nil
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		logger.Info("rpc: bus stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("rpc bus stop: %w", ctx.Err())
	}
}

func (b *Bus) dispatch(ep *endpoint) error {
	key := ep.target.String()
	for {
		select {
		case <-b.runCtx.Done():
			b.drain(ep)
			return nil
		case msg := <-ep.queue:
			b.metrics.SetQueueDepth(key, len(ep.queue))
			if err := b.sem.Acquire(b.runCtx, 1); err != nil {
				b.reject(msg, ErrStopped)
				b.drain(ep)
				return nil
			}
			b.group.Go(func() error {
				defer b.sem.Release(1)
				b.invoke(ep, msg)
				return nil
			})
		}
	}
}

func (b *Bus) drain(ep *endpoint) {
	for {
		select {
		case msg := <-ep.queue:
			b.reject(msg, ErrStopped)
		default:
			b.metrics.SetQueueDepth(ep.target.String(), 0)
			return
		}
	}
}

func (b *Bus) reject(msg *Message, err error) {
	b.metrics.RecordDropped(msg.Target.Topic, "stopped")
	if msg.reply != nil {
		msg.reply <- result{err: err}
	}
}

func (b *Bus) invoke(ep *endpoint, msg *Message) {
	start := b.clock.Now()
	resp, err := b.safeHandle(ep, msg)
	b.metrics.RecordHandled(msg.Target.Topic, msg.Method, b.clock.Now().Sub(start), err)

	if msg.reply == nil {
		if err != nil {
			logger.Warn("rpc: %s %s (id=%s) failed: %v", msg.Target, msg.Method, msg.ID, err)
		}
		return
	}
	var payload json.RawMessage
	if err == nil && resp != nil {
		payload, err = json.Marshal(resp)
		if err != nil {
			err = fmt.Errorf("failed to encode %s reply: %w", msg.Method, err)
		}
	}
	msg.reply <- result{payload: payload, err: err}
}

func (b *Bus) safeHandle(ep *endpoint, msg *Message) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("rpc: handler panic in %s %s: %v", msg.Target, msg.Method, r)
			err = fmt.Errorf("handler panic in %s: %v", msg.Method, r)
		}
	}()
	logger.Debug("rpc: handling %s %s (id=%s)", msg.Target, msg.Method, msg.ID)
	return ep.handler.Handle(b.runCtx, msg)
}

// lookup resolves target. A topic-wide target picks the first endpoint of
// the topic in server order.
func (b *Bus) lookup(target Target) (*endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ep, ok := b.endpoints[target.String()]; ok {
		return ep, nil
	}
	if target.Server == "" {
		var best *endpoint
		for _, ep := range b.endpoints {
			if ep.target.Topic != target.Topic {
				continue
			}
			if best == nil || ep.target.Server < best.target.Server {
				best = ep
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, &share.Error{Kind: share.KindServiceNotFound, Message: "no endpoint for target", ID: target.String()}
}

func (b *Bus) enqueue(ctx context.Context, target Target, method string, args any, reply chan result) error {
	ep, err := b.lookup(target)
	if err != nil {
		b.metrics.RecordDropped(target.Topic, "no_endpoint")
		return err
	}
	if err := b.limiter.Wait(ctx, target.String()); err != nil {
		b.metrics.RecordDropped(target.Topic, "rate_limited")
		return fmt.Errorf("rate limit wait for %s: %w", target, err)
	}
	msg, err := NewMessage(target, method, args, b.clock.Now())
	if err != nil {
		return err
	}
	msg.reply = reply

	select {
	case <-b.stopCh:
		b.metrics.RecordDropped(target.Topic, "stopped")
		return ErrStopped
	default:
	}
	select {
	case ep.queue <- msg:
		b.metrics.SetQueueDepth(ep.target.String(), len(ep.queue))
		return nil
	case <-b.stopCh:
		b.metrics.RecordDropped(target.Topic, "stopped")
		return ErrStopped
	case <-ctx.Done():
		b.metrics.RecordDropped(target.Topic, "queue_full")
		return ctx.Err()
	}
}

// SendAsync implements Transport.
func (b *Bus) SendAsync(ctx context.Context, target Target, method string, args any) error {
	b.metrics.RecordSend(target.Topic, method, "async")
	return b.enqueue(ctx, target, method, args, nil)
}

// SendSync implements Transport. Handler errors are returned as-is so the
// caller can branch on their share.ErrorKind.
func (b *Bus) SendSync(ctx context.Context, target Target, method string, args any, reply any, timeout time.Duration) error {
	b.metrics.RecordSend(target.Topic, method, "sync")
	if timeout <= 0 {
		timeout = b.cfg.CallTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result, 1)
	if err := b.enqueue(tctx, target, method, args, ch); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return share.Errorf(share.KindTimeout, "%s to %s timed out after %s", method, target, timeout)
		}
		return err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if reply != nil && len(r.payload) > 0 {
			if err := json.Unmarshal(r.payload, reply); err != nil {
				return fmt.Errorf("failed to decode %s reply: %w", method, err)
			}
		}
		return nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return share.Errorf(share.KindTimeout, "%s to %s timed out after %s", method, target, timeout)
	}
}

var _ Transport = (*Bus)(nil)
