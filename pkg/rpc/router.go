package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/marmos91/dittoshare/pkg/share"
)

// Handler serves the messages delivered to one endpoint. The returned value
// is encoded as the reply of sync messages and discarded otherwise.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (any, error) {
	return f(ctx, msg)
}

type methodFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Router dispatches messages to per-method functions registered with
// HandleFunc or HandleCast.
type Router struct {
	mu      sync.RWMutex
	methods map[string]methodFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{methods: make(map[string]methodFunc)}
}

// HandleFunc registers fn for method. The payload is decoded into T and the
// R result becomes the reply.
func HandleFunc[T, R any](r *Router, method string, fn func(ctx context.Context, args T) (R, error)) {
	r.register(method, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, share.Errorf(share.KindInvalidInput, "%s: bad arguments: %v", method, err)
			}
		}
		return fn(ctx, args)
	})
}

// HandleCast registers fn for a method that produces no reply.
func HandleCast[T any](r *Router, method string, fn func(ctx context.Context, args T) error) {
	HandleFunc(r, method, func(ctx context.Context, args T) (struct{}, error) {
		return struct{}{}, fn(ctx, args)
	})
}

func (r *Router) register(method string, fn methodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = fn
}

// Methods lists the registered method names in order.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, msg *Message) (any, error) {
	if !compatible(msg.Version) {
		return nil, share.Errorf(share.KindNotSupported, "%s: unsupported RPC version %s (server %s)", msg.Method, msg.Version, APIVersion)
	}
	r.mu.RLock()
	fn, ok := r.methods[msg.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, share.Errorf(share.KindNotSupported, "unknown method %q on %s", msg.Method, msg.Target)
	}
	return fn(ctx, msg.Payload)
}
