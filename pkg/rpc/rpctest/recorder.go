// Package rpctest provides a recording rpc.Transport for tests.
package rpctest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoshare/pkg/rpc"
)

// Call is one recorded send.
type Call struct {
	Target  rpc.Target
	Method  string
	Payload json.RawMessage
	Sync    bool
}

// Decode unmarshals the payload into v.
func (c Call) Decode(v any) error {
	return json.Unmarshal(c.Payload, v)
}

// ReplyFunc produces the reply of a sync call.
type ReplyFunc func(call Call) (any, error)

// Recorder records every message instead of delivering it. Sync calls are
// answered by the ReplyFunc registered for the method, or with an empty
// reply.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	replies map[string]ReplyFunc
	fail    map[string]error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{replies: make(map[string]ReplyFunc), fail: make(map[string]error)}
}

// OnSync registers the reply of a sync method.
func (r *Recorder) OnSync(method string, fn ReplyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[method] = fn
}

// Fail makes every send of method return err. A nil err clears it.
func (r *Recorder) Fail(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, method)
		return
	}
	r.fail[method] = err
}

func (r *Recorder) record(target rpc.Target, method string, args any, sync bool) (Call, error) {
	var payload json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return Call{}, fmt.Errorf("encode %s: %w", method, err)
		}
		payload = b
	}
	c := Call{Target: target, Method: method, Payload: payload, Sync: sync}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[method]; err != nil {
		return c, err
	}
	r.calls = append(r.calls, c)
	return c, nil
}

// SendAsync implements rpc.Transport.
func (r *Recorder) SendAsync(ctx context.Context, target rpc.Target, method string, args any) error {
	_, err := r.record(target, method, args, false)
	return err
}

// SendSync implements rpc.Transport.
func (r *Recorder) SendSync(ctx context.Context, target rpc.Target, method string, args any, reply any, timeout time.Duration) error {
	c, err := r.record(target, method, args, true)
	if err != nil {
		return err
	}
	r.mu.Lock()
	fn := r.replies[method]
	r.mu.Unlock()
	if fn == nil || reply == nil {
		return nil
	}
	resp, err := fn(c)
	if err != nil {
		return err
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, reply)
}

// Calls returns the recorded calls in send order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Find returns the recorded calls of method.
func (r *Recorder) Find(method string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns the recorded method names in send order.
func (r *Recorder) Methods() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

var _ rpc.Transport = (*Recorder)(nil)
