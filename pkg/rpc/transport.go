package rpc

import (
	"context"
	"time"
)

// Transport sends messages to endpoints.
type Transport interface {
	// SendAsync delivers method(args) to target at most once and returns as
	// soon as the message is queued.
	SendAsync(ctx context.Context, target Target, method string, args any) error

	// SendSync delivers method(args) and waits up to timeout for the
	// handler's reply, which is decoded into reply when non-nil. A zero
	// timeout uses the transport default.
	SendSync(ctx context.Context, target Target, method string, args any, reply any, timeout time.Duration) error
}
