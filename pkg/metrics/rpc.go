package metrics

import "time"

// RPCMetrics observes the message bus.
//
// Example usage:
//
//	bus := rpc.NewBus(cfg, metrics.NewNoopRPCMetrics())
type RPCMetrics interface {
	// RecordSend counts a message handed to the bus.
	//
	// Parameters:
	//   - topic: Target topic ("share", "scheduler", "data")
	//   - method: RPC method name
	//   - mode: "async" or "sync"
	RecordSend(topic, method, mode string)

	// RecordHandled records a handler invocation and its outcome.
	RecordHandled(topic, method string, duration time.Duration, err error)

	// RecordDropped counts a message that never reached a handler.
	//
	// Parameters:
	//   - reason: "no_endpoint", "queue_full", "stopped", "rate_limited"
	RecordDropped(topic, reason string)

	// SetQueueDepth reports the pending messages of one endpoint.
	SetQueueDepth(endpoint string, depth int)
}

// NewNoopRPCMetrics returns an RPCMetrics that records nothing.
func NewNoopRPCMetrics() RPCMetrics {
	return noopRPCMetrics{}
}

type noopRPCMetrics struct{}

func (noopRPCMetrics) RecordSend(string, string, string)                  {}
func (noopRPCMetrics) RecordHandled(string, string, time.Duration, error) {}
func (noopRPCMetrics) RecordDropped(string, string)                       {}
func (noopRPCMetrics) SetQueueDepth(string, int)                          {}
