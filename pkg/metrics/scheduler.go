package metrics

import "time"

// SchedulerMetrics observes placement decisions.
type SchedulerMetrics interface {
	// RecordDecision records one scheduling call.
	//
	// Parameters:
	//   - request: "create_share", "create_replica", "migration", "host_check"
	//   - duration: Time spent filtering and weighing
	//   - err: nil when a host was chosen
	RecordDecision(request string, duration time.Duration, err error)

	// RecordRejected counts hosts removed by one filter.
	RecordRejected(filter string, count int)

	// SetPools reports the number of known pools.
	SetPools(count int)
}

// NewNoopSchedulerMetrics returns a SchedulerMetrics that records nothing.
func NewNoopSchedulerMetrics() SchedulerMetrics {
	return noopSchedulerMetrics{}
}

type noopSchedulerMetrics struct{}

func (noopSchedulerMetrics) RecordDecision(string, time.Duration, error) {}
func (noopSchedulerMetrics) RecordRejected(string, int)                  {}
func (noopSchedulerMetrics) SetPools(int)                                {}
