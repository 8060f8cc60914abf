package metrics

import "time"

// AccessMetrics observes access rule reconciliation.
type AccessMetrics interface {
	// RecordReconcile records one Reconcile call.
	//
	// Parameters:
	//   - passes: Driver round trips needed to converge
	//   - duration: Wall time including lock wait
	//   - err: nil when the instance ended active
	RecordReconcile(passes int, duration time.Duration, err error)

	// RecordStatusChange counts an access_rules_status transition.
	RecordStatusChange(from, to string)
}

// NewNoopAccessMetrics returns an AccessMetrics that records nothing.
func NewNoopAccessMetrics() AccessMetrics {
	return noopAccessMetrics{}
}

type noopAccessMetrics struct{}

func (noopAccessMetrics) RecordReconcile(int, time.Duration, error) {}
func (noopAccessMetrics) RecordStatusChange(string, string)         {}
