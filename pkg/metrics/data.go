package metrics

import "time"

// DataMetrics observes host-assisted data copies.
type DataMetrics interface {
	// RecordCopy counts a finished copy by result ("completed", "cancelled",
	// "error") together with the bytes moved and the time it took.
	RecordCopy(result string, bytes int64, duration time.Duration)

	// SetActiveCopies reports the number of copies running.
	SetActiveCopies(count int)
}

// NewNoopDataMetrics returns a DataMetrics that records nothing.
func NewNoopDataMetrics() DataMetrics {
	return noopDataMetrics{}
}

type noopDataMetrics struct{}

func (noopDataMetrics) RecordCopy(string, int64, time.Duration) {}
func (noopDataMetrics) SetActiveCopies(int)                     {}
