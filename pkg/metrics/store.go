package metrics

import "time"

// StoreMetrics observes the transactions of the persistent store.
//
// Implementations are optional: a store built without one records nothing.
type StoreMetrics interface {
	// RecordTransaction records a finished transaction by kind ("view" or
	// "update"), its duration and its outcome.
	RecordTransaction(kind string, duration time.Duration, err error)
}

// NewNoopStoreMetrics returns a StoreMetrics that records nothing.
func NewNoopStoreMetrics() StoreMetrics {
	return noopStoreMetrics{}
}

type noopStoreMetrics struct{}

func (noopStoreMetrics) RecordTransaction(string, time.Duration, error) {}
