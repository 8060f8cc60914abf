package store

import (
	"context"
	"time"

	"github.com/marmos91/dittoshare/pkg/metrics"
)

// MeteredBackend records the duration and outcome of every transaction of
// the wrapped Backend.
type MeteredBackend struct {
	Backend
	metrics metrics.StoreMetrics
}

// WithMetrics wraps b. A nil m returns b unchanged.
func WithMetrics(b Backend, m metrics.StoreMetrics) Backend {
	if m == nil {
		return b
	}
	return &MeteredBackend{Backend: b, metrics: m}
}

func (b *MeteredBackend) View(ctx context.Context, fn func(Txn) error) error {
	start := time.Now()
	err := b.Backend.View(ctx, fn)
	b.metrics.RecordTransaction("view", time.Since(start), err)
	return err
}

func (b *MeteredBackend) Update(ctx context.Context, fn func(Txn) error) error {
	start := time.Now()
	err := b.Backend.Update(ctx, fn)
	b.metrics.RecordTransaction("update", time.Since(start), err)
	return err
}
