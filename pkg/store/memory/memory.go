// Package memory provides an in-process store.Backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittoshare/pkg/store"
)

// Backend keeps every key in a map guarded by a read-write mutex.
//
// Update transactions hold the write lock for their whole duration and stage
// writes until the callback returns, so a failing callback leaves the map
// untouched. Views share the read lock.
type Backend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// NewStore is a convenience wrapper returning a store.KVStore over a fresh
// memory backend with the wall clock.
func NewStore() *store.KVStore {
	return store.New(New(), nil)
}

// View runs fn with a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return store.ErrClosed
	}
	return fn(&txn{b: b, readOnly: true})
}

// Update runs fn with a read-write transaction and commits on success.
func (b *Backend) Update(ctx context.Context, fn func(store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return store.ErrClosed
	}
	t := &txn{b: b, staged: make(map[string][]byte)}
	if err := fn(t); err != nil {
		return err
	}
	for k, v := range t.staged {
		if v == nil {
			delete(b.data, k)
			continue
		}
		b.data[k] = v
	}
	return nil
}

// Close drops all data. Later calls fail with store.ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}

// txn reads through its staged writes. A nil staged value marks a delete;
// Set normalizes empty values to a non-nil slice for that reason.
type txn struct {
	b        *Backend
	readOnly bool
	staged   map[string][]byte
}

func (t *txn) Get(key []byte) ([]byte, error) {
	k := string(key)
	if v, ok := t.staged[k]; ok {
		if v == nil {
			return nil, store.ErrKeyNotFound
		}
		return append([]byte(nil), v...), nil
	}
	v, ok := t.b.data[k]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *txn) Set(key, value []byte) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.staged[string(key)] = append(make([]byte, 0, len(value)), value...)
	return nil
}

func (t *txn) Delete(key []byte) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	t.staged[string(key)] = nil
	return nil
}

func (t *txn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	keys := make([]string, 0)
	seen := make(map[string]struct{})
	for k, v := range t.staged {
		if strings.HasPrefix(k, p) {
			seen[k] = struct{}{}
			if v != nil {
				keys = append(keys, k)
			}
		}
	}
	for k := range t.b.data {
		if _, ok := seen[k]; ok {
			continue
		}
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.Get([]byte(k))
		if err != nil {
			return err
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

var _ store.Backend = (*Backend)(nil)
