// Package badger provides a persistent store.Backend on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Config configures the BadgerDB backend.
type Config struct {
	// DBPath is the directory holding the database files.
	DBPath string `mapstructure:"db_path"`

	// BlockCacheSizeMB defaults to 64.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB defaults to 32.
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`

	// InMemory runs badger without touching disk. DBPath is ignored.
	InMemory bool `mapstructure:"in_memory"`

	// ConflictRetries bounds how often an Update is replayed after a
	// transaction conflict. Defaults to 5.
	ConflictRetries int `mapstructure:"conflict_retries"`
}

// Backend wraps a badger.DB.
//
// Badger transactions are optimistic: concurrent Updates touching the same
// keys fail with badger.ErrConflict at commit. Update replays the callback
// in a fresh transaction in that case.
type Backend struct {
	db      *badger.DB
	retries int
}

// Open opens (or creates) the database described by cfg.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = 5
	}
	logger.Debug("badger store opened: path=%s in_memory=%v", cfg.DBPath, cfg.InMemory)
	return &Backend{db: db, retries: retries}, nil
}

// NewStore opens a badger backend and wraps it in a store.KVStore.
func NewStore(ctx context.Context, cfg Config, clk clock.Clock) (*store.KVStore, error) {
	b, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store.New(b, clk), nil
}

// View runs fn in a read-only badger transaction.
func (b *Backend) View(ctx context.Context, fn func(store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(t *badger.Txn) error {
		return fn(&txn{t: t})
	})
}

// Update runs fn in a read-write badger transaction, replaying it on
// commit conflicts.
func (b *Backend) Update(ctx context.Context, fn func(store.Txn) error) error {
	// last keeps the unwrapped error; retry.Call traces what it returns.
	var last error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := ctx.Err(); err != nil {
				last = err
				return err
			}
			last = b.db.Update(func(t *badger.Txn) error {
				return fn(&txn{t: t})
			})
			return last
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, badger.ErrConflict)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("badger update conflict (attempt %d): %v", attempt, err)
		},
		Attempts:    b.retries,
		Delay:       time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		logger.Warn("badger update gave up after %d conflicts", b.retries)
	}
	return last
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

type txn struct {
	t *badger.Txn
}

func (t *txn) Get(key []byte) ([]byte, error) {
	item, err := t.t.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *txn) Set(key, value []byte) error {
	err := t.t.Set(key, value)
	if errors.Is(err, badger.ErrReadOnlyTxn) {
		return store.ErrReadOnly
	}
	return err
}

func (t *txn) Delete(key []byte) error {
	err := t.t.Delete(key)
	if errors.Is(err, badger.ErrReadOnlyTxn) {
		return store.ErrReadOnly
	}
	return err
}

func (t *txn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.t.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

var _ store.Backend = (*Backend)(nil)
