package store

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Txn.Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrReadOnly is returned by writes inside a View transaction.
	ErrReadOnly = errors.New("read-only transaction")

	// ErrClosed is returned once the backend has been closed.
	ErrClosed = errors.New("store closed")
)

// Backend is an ordered key-value store with serializable transactions.
type Backend interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Txn) error) error

	// Update runs fn in a read-write transaction. Writes become visible
	// only if fn returns nil.
	Update(ctx context.Context, fn func(Txn) error) error

	Close() error
}

// Txn is a transaction handle. It is only valid inside the callback it
// was passed to.
type Txn interface {
	// Get returns a copy of the value stored at key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls fn for every key with the given prefix in ascending
	// key order. Returning an error from fn stops the iteration.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}
