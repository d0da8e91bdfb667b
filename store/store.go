// Package store defines the persistent key/value layer beneath the
// preference manager and the snapshot/transaction types every backend shares.
//
// A Store holds string keys mapped to opaque byte values. Readers get an
// immutable Snapshot; writers describe a change as a function over a Txn,
// which the backend applies atomically. Every committed change bumps the
// snapshot Version by one and is delivered to Watch subscribers.
//
// Backends live in sub-packages: memstore, filestore, badgerstore and
// redisstore. storetest holds the conformance suite they all pass.
package store

import (
	"context"
	"errors"

	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("store")

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrConflict is returned by Update when an optimistic backend could not
	// commit within its retry budget.
	ErrConflict = errors.New("store: transaction conflict")
)

// Store is a transactional key/value store.
//
// Update runs fn against a private working copy and commits the result
// atomically. Nothing is committed when fn returns an error or panics, or
// when ctx is done before the commit point. Backends with optimistic
// concurrency may call fn more than once; each call gets a fresh Txn, so fn
// must not leak side effects outside of it.
//
// An Update whose Txn ends up unchanged commits nothing: the returned
// snapshot is the current one and Version does not move.
type Store interface {
	// Snapshot returns the current committed state.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Update applies fn atomically and returns the committed snapshot.
	Update(ctx context.Context, fn func(*Txn) error) (Snapshot, error)

	// Watch emits the current snapshot, then one snapshot per commit, in
	// commit order. A slow reader only sees the most recent snapshot. The
	// channel is closed when ctx is done or the store is closed.
	Watch(ctx context.Context) (<-chan Snapshot, error)

	// Close releases resources and closes all watch channels.
	Close() error
}
