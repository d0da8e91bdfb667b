// Package memstore is an in-process store.Store. Updates are serialized by a
// single mutex and snapshots are copy-on-write maps, so readers never wait
// for writers once they hold a snapshot.
package memstore

import (
	"context"
	"sync"

	"github.com/IvanBrykalov/prefcache/store"
)

// Store keeps the committed state in memory.
type Store struct {
	mu     sync.Mutex
	cur    store.Snapshot
	closed bool
	bc     *store.Broadcaster
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return NewWith(nil)
}

// NewWith returns a store seeded with a copy of values at version 0.
func NewWith(values map[string][]byte) *Store {
	seed := make(map[string][]byte, len(values))
	for k, v := range values {
		seed[k] = append([]byte{}, v...)
	}
	return &Store{
		cur: store.NewSnapshot(0, seed),
		bc:  store.NewBroadcaster(),
	}
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}
	return s.cur, nil
}

// Update runs fn under the store lock; fn is called exactly once.
func (s *Store) Update(ctx context.Context, fn func(*store.Txn) error) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}

	txn := store.NewTxn(s.cur)
	if err := fn(txn); err != nil {
		return store.Snapshot{}, err
	}
	if !txn.Changed() {
		return s.cur, nil
	}
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}

	s.cur = txn.Apply(s.cur.Version() + 1)
	s.bc.Publish(s.cur)
	return s.cur, nil
}

func (s *Store) Watch(ctx context.Context) (<-chan store.Snapshot, error) {
	return s.bc.Subscribe(ctx, func() (store.Snapshot, error) {
		return s.Snapshot(context.Background())
	})
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bc.Close()
	return nil
}
