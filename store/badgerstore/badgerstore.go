// Package badgerstore is a store.Store on top of an embedded Badger database.
//
// Values live under Prefix+"k/"+key; the commit counter lives under
// Prefix+"v". Every update reads and writes the counter, so any two
// concurrent updates conflict and Badger's optimistic concurrency control
// makes them serializable. Conflicting attempts are retried up to
// MaxRetries times.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/IvanBrykalov/prefcache/store"
)

var plog = logger.GetLogger("store")

const (
	// DefaultPrefix namespaces all keys written by the store.
	DefaultPrefix = "prefs/"
	// DefaultMaxRetries bounds conflict retries per Update.
	DefaultMaxRetries = 16
)

// Options configures a Badger-backed store.
type Options struct {
	// Dir is the database directory. Empty means an in-memory database.
	Dir string
	// Prefix namespaces keys so several stores can share one database.
	Prefix string
	// MaxRetries bounds how often a conflicting Update is re-run.
	MaxRetries int
	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
}

// Store implements store.Store with Badger transactions.
type Store struct {
	db         *badger.DB
	dataPrefix []byte
	versionKey []byte
	maxRetries int

	mu     sync.RWMutex // guards closed against Close racing with Update
	closed bool
	bc     *store.Broadcaster
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database described by opt.
func Open(opt Options) (*Store, error) {
	if opt.Prefix == "" {
		opt.Prefix = DefaultPrefix
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}

	bopt := badger.DefaultOptions(opt.Dir).
		WithInMemory(opt.Dir == "").
		WithSyncWrites(opt.SyncWrites).
		WithLogger(logger.GetLogger("badger"))

	db, err := badger.Open(bopt)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	plog.Infof("badger store opened (dir=%q prefix=%q)", opt.Dir, opt.Prefix)

	return &Store{
		db:         db,
		dataPrefix: []byte(opt.Prefix + "k/"),
		versionKey: []byte(opt.Prefix + "v"),
		maxRetries: opt.MaxRetries,
		bc:         store.NewBroadcaster(),
	}, nil
}

// readAll loads the full state visible to txn.
func (s *Store) readAll(txn *badger.Txn) (store.Snapshot, error) {
	var version uint64
	item, err := txn.Get(s.versionKey)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return store.Snapshot{}, err
	default:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return store.Snapshot{}, err
		}
		if len(raw) != 8 {
			return store.Snapshot{}, fmt.Errorf("badgerstore: corrupt version key (%d bytes)", len(raw))
		}
		version = binary.BigEndian.Uint64(raw)
	}

	values := make(map[string][]byte)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: s.dataPrefix})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		v, err := item.ValueCopy(nil)
		if err != nil {
			return store.Snapshot{}, err
		}
		if v == nil {
			v = []byte{}
		}
		values[string(bytes.TrimPrefix(item.Key(), s.dataPrefix))] = v
	}
	return store.NewSnapshot(version, values), nil
}

func (s *Store) dataKey(key string) []byte {
	k := make([]byte, 0, len(s.dataPrefix)+len(key))
	k = append(k, s.dataPrefix...)
	return append(k, key...)
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}

	var snap store.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		snap, err = s.readAll(txn)
		return err
	})
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("badgerstore: snapshot: %w", err)
	}
	return snap, nil
}

// Update re-runs fn on badger.ErrConflict and gives up with
// store.ErrConflict after MaxRetries attempts.
func (s *Store) Update(ctx context.Context, fn func(*store.Txn) error) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return store.Snapshot{}, err
		}
		snap, committed, err := s.attempt(ctx, fn)
		if errors.Is(err, badger.ErrConflict) {
			plog.Debugf("update conflict, attempt %d", attempt+1)
			continue
		}
		if err != nil {
			return store.Snapshot{}, err
		}
		if committed {
			s.bc.Publish(snap)
		}
		return snap, nil
	}
	plog.Warningf("update gave up after %d conflicting attempts", s.maxRetries+1)
	return store.Snapshot{}, store.ErrConflict
}

func (s *Store) attempt(ctx context.Context, fn func(*store.Txn) error) (store.Snapshot, bool, error) {
	btx := s.db.NewTransaction(true)
	defer btx.Discard()

	base, err := s.readAll(btx)
	if err != nil {
		return store.Snapshot{}, false, fmt.Errorf("badgerstore: read: %w", err)
	}

	txn := store.NewTxn(base)
	if err := fn(txn); err != nil {
		return store.Snapshot{}, false, err
	}
	if !txn.Changed() {
		return base, false, nil
	}

	d := txn.Diff()
	if d.Cleared {
		for _, k := range base.Keys() {
			if err := btx.Delete(s.dataKey(k)); err != nil {
				return store.Snapshot{}, false, err
			}
		}
	}
	for _, k := range d.Deletes {
		if err := btx.Delete(s.dataKey(k)); err != nil {
			return store.Snapshot{}, false, err
		}
	}
	for k, v := range d.Sets {
		if err := btx.Set(s.dataKey(k), v); err != nil {
			return store.Snapshot{}, false, err
		}
	}

	next := base.Version() + 1
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], next)
	if err := btx.Set(s.versionKey, ver[:]); err != nil {
		return store.Snapshot{}, false, err
	}

	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, false, err
	}
	if err := btx.Commit(); err != nil {
		return store.Snapshot{}, false, err
	}
	return txn.Apply(next), true, nil
}

// Watch is served from commits made through this Store. Badger holds an
// exclusive directory lock, so no other process can write underneath it.
func (s *Store) Watch(ctx context.Context) (<-chan store.Snapshot, error) {
	return s.bc.Subscribe(ctx, func() (store.Snapshot, error) {
		return s.Snapshot(context.Background())
	})
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bc.Close()
	return s.db.Close()
}
