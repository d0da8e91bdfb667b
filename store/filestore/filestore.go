// Package filestore is a store.Store persisted to a single JSON file.
//
// The whole state is rewritten on every commit: the new content goes to a
// temporary file in the same directory, is synced, then renamed over the
// target, so a crash leaves either the old or the new state on disk. This
// suits preference-sized data; use badgerstore for anything larger.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/IvanBrykalov/prefcache/store"
)

var plog = logger.GetLogger("store")

// Options configures a file store.
type Options struct {
	// Path of the JSON file. Created on first commit if missing.
	Path string
	// Perm is the file mode for new files (default 0o600).
	Perm fs.FileMode
}

// fileFormat is the on-disk layout. Values are base64 through encoding/json.
type fileFormat struct {
	Version uint64            `json:"version"`
	Values  map[string][]byte `json:"values"`
}

// Store keeps the committed state in memory and mirrors it to disk.
type Store struct {
	opt    Options
	mu     sync.Mutex
	cur    store.Snapshot
	closed bool
	bc     *store.Broadcaster
}

var _ store.Store = (*Store)(nil)

// Open loads the file at opt.Path, or starts empty when it does not exist.
func Open(opt Options) (*Store, error) {
	if opt.Path == "" {
		return nil, errors.New("filestore: empty path")
	}
	if opt.Perm == 0 {
		opt.Perm = 0o600
	}

	cur, err := load(opt.Path)
	if err != nil {
		return nil, err
	}
	plog.Infof("opened %s at version %d with %d keys", opt.Path, cur.Version(), cur.Len())
	return &Store{opt: opt, cur: cur, bc: store.NewBroadcaster()}, nil
}

func load(path string) (store.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store.NewSnapshot(0, map[string][]byte{}), nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return store.Snapshot{}, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	if ff.Values == nil {
		ff.Values = map[string][]byte{}
	}
	for k, v := range ff.Values {
		if v == nil {
			ff.Values[k] = []byte{}
		}
	}
	return store.NewSnapshot(ff.Version, ff.Values), nil
}

func (s *Store) persist(snap store.Snapshot) error {
	ff := fileFormat{Version: snap.Version(), Values: make(map[string][]byte, snap.Len())}
	snap.Range(func(k string, v []byte) bool {
		ff.Values[k] = v
		return true
	})
	raw, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}

	dir := filepath.Dir(s.opt.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.opt.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close: %w", err)
	}
	if err := os.Chmod(tmpName, s.opt.Perm); err != nil {
		return fmt.Errorf("filestore: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.opt.Path); err != nil {
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
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

// Update runs fn under the store lock and persists the result before
// publishing it. A failed write leaves both memory and disk unchanged.
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

	next := txn.Apply(s.cur.Version() + 1)
	if err := s.persist(next); err != nil {
		plog.Errorf("commit of version %d failed: %v", next.Version(), err)
		return store.Snapshot{}, err
	}
	s.cur = next
	s.bc.Publish(next)
	return next, nil
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
