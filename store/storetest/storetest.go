// Package storetest is a conformance suite for store.Store implementations.
// Every backend runs it from its own tests:
//
//	func TestConformance(t *testing.T) {
//		storetest.RunStoreTests(t, "memstore", func(t *testing.T) store.Store {
//			return memstore.New()
//		})
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/prefcache/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// RunStoreTests runs the full suite against stores built by factory.
func RunStoreTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Empty", func(t *testing.T) { testEmpty(t, open(t, factory)) })
		t.Run("UpdateCommits", func(t *testing.T) { testUpdateCommits(t, open(t, factory)) })
		t.Run("VersionPerCommit", func(t *testing.T) { testVersionPerCommit(t, open(t, factory)) })
		t.Run("UnchangedTxn", func(t *testing.T) { testUnchangedTxn(t, open(t, factory)) })
		t.Run("ErrorCommitsNothing", func(t *testing.T) { testErrorCommitsNothing(t, open(t, factory)) })
		t.Run("PanicCommitsNothing", func(t *testing.T) { testPanicCommitsNothing(t, open(t, factory)) })
		t.Run("CanceledContext", func(t *testing.T) { testCanceledContext(t, open(t, factory)) })
		t.Run("DeleteAndClear", func(t *testing.T) { testDeleteAndClear(t, open(t, factory)) })
		t.Run("BinaryValues", func(t *testing.T) { testBinaryValues(t, open(t, factory)) })
		t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, open(t, factory)) })
		t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, open(t, factory)) })
		t.Run("Watch", func(t *testing.T) { testWatch(t, open(t, factory)) })
		t.Run("WatchCancel", func(t *testing.T) { testWatchCancel(t, open(t, factory)) })
		t.Run("Close", func(t *testing.T) { testClose(t, factory(t)) })
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func open(t *testing.T, factory Factory) store.Store {
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func set(t *testing.T, s store.Store, kv ...string) store.Snapshot {
	t.Helper()
	snap, err := s.Update(ctx(t), func(txn *store.Txn) error {
		for i := 0; i+1 < len(kv); i += 2 {
			txn.Set(kv[i], []byte(kv[i+1]))
		}
		return nil
	})
	require.NoError(t, err)
	return snap
}

func value(t *testing.T, snap store.Snapshot, key string) string {
	t.Helper()
	v, ok := snap.Get(key)
	require.True(t, ok, "key %q missing", key)
	return string(v)
}

func next(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testEmpty(t *testing.T, s store.Store) {
	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.Equal(t, uint64(0), snap.Version())
}

func testUpdateCommits(t *testing.T, s store.Store) {
	committed := set(t, s, "a", "1", "b", "2")
	assert.Equal(t, "1", value(t, committed, "a"))

	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, snap.Keys())
	assert.Equal(t, "2", value(t, snap, "b"))
	assert.Equal(t, committed.Version(), snap.Version())
}

func testVersionPerCommit(t *testing.T, s store.Store) {
	for i := 1; i <= 5; i++ {
		snap := set(t, s, "k", strconv.Itoa(i))
		assert.Equal(t, uint64(i), snap.Version())
	}
}

func testUnchangedTxn(t *testing.T, s store.Store) {
	set(t, s, "a", "1")
	snap, err := s.Update(ctx(t), func(txn *store.Txn) error {
		_, _ = txn.Get("a")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version())
	assert.Equal(t, "1", value(t, snap, "a"))
}

func testErrorCommitsNothing(t *testing.T, s store.Store) {
	set(t, s, "a", "1")
	boom := errors.New("boom")

	_, err := s.Update(ctx(t), func(txn *store.Txn) error {
		txn.Set("a", []byte("2"))
		txn.Set("b", []byte("2"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "1", value(t, snap, "a"))
	assert.False(t, snap.Has("b"))
	assert.Equal(t, uint64(1), snap.Version())
}

func testPanicCommitsNothing(t *testing.T, s store.Store) {
	set(t, s, "a", "1")

	assert.Panics(t, func() {
		_, _ = s.Update(ctx(t), func(txn *store.Txn) error {
			txn.Set("a", []byte("2"))
			panic("boom")
		})
	})

	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "1", value(t, snap, "a"))

	// the store stays usable
	set(t, s, "a", "3")
}

func testCanceledContext(t *testing.T, s store.Store) {
	c, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Update(c, func(txn *store.Txn) error {
		txn.Set("a", []byte("1"))
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func testDeleteAndClear(t *testing.T, s store.Store) {
	set(t, s, "a", "1", "b", "2", "c", "3")

	snap, err := s.Update(ctx(t), func(txn *store.Txn) error {
		txn.Delete("b")
		txn.Delete("missing")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, snap.Keys())

	snap, err = s.Update(ctx(t), func(txn *store.Txn) error {
		txn.Clear()
		txn.Set("z", []byte("26"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, snap.Keys())

	fresh, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, fresh.Keys())
}

func testBinaryValues(t *testing.T, s store.Store) {
	bin := []byte{0, 1, 2, 0xff, '\n', 0}
	_, err := s.Update(ctx(t), func(txn *store.Txn) error {
		txn.Set("bin", bin)
		txn.Set("empty", []byte{})
		txn.Set("key with spaces/and:colons", []byte("x"))
		return nil
	})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	v, ok := snap.Get("bin")
	require.True(t, ok)
	assert.Equal(t, bin, v)
	v, ok = snap.Get("empty")
	require.True(t, ok, "empty value must be stored")
	assert.Empty(t, v)
	assert.Equal(t, "x", value(t, snap, "key with spaces/and:colons"))
}

func testSnapshotIsolation(t *testing.T, s store.Store) {
	set(t, s, "a", "1")
	before, err := s.Snapshot(ctx(t))
	require.NoError(t, err)

	set(t, s, "a", "2", "b", "2")

	assert.Equal(t, "1", value(t, before, "a"))
	assert.False(t, before.Has("b"))
}

func testConcurrentIncrements(t *testing.T, s store.Store) {
	const workers, rounds = 8, 5

	increment := func(txn *store.Txn) error {
		n := 0
		if v, ok := txn.Get("counter"); ok {
			var err error
			if n, err = strconv.Atoi(string(v)); err != nil {
				return err
			}
		}
		txn.Set("counter", []byte(strconv.Itoa(n+1)))
		return nil
	}

	c := ctx(t)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for {
					_, err := s.Update(c, increment)
					if errors.Is(err, store.ErrConflict) {
						continue
					}
					if err != nil {
						errs <- err
						return
					}
					break
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := s.Snapshot(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(workers*rounds), value(t, snap, "counter"))
	assert.Equal(t, uint64(workers*rounds), snap.Version())
}

func testWatch(t *testing.T, s store.Store) {
	set(t, s, "a", "1")

	ch, err := s.Watch(ctx(t))
	require.NoError(t, err)

	first := next(t, ch)
	assert.Equal(t, "1", value(t, first, "a"))

	set(t, s, "a", "2")
	var last store.Snapshot
	for last.Version() < 2 {
		last = next(t, ch)
	}
	assert.Equal(t, "2", value(t, last, "a"))
}

func testWatchCancel(t *testing.T, s store.Store) {
	c, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(c)
	require.NoError(t, err)
	next(t, ch)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func testClose(t *testing.T, s store.Store) {
	ch, err := s.Watch(ctx(t))
	require.NoError(t, err)
	next(t, ch)

	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.Snapshot(ctx(t))
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Update(ctx(t), func(txn *store.Txn) error { return nil })
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Watch(ctx(t))
	assert.ErrorIs(t, err, store.ErrClosed)
}
