package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/prefcache/store"
	"github.com/IvanBrykalov/prefcache/store/storetest"
)

func newPool(t *testing.T, mr *miniredis.Miniredis) *redis.Pool {
	pool := NewPool(mr.Addr())
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestConformance(t *testing.T) {
	storetest.RunStoreTests(t, "redis", func(t *testing.T) store.Store {
		mr := miniredis.RunT(t)
		s, err := Open(Options{Pool: newPool(t, mr), MaxRetries: 1000})
		require.NoError(t, err)
		return s
	})
}

func TestOpen_NilPool(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(Options{Pool: newPool(t, mr), Namespace: "app"})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Update(context.Background(), func(txn *store.Txn) error {
		txn.Set("theme", []byte("dark"))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "dark", mr.HGet("app:values", "theme"))
	v, err := mr.Get("app:version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

// Two stores on one namespace behave like two processes sharing a server:
// a commit through one is observed by the other's watchers.
func TestWatch_SeesOtherWriters(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := newPool(t, mr)

	a, err := Open(Options{Pool: pool})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(Options{Pool: pool})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := b.Watch(ctx)
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, uint64(0), first.Version())

	_, err = a.Update(ctx, func(txn *store.Txn) error {
		txn.Set("k", []byte("v"))
		return nil
	})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, uint64(1), snap.Version())
		v, ok := snap.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", string(v))
	case <-ctx.Done():
		t.Fatal("no notification from the other writer")
	}
}

// Interleaved writers through two stores never lose an update.
func TestCompareAndSetAcrossStores(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := newPool(t, mr)

	a, err := Open(Options{Pool: pool})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(Options{Pool: pool})
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	interfered := false
	_, err = a.Update(ctx, func(txn *store.Txn) error {
		if !interfered {
			interfered = true
			_, err := b.Update(ctx, func(inner *store.Txn) error {
				inner.Set("x", []byte("from-b"))
				return nil
			})
			require.NoError(t, err)
		}
		txn.Set("y", []byte("from-a"))
		return nil
	})
	require.NoError(t, err)

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version())
	assert.True(t, snap.Has("x"), "b's commit must survive a's retry")
	assert.True(t, snap.Has("y"))
}
