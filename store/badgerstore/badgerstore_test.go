package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/prefcache/store"
	"github.com/IvanBrykalov/prefcache/store/storetest"
)

func TestConformance_InMemory(t *testing.T) {
	storetest.RunStoreTests(t, "badger-mem", func(t *testing.T) store.Store {
		s, err := Open(Options{MaxRetries: 1000})
		require.NoError(t, err)
		return s
	})
}

func TestConformance_OnDisk(t *testing.T) {
	if testing.Short() {
		t.Skip("on-disk badger is slow")
	}
	storetest.RunStoreTests(t, "badger-disk", func(t *testing.T) store.Store {
		s, err := Open(Options{Dir: t.TempDir(), MaxRetries: 1000})
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.Update(ctx, func(txn *store.Txn) error {
			txn.Set("counter", []byte{byte('0' + i)})
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Version())
	v, ok := snap.Get("counter")
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}

func TestPrefixesAreIsolated(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir, Prefix: "one/"})
	require.NoError(t, err)
	_, err = s.Update(ctx, func(txn *store.Txn) error {
		txn.Set("k", []byte("1"))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	other, err := Open(Options{Dir: dir, Prefix: "two/"})
	require.NoError(t, err)
	defer other.Close()

	snap, err := other.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.Equal(t, uint64(0), snap.Version())
}
