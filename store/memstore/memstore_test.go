package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/prefcache/store"
	"github.com/IvanBrykalov/prefcache/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunStoreTests(t, "memstore", func(t *testing.T) store.Store {
		return New()
	})
}

func TestNewWith_CopiesSeed(t *testing.T) {
	seed := map[string][]byte{"a": []byte("1")}
	s := NewWith(seed)
	defer s.Close()

	seed["a"][0] = 'X'
	seed["b"] = []byte("2")

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	v, ok := snap.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
	assert.False(t, snap.Has("b"))
	assert.Equal(t, uint64(0), snap.Version())
}

func TestUpdate_CallsFnOnce(t *testing.T) {
	s := New()
	defer s.Close()

	calls := 0
	_, err := s.Update(context.Background(), func(txn *store.Txn) error {
		calls++
		txn.Set("k", []byte("v"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
