package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/prefcache/prefs"
	"github.com/IvanBrykalov/prefcache/store"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
log_level: debug
store:
  backend: file
  path: /tmp/prefs.json
cache:
  size: 64
  segments: 4
  expiry: 5m
  policy: 2Q
  cleanup_interval: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.True(t, cfg.Cache.RecordStats, "defaults survive partial files")

	opt := cfg.ManagerOptions(nil)
	assert.Equal(t, 64, opt.CacheSize)
	assert.Equal(t, 4, opt.CacheSegments)
	assert.Equal(t, 5*time.Minute, opt.CacheExpiry)
	assert.Equal(t, 30*time.Second, opt.CleanupInterval)
	assert.Equal(t, prefs.Policy2Q, opt.Policy)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "cache:\n  sise: 3\n"))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = Load(writeFile(t, "store:\n  backend: redis\n"))
	assert.ErrorContains(t, err, "redis_addr")
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Store.Backend = "etcd"
	cfg.Cache.Policy = "mru"
	cfg.Cache.Size = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"loud", "etcd", "mru", "negative"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Cache.Expiry = time.Minute
	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := Load(writeFile(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestOpenStore_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	for _, sc := range []StoreConfig{
		{Backend: BackendMemory},
		{Backend: BackendFile, Path: filepath.Join(dir, "prefs.json")},
		{Backend: BackendBadger},
		{Backend: BackendRedis, RedisAddr: mr.Addr()},
	} {
		t.Run(sc.Backend, func(t *testing.T) {
			cfg := Default()
			cfg.Store = sc
			st, closeFn, err := cfg.OpenStore()
			require.NoError(t, err)

			snap, err := st.Update(context.Background(), func(txn *store.Txn) error {
				txn.Set("k", []byte("v"))
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, uint64(1), snap.Version())
			require.NoError(t, closeFn())
		})
	}

	cfg := Default()
	cfg.Store.Backend = "etcd"
	_, _, err := cfg.OpenStore()
	assert.Error(t, err)
}
