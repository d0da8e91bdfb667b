package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/prefcache/store"
	"github.com/IvanBrykalov/prefcache/store/memstore"
)

var (
	stringPref = String("name", "anon")
	intPref    = Int("count", 0)
	boolPref   = Bool("enabled", true)
	setPref    = StringSet("tags")
)

func newManager(t *testing.T, opt Options) (*Manager, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	m, err := NewManager(st, opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = st.Close()
	})
	return m, st
}

// rawSet writes straight to the store, behind the manager's back.
func rawSet(t *testing.T, st store.Store, key, val string) {
	t.Helper()
	_, err := st.Update(context.Background(), func(txn *store.Txn) error {
		txn.Set(key, []byte(val))
		return nil
	})
	require.NoError(t, err)
}

func TestBatchWrite_ThenSingleReads(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	err := m.BatchWrite(ctx, func(s WriteScope) error {
		s.Set(stringPref, "x")
		s.Set(intPref, 5)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "x", stringPref.Get(ctx, m))
	assert.Equal(t, 5, intPref.Get(ctx, m))
}

func TestGet_DefaultWhenUnset(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	assert.Equal(t, "anon", stringPref.Get(ctx, m))
	assert.True(t, boolPref.Get(ctx, m))
	assert.Empty(t, setPref.Get(ctx, m))
}

func TestGet_UndecodableYieldsDefault(t *testing.T) {
	m, st := newManager(t, Options{})
	rawSet(t, st, intPref.Key(), "not a number")

	assert.Equal(t, 0, intPref.Get(context.Background(), m))
}

func TestSet_WritesThroughCache(t *testing.T) {
	m, st := newManager(t, Options{RecordStats: true})
	ctx := context.Background()

	require.NoError(t, intPref.Set(ctx, m, 7))
	assert.Equal(t, 7, intPref.Get(ctx, m))
	assert.Equal(t, uint64(1), m.CacheStats().Hits, "read after write must hit the cache")

	// The cache now shadows out-of-band changes until it is cleared.
	rawSet(t, st, intPref.Key(), "99")
	assert.Equal(t, 7, intPref.Get(ctx, m))

	m.ClearCache()
	assert.Equal(t, 99, intPref.Get(ctx, m))
}

func TestSet_TypeMismatch(t *testing.T) {
	m, st := newManager(t, Options{})
	ctx := context.Background()

	err := m.Set(ctx, intPref, "seven")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestGet_MissLoadsOnceThenHits(t *testing.T) {
	m, st := newManager(t, Options{RecordStats: true})
	rawSet(t, st, stringPref.Key(), "bob")
	ctx := context.Background()

	assert.Equal(t, "bob", stringPref.Get(ctx, m))
	assert.Equal(t, "bob", stringPref.Get(ctx, m))

	stats := m.CacheStats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestDelete_CachesDefault(t *testing.T) {
	m, st := newManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, stringPref.Set(ctx, m, "x"))
	require.NoError(t, stringPref.Delete(ctx, m))
	assert.Equal(t, "anon", stringPref.Get(ctx, m))

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Has(stringPref.Key()))
}

func TestBatchWrite_ErrorCommitsNothing(t *testing.T) {
	m, st := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, intPref.Set(ctx, m, 1))

	boom := errors.New("boom")
	err := m.BatchWrite(ctx, func(s WriteScope) error {
		s.Set(intPref, 2)
		s.Set(stringPref, "half")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	v, _ := snap.Get(intPref.Key())
	assert.Equal(t, "1", string(v))
	assert.False(t, snap.Has(stringPref.Key()))

	assert.Equal(t, 1, intPref.Get(ctx, m), "cache must not see aborted writes")
	assert.Equal(t, "anon", stringPref.Get(ctx, m))
}

func TestBatchWrite_PanicCommitsNothing(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = m.BatchWrite(ctx, func(s WriteScope) error {
			s.Set(intPref, 3)
			panic("boom")
		})
	})
	assert.Equal(t, 0, intPref.Get(ctx, m))

	// batch lock released
	require.NoError(t, m.BatchWrite(ctx, func(s WriteScope) error {
		s.Set(intPref, 4)
		return nil
	}))
	assert.Equal(t, 4, intPref.Get(ctx, m))
}

func TestBatchUpdate_ConcurrentIncrements(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, intPref.Set(ctx, m, 10))

	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return m.BatchUpdate(ctx, func(s UpdateScope) error {
				intPref.Write(s, intPref.Read(s)+1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 10+n, intPref.Get(ctx, m))
}

func TestBatchUpdate_ReadYourWrites(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	a, b := Int("a", 0), Int("b", 0)

	require.NoError(t, m.BatchWrite(ctx, func(s WriteScope) error {
		a.Write(s, 3)
		b.Write(s, 4)
		return nil
	}))

	require.NoError(t, m.BatchUpdate(ctx, func(s UpdateScope) error {
		b.Write(s, a.Read(s)+b.Read(s))
		a.Write(s, 0)
		assert.Equal(t, 7, b.Read(s))
		assert.Equal(t, 0, a.Read(s))
		assert.True(t, s.Contains(a))
		return nil
	}))

	assert.Equal(t, 0, a.Get(ctx, m))
	assert.Equal(t, 7, b.Get(ctx, m))
}

func TestBatchUpdate_ResetToDefault(t *testing.T) {
	m, st := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, boolPref.Set(ctx, m, false))

	require.NoError(t, m.BatchUpdate(ctx, func(s UpdateScope) error {
		s.ResetToDefault(boolPref)
		return nil
	}))
	assert.True(t, boolPref.Get(ctx, m))

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	v, ok := snap.Get(boolPref.Key())
	require.True(t, ok, "default is stored explicitly")
	assert.Equal(t, "true", string(v))
}

func TestBatchGet_SnapshotIsolation(t *testing.T) {
	m, st := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, intPref.Set(ctx, m, 1))

	got, err := BatchGet(ctx, m, func(s ReadScope) [2]int {
		first := intPref.Read(s)
		rawSet(t, st, intPref.Key(), "2") // concurrent writer
		return [2]int{first, intPref.Read(s)}
	})
	require.NoError(t, err)
	assert.Equal(t, [2]int{1, 1}, got)

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	v, _ := snap.Get(intPref.Key())
	assert.Equal(t, "2", string(v))
}

func TestBatchSet_SkipsMismatched(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	skipped, err := m.BatchSet(ctx, map[Handle]any{
		stringPref: "ok",
		intPref:    "not an int",
		boolPref:   false,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{intPref.Key()}, skipped)

	vals := m.BatchGetValues(ctx, stringPref, intPref, boolPref)
	assert.Equal(t, map[string]any{"name": "ok", "count": 0, "enabled": false}, vals)
}

func TestBatchDelete(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, stringPref.Set(ctx, m, "x"))
	require.NoError(t, intPref.Set(ctx, m, 9))

	require.NoError(t, m.BatchDelete(ctx, stringPref, intPref))
	assert.Equal(t, "anon", stringPref.Get(ctx, m))
	assert.Equal(t, 0, intPref.Get(ctx, m))
}

func TestImport_ClearsCache(t *testing.T) {
	m, st := newManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, stringPref.Set(ctx, m, "cached"))
	rawSet(t, st, stringPref.Key(), "changed underneath")

	res, err := m.Import(ctx, map[string]any{"unrelated": "v"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 0, m.CacheLen())

	assert.Equal(t, "changed underneath", stringPref.Get(ctx, m))
}

func TestExportImport_RoundTripThroughJSON(t *testing.T) {
	src, _ := newManager(t, Options{})
	dst, _ := newManager(t, Options{})
	ctx := context.Background()

	secret := String(PrivateKey("token"), "")
	window := Int(AppStateKey("window_w"), 0)
	blob := Bytes("blob", nil)
	for _, m := range []*Manager{src, dst} {
		m.Register(stringPref, intPref, boolPref, setPref, secret, window, blob)
	}

	_, err := src.BatchSet(ctx, map[Handle]any{
		stringPref: "x",
		intPref:    42,
		boolPref:   false,
		setPref:    []string{"b", "a", "b"},
		secret:     "s3cr3t",
		window:     800,
		blob:       []byte{0, 1, 0xff},
	})
	require.NoError(t, err)

	public, err := src.Export(ctx, false, false)
	require.NoError(t, err)
	assert.NotContains(t, public, secret.Key())
	assert.NotContains(t, public, window.Key())

	all, err := src.Export(ctx, true, true)
	require.NoError(t, err)
	assert.Equal(t, 42, all[intPref.Key()])

	raw, err := json.Marshal(all)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	res, err := dst.Import(ctx, decoded)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	assert.Equal(t, "x", stringPref.Get(ctx, dst))
	assert.Equal(t, 42, intPref.Get(ctx, dst))
	assert.False(t, boolPref.Get(ctx, dst))
	assert.Equal(t, []string{"a", "b"}, setPref.Get(ctx, dst))
	assert.Equal(t, "s3cr3t", secret.Get(ctx, dst))
	assert.Equal(t, 800, window.Get(ctx, dst))
	assert.Equal(t, []byte{0, 1, 0xff}, blob.Get(ctx, dst))
}

func TestImport_SkipsBadValues(t *testing.T) {
	m, _ := newManager(t, Options{})
	m.Register(intPref)
	ctx := context.Background()

	res, err := m.Import(ctx, map[string]any{
		intPref.Key(): "twelve",
		"free":        12.5,
		"nothing":     nil,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{intPref.Key(), "nothing"}, res.Skipped)
	assert.Equal(t, 1, res.Imported)

	out, err := m.Export(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"free": "12.5"}, out)
}

func TestClosedManager(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()
	require.NoError(t, intPref.Set(ctx, m, 3))
	require.NoError(t, m.Close())

	assert.Equal(t, 0, intPref.Get(ctx, m))
	assert.ErrorIs(t, intPref.Set(ctx, m, 4), ErrClosed)
	assert.ErrorIs(t, m.BatchWrite(ctx, func(WriteScope) error { return nil }), ErrClosed)
	_, err := m.Import(ctx, nil)
	assert.ErrorIs(t, err, ErrClosed)

	// Snapshot reads must not see past the close either.
	_, err = BatchGet(ctx, m, func(s ReadScope) int { return intPref.Read(s) })
	assert.ErrorIs(t, err, ErrClosed)
	_, err = BatchReadFlow(ctx, m, func(s ReadScope) int { return intPref.Read(s) })
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Export(ctx, true, true)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, m.Close())
}

func TestExportImport_BinaryUnregisteredValue(t *testing.T) {
	src, st := newManager(t, Options{})
	dst, dstStore := newManager(t, Options{})
	ctx := context.Background()

	bin := []byte{0xff, 0x00, 0xfe, 'x'}
	_, err := st.Update(ctx, func(txn *store.Txn) error {
		txn.Set("opaque", bin)
		txn.Set("plain", []byte("text"))
		return nil
	})
	require.NoError(t, err)

	all, err := src.Export(ctx, true, true)
	require.NoError(t, err)
	assert.Equal(t, "text", all["plain"])

	body, err := json.Marshal(all)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	res, err := dst.Import(ctx, decoded)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	snap, err := dstStore.Snapshot(ctx)
	require.NoError(t, err)
	got, ok := snap.Get("opaque")
	require.True(t, ok)
	assert.Equal(t, bin, got)
}

func TestCacheDisabled_AlwaysReadsStore(t *testing.T) {
	m, st := newManager(t, Options{CacheDisabled: true})
	ctx := context.Background()

	require.NoError(t, intPref.Set(ctx, m, 1))
	rawSet(t, st, intPref.Key(), "2")
	assert.Equal(t, 2, intPref.Get(ctx, m))
	assert.Equal(t, 0, m.CacheLen())
}

func TestNewManager_Errors(t *testing.T) {
	_, err := NewManager(nil, Options{})
	assert.Error(t, err)
	_, err = NewManager(memstore.New(), Options{Policy: "mru"})
	assert.Error(t, err)

	for _, p := range []Policy{PolicyLRFU, PolicyLRU, Policy2Q} {
		m, err := NewManager(memstore.New(), Options{Policy: p, CacheSize: 8})
		require.NoError(t, err, p)
		require.NoError(t, m.Close())
	}
}

func TestCacheExpiry_WithJanitor(t *testing.T) {
	clk := &fakeClock{}
	m, _ := newManager(t, Options{CacheExpiry: time.Second, CleanupInterval: 5 * time.Millisecond, Clock: clk})
	ctx := context.Background()

	require.NoError(t, intPref.Set(ctx, m, 1))
	assert.Equal(t, 1, m.CacheLen())

	clk.add(2 * time.Second)
	require.Eventually(t, func() bool { return m.CacheLen() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, intPref.Get(ctx, m), "expired entries reload from the store")
}

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// gatedStore hands out a snapshot, then holds it back until released, so a
// test can commit in between a load's read and its cache fill.
type gatedStore struct {
	store.Store
	once  sync.Once
	taken chan struct{}
	gate  chan struct{}
}

func (g *gatedStore) Snapshot(ctx context.Context) (store.Snapshot, error) {
	snap, err := g.Store.Snapshot(ctx)
	g.once.Do(func() {
		close(g.taken)
		<-g.gate
	})
	return snap, err
}

func newGated(t *testing.T) (*Manager, *gatedStore) {
	inner := memstore.New()
	g := &gatedStore{Store: inner, taken: make(chan struct{}), gate: make(chan struct{})}
	m, err := NewManager(g, Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = inner.Close()
	})
	return m, g
}

func TestStaleLoadDoesNotOverwriteNewerWrite(t *testing.T) {
	m, g := newGated(t)
	ctx := context.Background()

	done := make(chan int)
	go func() { done <- intPref.Get(ctx, m) }()
	<-g.taken // load holds a version-0 snapshot

	require.NoError(t, intPref.Set(ctx, m, 5))
	close(g.gate)
	assert.Equal(t, 0, <-done, "the in-flight read returns what it saw")

	assert.Equal(t, 5, intPref.Get(ctx, m), "but must not replace the newer cached value")
}

func TestClearCacheDuringLoad(t *testing.T) {
	m, g := newGated(t)
	ctx := context.Background()

	done := make(chan int)
	go func() { done <- intPref.Get(ctx, m) }()
	<-g.taken

	m.ClearCache()
	close(g.gate)
	<-done
	assert.Equal(t, 0, m.CacheLen(), "a load from before the clear must not repopulate")
}

// abandonStore parks its first Snapshot until that caller's context ends.
type abandonStore struct {
	store.Store
	once  sync.Once
	taken chan struct{}
}

func (a *abandonStore) Snapshot(ctx context.Context) (store.Snapshot, error) {
	first := false
	a.once.Do(func() { first = true })
	if !first {
		return a.Store.Snapshot(ctx)
	}
	close(a.taken)
	<-ctx.Done()
	return store.Snapshot{}, ctx.Err()
}

func TestGet_SharedReadSurvivesLeaderCancel(t *testing.T) {
	inner := memstore.New()
	t.Cleanup(func() { _ = inner.Close() })
	rawSet(t, inner, stringPref.Key(), "dark")

	st := &abandonStore{Store: inner, taken: make(chan struct{})}
	m, err := NewManager(st, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan string)
	go func() { leader <- stringPref.Get(leaderCtx, m) }()
	<-st.taken

	follower := make(chan string)
	go func() { follower <- stringPref.Get(context.Background(), m) }()
	time.Sleep(20 * time.Millisecond) // let the follower join the flight

	cancel()
	assert.Equal(t, "anon", <-leader)
	assert.Equal(t, "dark", <-follower)
}
