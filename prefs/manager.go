package prefs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/IvanBrykalov/prefcache/cache"
	"github.com/IvanBrykalov/prefcache/internal/singleflight"
	"github.com/IvanBrykalov/prefcache/internal/util"
	"github.com/IvanBrykalov/prefcache/policy"
	"github.com/IvanBrykalov/prefcache/policy/lrfu"
	"github.com/IvanBrykalov/prefcache/policy/lru"
	"github.com/IvanBrykalov/prefcache/policy/twoq"
	"github.com/IvanBrykalov/prefcache/store"
)

var plog = logger.GetLogger("prefs")

// DefaultCacheSize is the cache capacity used when Options.CacheSize is 0.
const DefaultCacheSize = 512

// Policy names an eviction policy for the preference cache.
type Policy string

const (
	PolicyLRFU Policy = "lrfu" // recency first, frequency as tie-breaker (default)
	PolicyLRU  Policy = "lru"
	Policy2Q   Policy = "2q"
)

// Options configures a Manager. The zero value is a working configuration.
type Options struct {
	// CacheDisabled sends every read to the store.
	CacheDisabled bool
	// CacheSize is the total number of cached keys (default DefaultCacheSize).
	CacheSize int
	// CacheSegments is the number of cache segments (0 = auto).
	CacheSegments int
	// CacheExpiry drops cached values this long after they were written.
	CacheExpiry time.Duration
	// RecordStats enables CacheStats counters.
	RecordStats bool
	// Policy selects the eviction policy (default PolicyLRFU).
	Policy Policy
	// EvictionWindow is the lrfu window (default lrfu.DefaultWindow).
	EvictionWindow int
	// CleanupInterval, when positive, sweeps expired entries periodically.
	CleanupInterval time.Duration
	// Metrics receives cache signals (default cache.NoopMetrics).
	Metrics cache.Metrics
	// Clock overrides the cache time source (tests).
	Clock cache.Clock
}

// entry is a cached preference value tagged with the store version it was
// read at or written in. A deleted key is cached as its default.
type entry struct {
	value   any
	version uint64
}

// Manager routes single-key reads through a cache and groups multi-key work
// into store transactions. The store is the source of truth; the cache is
// written through after every commit and never ahead of it.
//
// Two locks order the Manager's own bookkeeping: cacheMu guards cache
// population and invalidation, batchMu keeps batch operations issued on
// this Manager from interleaving their cache side effects. Neither is held
// to protect the store, which does its own isolation.
type Manager struct {
	st    store.Store
	cache cache.Cache[string, entry]
	sf    singleflight.Group[string, entry]

	cacheMu    sync.Mutex
	clearEpoch uint64 // bumped by ClearCache; loads from an older epoch are dropped
	lastWrite  uint64 // highest version written into the cache by a commit

	batchMu sync.Mutex

	regMu    sync.RWMutex
	registry map[string]Handle

	closed      atomic.Bool
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// NewManager wraps st. The Manager does not own st; close it separately
// after Close.
func NewManager(st store.Store, opt Options) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("prefs: nil store")
	}
	if opt.CacheSize <= 0 {
		opt.CacheSize = DefaultCacheSize
	}

	pol, err := buildPolicy(opt)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		st: st,
		cache: cache.New[string, entry](cache.Options[string, entry]{
			MaxSize:     opt.CacheSize,
			Segments:    opt.CacheSegments,
			Disabled:    opt.CacheDisabled,
			Expiry:      opt.CacheExpiry,
			RecordStats: opt.RecordStats,
			Policy:      pol,
			Metrics:     opt.Metrics,
			Clock:       opt.Clock,
		}),
		registry: make(map[string]Handle),
	}

	if opt.CleanupInterval > 0 && !opt.CacheDisabled {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopJanitor = cancel
		m.janitorDone = make(chan struct{})
		go func() {
			defer close(m.janitorDone)
			cache.RunJanitor(ctx, m.cache, opt.CleanupInterval)
		}()
	}
	return m, nil
}

func buildPolicy(opt Options) (policy.Policy[string, entry], error) {
	switch opt.Policy {
	case "", PolicyLRFU:
		return lrfu.New[string, entry](opt.EvictionWindow), nil
	case PolicyLRU:
		return lru.New[string, entry](), nil
	case Policy2Q:
		segs := opt.CacheSegments
		if segs <= 0 {
			segs = util.ReasonableShardCount()
		}
		per := (opt.CacheSize + segs - 1) / segs
		in := per / 4
		if in < 1 {
			in = 1
		}
		return twoq.New[string, entry](in, per/2), nil
	default:
		return nil, fmt.Errorf("prefs: unknown eviction policy %q", opt.Policy)
	}
}

// ---- single-key operations ----

// Get returns the value of h. It always returns a value of h's type: the
// default stands in for unset keys, decode failures and store errors.
func (m *Manager) Get(ctx context.Context, h Handle) any {
	key := h.Key()
	if m.closed.Load() {
		return h.Default()
	}
	if e, ok := m.cache.Get(key); ok && h.accepts(e.value) {
		return e.value
	}

	e, err := m.sf.Do(ctx, key, func() (entry, error) { return m.load(ctx, h) })
	if err != nil && ctx.Err() == nil && isContextErr(err) {
		// The shared read ran under the leader's context, which is gone.
		e, err = m.load(ctx, h)
	}
	if err != nil {
		plog.Warningf("read of %s failed: %v; using default", key, err)
		return h.Default()
	}
	if !h.accepts(e.value) {
		// Another handle with the same key won the flight.
		e, err = m.load(ctx, h)
		if err != nil {
			return h.Default()
		}
	}
	return e.value
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// load reads h from a fresh snapshot and offers the result to the cache.
func (m *Manager) load(ctx context.Context, h Handle) (entry, error) {
	epoch := m.epoch()
	snap, err := m.st.Snapshot(ctx)
	if err != nil {
		return entry{}, err
	}
	raw, ok := snap.Get(h.Key())
	e := entry{value: decodeOrDefault(h, raw, ok), version: snap.Version()}
	m.cacheLoaded(h.Key(), e, epoch)
	return e, nil
}

// Set writes v for h in its own transaction, then updates the cache.
func (m *Manager) Set(ctx context.Context, h Handle, v any) error {
	if m.closed.Load() {
		return ErrClosed
	}
	raw, err := h.encodeAny(v)
	if err != nil {
		return err
	}

	epoch := m.epoch()
	var sc *txnScope
	snap, err := m.st.Update(ctx, func(txn *store.Txn) error {
		sc = newTxnScope(txn)
		sc.put(h, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("prefs: set %s: %w", h.Key(), err)
	}
	m.cacheEffects(sc.effects, snap.Version(), epoch)
	return nil
}

// Delete removes h from the store; later reads yield the default.
func (m *Manager) Delete(ctx context.Context, h Handle) error {
	return m.BatchDelete(ctx, h)
}

// ---- cache bookkeeping ----

func (m *Manager) epoch() uint64 {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.clearEpoch
}

// cacheLoaded stores a value read from the store unless the cache was
// cleared since the read began, or a commit newer than the read has
// already been written to the cache (the read may predate it).
func (m *Manager) cacheLoaded(key string, e entry, epoch uint64) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if epoch != m.clearEpoch || e.version < m.lastWrite {
		return
	}
	m.putNewer(key, e)
}

// cacheEffects writes committed values into the cache at version.
func (m *Manager) cacheEffects(effects map[string]effect, version, epoch uint64) {
	if len(effects) == 0 {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if version > m.lastWrite {
		m.lastWrite = version
	}
	if epoch != m.clearEpoch {
		return
	}
	for key, ef := range effects {
		m.putNewer(key, entry{value: ef.value, version: version})
	}
}

// putNewer never lets an older version replace a newer one. cacheMu held.
func (m *Manager) putNewer(key string, e entry) {
	m.cache.PutIf(key, e, func(old entry, exists bool) bool {
		return !exists || e.version >= old.version
	})
}

// ---- administration ----

// ClearCache drops every cached value. Loads already in flight are not
// allowed to repopulate it.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.clearEpoch++
	m.cache.Clear()
}

// CacheStats returns the cache counters (zero unless RecordStats).
func (m *Manager) CacheStats() cache.Stats { return m.cache.Stats() }

// CleanUpCache drops expired cache entries and reports how many.
func (m *Manager) CleanUpCache() int { return m.cache.CleanUp() }

// CacheLen returns the number of cached keys.
func (m *Manager) CacheLen() int { return m.cache.Len() }

// Store returns the underlying store.
func (m *Manager) Store() store.Store { return m.st }

// Close stops background work and the cache. Reads then return defaults
// and writes fail with ErrClosed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.stopJanitor != nil {
		m.stopJanitor()
		<-m.janitorDone
	}
	return m.cache.Close()
}
