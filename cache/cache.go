package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/prefcache/internal/singleflight"
	"github.com/IvanBrykalov/prefcache/internal/util"
	"github.com/IvanBrykalov/prefcache/policy/lrfu"
)

// ErrNoLoader is returned by GetOrLoad when neither a LoadFunc nor
// Options.Loader was provided.
var ErrNoLoader = errors.New("cache: no loader provided")

// cache is a segmented in-memory KV store with a pluggable eviction policy.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	segments []*shard[K, V]
	hash     func(K) uint64
	closed   atomic.Bool

	opt Options[K, V]

	// singleflight group for coalescing concurrent loads in GetOrLoad.
	sf singleflight.Group[K, V]
}

// New constructs a cache with the provided Options.
// Defaults:
//   - nil Metrics   -> NoopMetrics
//   - nil Policy    -> lrfu (recency first, frequency as tie-breaker)
//   - Segments <= 0 -> util.ReasonableShardCount()
//
// Unlike the segment count, which is used as given, per-segment capacity is
// ceil(MaxSize / Segments).
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	if opt.MaxSize <= 0 {
		panic("cache: MaxSize must be > 0")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lrfu.New[K, V](lrfu.DefaultWindow)
	}
	if opt.Segments <= 0 {
		opt.Segments = util.ReasonableShardCount()
	}

	segs := make([]*shard[K, V], opt.Segments)
	perSegCap := (opt.MaxSize + opt.Segments - 1) / opt.Segments
	for i := range segs {
		segs[i] = newShard[K, V](i, perSegCap, opt)
	}

	return &cache[K, V]{
		segments: segs,
		hash:     util.Fnv64a[K],
		opt:      opt,
	}
}

// ---- Cache[K,V] implementation ----

func (c *cache[K, V]) inactive() bool { return c.opt.Disabled || c.closed.Load() }

func (c *cache[K, V]) Add(k K, v V) bool {
	if c.inactive() {
		return false
	}
	return c.segmentFor(k).Add(k, v, c.defaultDeadline())
}

func (c *cache[K, V]) Put(k K, v V) {
	if c.inactive() {
		return
	}
	c.segmentFor(k).Put(k, v, c.defaultDeadline())
}

func (c *cache[K, V]) PutWithTTL(k K, v V, ttl time.Duration) {
	if c.inactive() {
		return
	}
	c.segmentFor(k).Put(k, v, c.deadline(ttl))
}

func (c *cache[K, V]) PutIf(k K, v V, cond func(old V, exists bool) bool) bool {
	if c.inactive() {
		return false
	}
	return c.segmentFor(k).PutIf(k, v, c.defaultDeadline(), cond)
}

func (c *cache[K, V]) Get(k K) (V, bool) {
	if c.inactive() {
		var zero V
		return zero, false
	}
	return c.segmentFor(k).Get(k)
}

func (c *cache[K, V]) Remove(k K) bool {
	if c.inactive() {
		return false
	}
	return c.segmentFor(k).Remove(k)
}

func (c *cache[K, V]) Clear() {
	for _, s := range c.segments {
		s.Clear()
	}
}

func (c *cache[K, V]) CleanUp() int {
	if c.inactive() {
		return 0
	}
	n := 0
	for _, s := range c.segments {
		n += s.CleanUp()
	}
	return n
}

func (c *cache[K, V]) Stats() Stats {
	var st Stats
	if !c.opt.RecordStats {
		return st
	}
	for _, s := range c.segments {
		st.Hits += uint64(s.hits.Load())
		st.Misses += uint64(s.misses.Load())
		st.Evictions += s.evicts.Load()
	}
	return st
}

func (c *cache[K, V]) Len() int {
	total := 0
	for _, s := range c.segments {
		total += s.Len()
	}
	return total
}

// Close marks the cache as closed. Future operations are ignored.
func (c *cache[K, V]) Close() error {
	c.closed.Store(true)
	return nil
}

// GetOrLoad returns the value for k; on miss it runs load (or Options.Loader),
// coalescing concurrent loads for the same key. A disabled cache still
// coalesces but never stores the result.
func (c *cache[K, V]) GetOrLoad(ctx context.Context, k K, load LoadFunc[K, V]) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	if load == nil {
		load = c.opt.Loader
	}
	if load == nil {
		var zero V
		return zero, ErrNoLoader
	}

	return c.sf.Do(ctx, k, func() (V, error) {
		// double-check after flight join
		if v, ok := c.Get(k); ok {
			return v, nil
		}
		v, err := load(ctx, k)
		if err == nil {
			c.Put(k, v)
		}
		return v, err
	})
}

// ---- helpers ----

// segmentFor picks a segment by hashing the key. The mapping is fixed for
// the cache's lifetime because the segment slice never changes.
func (c *cache[K, V]) segmentFor(k K) *shard[K, V] {
	return c.segments[util.ShardIndex(c.hash(k), len(c.segments))]
}

// defaultDeadline returns an absolute deadline based on Options.Expiry.
func (c *cache[K, V]) defaultDeadline() int64 {
	return c.deadline(c.opt.Expiry)
}

// deadline converts a relative TTL into an absolute UnixNano deadline.
// A non-positive ttl returns 0 (no expiration).
func (c *cache[K, V]) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowUnixNano(c.opt.Clock) + int64(ttl)
}

func nowUnixNano(clk Clock) int64 {
	if clk != nil {
		return clk.NowUnixNano()
	}
	return time.Now().UnixNano()
}
