// Package vm exports preference cache signals through a VictoriaMetrics
// metrics.Set, for processes that expose metrics without a Prometheus
// client registry.
package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/IvanBrykalov/prefcache/cache"
)

// Adapter implements cache.Metrics on top of a metrics.Set.
type Adapter struct {
	set    *metrics.Set
	prefix string

	hits   *metrics.Counter
	misses *metrics.Counter
	evicts [3]*metrics.Counter

	// gauges read these lazily on scrape
	segments *xsync.MapOf[int, *atomic.Int64]
}

// New registers the cache metrics in set under prefix (default "prefs").
// A nil set creates a fresh one, available through Set.
func New(set *metrics.Set, prefix string) *Adapter {
	if set == nil {
		set = metrics.NewSet()
	}
	if prefix == "" {
		prefix = "prefs"
	}
	a := &Adapter{
		set:      set,
		prefix:   prefix,
		hits:     set.GetOrCreateCounter(prefix + "_cache_hits_total"),
		misses:   set.GetOrCreateCounter(prefix + "_cache_misses_total"),
		segments: xsync.NewMapOf[int, *atomic.Int64](),
	}
	for _, r := range []cache.EvictReason{cache.EvictPolicy, cache.EvictTTL, cache.EvictCapacity} {
		a.evicts[r] = set.GetOrCreateCounter(fmt.Sprintf(`%s_cache_evictions_total{reason=%q}`, prefix, r.String()))
	}
	return a
}

// Set returns the underlying metrics set.
func (a *Adapter) Set() *metrics.Set { return a.set }

func (a *Adapter) Hit() { a.hits.Inc() }

func (a *Adapter) Miss() { a.misses.Inc() }

func (a *Adapter) Evict(r cache.EvictReason) {
	if int(r) < 0 || int(r) >= len(a.evicts) {
		r = cache.EvictPolicy
	}
	a.evicts[r].Inc()
}

// Size records a segment's entry count; its gauge is created on first use.
func (a *Adapter) Size(segment, entries int) {
	v, loaded := a.segments.LoadOrCompute(segment, func() *atomic.Int64 { return new(atomic.Int64) })
	v.Store(int64(entries))
	if !loaded {
		name := fmt.Sprintf(`%s_cache_segment_entries{segment="%d"}`, a.prefix, segment)
		a.set.GetOrCreateGauge(name, func() float64 { return float64(v.Load()) })
	}
}

var _ cache.Metrics = (*Adapter)(nil)
