package cache

import (
	"time"

	"github.com/IvanBrykalov/prefcache/policy"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictPolicy — proposed by the policy on admission (e.g. 2Q probation overflow).
	EvictPolicy EvictReason = iota
	// EvictTTL — expired (lazily on access or by CleanUp).
	EvictTTL
	// EvictCapacity — the segment was full and the policy picked a victim.
	EvictCapacity
)

func (r EvictReason) String() string {
	switch r {
	case EvictTTL:
		return "ttl"
	case EvictCapacity:
		return "capacity"
	default:
		return "policy"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	// Size reports the resident entry count of the segment that just changed.
	Size(segment, entries int)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the cache. It is copied by New and immutable afterwards.
// Zero values are safe; defaults applied in New():
//   - nil Policy    => lrfu with the default window
//   - Segments <= 0 => auto (≈ 2*GOMAXPROCS, power of two)
//   - nil Metrics   => NoopMetrics
type Options[K comparable, V any] struct {
	// MaxSize is the total entry limit, split evenly (ceil) across segments.
	MaxSize int

	// Segments is the number of independently locked partitions.
	Segments int

	// Disabled turns every lookup into a miss and every store into a no-op.
	Disabled bool

	// Expiry is the time-to-live applied by Put and Add (0 = never expire).
	Expiry time.Duration

	// RecordStats enables the hit/miss/eviction counters returned by Stats.
	RecordStats bool

	// Policy is a pluggable eviction policy (lrfu/LRU/2Q…).
	Policy policy.Policy[K, V]

	// Loader is the default LoadFunc for GetOrLoad.
	Loader LoadFunc[K, V]

	// OnEvict is called on eviction under the segment lock; keep callbacks lightweight.
	OnEvict func(k K, v V, reason EvictReason)
	Metrics Metrics

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}
