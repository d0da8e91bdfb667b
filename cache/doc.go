// Package cache provides a generic, segmented in-memory cache with
// pluggable eviction policies (recency-first with a frequency tie-breaker by
// default), optional TTL, opt-in hit/miss/eviction statistics, singleflight
// loading, and lightweight metrics hooks.
//
// Design
//
//   - Concurrency: the cache is split into segments, each protected by its
//     own mutex. Keys map to segments by FNV-1a hash modulo the segment count;
//     the mapping never changes for the life of the cache. Operations on
//     different segments never wait for each other.
//
//   - Storage: each segment keeps a map[K]*node for lookups and an intrusive
//     MRU↔LRU doubly linked list for ordering, plus a saturating access
//     counter per entry. All operations are O(1) expected.
//
//   - Capacity: Options.MaxSize is split evenly across segments, rounding up,
//     so the resident total never exceeds Segments*ceil(MaxSize/Segments).
//     When a segment is full, exactly one victim is evicted before a new key
//     is admitted.
//
//   - Policies: the default lrfu policy examines a small window at the LRU
//     end and evicts the least frequently used entry within it. Pure LRU and
//     2Q are available in the policy package tree.
//
//   - TTL: Options.Expiry (or PutWithTTL) sets a deadline on write. Expiry is
//     lazy on read; CleanUp sweeps all segments and RunJanitor calls it on a
//     ticker for callers that want proactive cleanup.
//
//   - Stats: Stats() sums per-segment counters kept in padded atomics. With
//     RecordStats false they are never touched and Stats() returns zeros.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size signals.
//     By default NoopMetrics is used; see metrics/prom and metrics/vm.
//
// Basic usage
//
//	c := cache.New[string, int](cache.Options[string, int]{MaxSize: 2, Segments: 1})
//	c.Put("a", 1)
//	c.Put("b", 2)
//	c.Get("a")    // a is now recent and more frequent
//	c.Put("c", 3) // evicts b
//
// With TTL
//
//	c := cache.New[string, string](cache.Options[string, string]{
//	    MaxSize: 1024,
//	    Expiry:  time.Minute,
//	})
//	go cache.RunJanitor(ctx, c, 30*time.Second)
//
// Thread-safety & complexity
//
// All methods on Cache are safe for concurrent use. Eviction inspects at
// most the policy window, so every operation is O(1) for a fixed window.
// CleanUp and Clear are O(n) in the segment size.
package cache
