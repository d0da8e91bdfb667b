package cache

import (
	"context"
	"time"
)

// LoadFunc fetches the value for k on a cache miss.
type LoadFunc[K comparable, V any] func(ctx context.Context, k K) (V, error)

// Cache is a segmented, in-memory key/value cache interface.
// All methods are safe for concurrent use by multiple goroutines.
//
// Typical complexity for operations is amortized O(1):
// a map lookup plus constant-time list adjustments under a segment lock.
type Cache[K comparable, V any] interface {
	// Add inserts k→v only if k is not present (or present but expired).
	// Returns false if a live entry already exists (no update is performed).
	Add(k K, v V) bool

	// Put inserts or updates k→v, resets the entry's expiry clock and
	// counts as an access for eviction purposes. If the owning segment is
	// full, one victim is evicted before a new key is inserted.
	Put(k K, v V)

	// PutWithTTL is Put with a per-entry TTL overriding Options.Expiry.
	// A non-positive ttl disables expiration for this entry.
	PutWithTTL(k K, v V, ttl time.Duration)

	// PutIf atomically stores k→v only when cond(old, exists) reports true.
	// cond runs under the segment lock and must not call back into the cache.
	PutIf(k K, v V, cond func(old V, exists bool) bool) bool

	// Get returns the value for k and a boolean flag indicating presence.
	// Expired entries are removed and reported as absent.
	Get(k K) (V, bool)

	// GetOrLoad returns the value for k, loading it on miss.
	// A nil load falls back to Options.Loader; if neither is set ErrNoLoader
	// is returned. Concurrent loads for the same key are coalesced.
	GetOrLoad(ctx context.Context, k K, load LoadFunc[K, V]) (V, error)

	// Remove deletes k if present and returns true on success.
	Remove(k K) bool

	// Clear drops every entry in every segment.
	Clear()

	// CleanUp removes expired entries from all segments and returns how many
	// were dropped. The cache never schedules this on its own; see RunJanitor.
	CleanUp() int

	// Stats returns hit/miss/eviction counters (zero unless RecordStats).
	Stats() Stats

	// Len returns the total number of resident entries across all segments.
	Len() int

	// Close marks the cache closed; later operations are no-ops.
	Close() error
}
