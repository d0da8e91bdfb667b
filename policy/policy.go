// Package policy defines the contract between a cache segment and its
// eviction policy.
package policy

// Node is the minimal contract a cache entry must satisfy for a policy.
// It provides read-only access to the key, a pointer to the value and the
// entry's access frequency.
type Node[K comparable, V any] interface {
	Key() K
	Value() *V
	// Frequency is the saturating access counter maintained by the segment.
	Frequency() uint32
	// Decay halves the access counter (never below 1). Policies call it
	// on entries they pass over so that stale popularity fades.
	Decay()
}

// Hooks expose O(1) list operations that a policy can use to manipulate
// the segment's intrusive MRU/LRU list. Implementations are provided by the segment.
//
// Concurrency: all hook calls happen under the segment lock.
// Important: hooks manage only the list; the segment owns the key->node map.
type Hooks[K comparable, V any] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K, V])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K, V])
	// Remove detaches the node from the list (map bookkeeping is done by the segment).
	Remove(Node[K, V])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K, V]
	// Prev returns the next more-recently-used neighbour of n (or nil at MRU).
	Prev(Node[K, V]) Node[K, V]
	// Len returns the number of resident nodes in the segment.
	Len() int
}

// ShardPolicy is a per-segment eviction policy instance bound to segment hooks.
// All methods are invoked under the segment lock.
//
// Semantics:
//   - OnAdd places a new node; it may return an eviction candidate
//     (e.g. LRU of a probation queue). The segment evicts that node and
//     subsequently calls OnRemove for it.
//   - OnGet/OnUpdate typically promote the node (e.g. move to MRU).
//   - OnRemove is a notification to update policy-internal state
//     (e.g. maintain ghost queues). The segment performs actual deletion.
//   - Victim picks the node to evict when the segment is full.
type ShardPolicy[K comparable, V any] interface {
	OnAdd(Node[K, V]) (evict Node[K, V])
	OnGet(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
	Victim() Node[K, V]
}

// Policy is a factory that creates segment-local policy instances
// bound to a particular segment's hooks.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) ShardPolicy[K, V]
}
