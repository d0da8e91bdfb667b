package cache

// maxFrequency caps the access counter; beyond it every entry looks equally hot.
const maxFrequency = 255

// node is an intrusive doubly linked list element owned by a segment.
// It stores the key/value alongside list links and the metadata used by
// eviction policies and TTL accounting.
type node[K comparable, V any] struct {
	key K
	val V

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node[K, V]
	next *node[K, V]

	// Absolute expiration deadline in UnixNano.
	// Zero means "no TTL".
	exp int64

	// Saturating access counter, the frequency signal for eviction.
	freq uint32
}

// Key returns the node key (part of policy.Node interface).
func (n *node[K, V]) Key() K { return n.key }

// Value returns a pointer to the stored value (part of policy.Node interface).
// NOTE: callers must only read/write through this pointer while holding the
// segment lock; otherwise data races may occur.
func (n *node[K, V]) Value() *V { return &n.val }

// Frequency returns the access counter.
func (n *node[K, V]) Frequency() uint32 { return n.freq }

// Decay halves the access counter, keeping it at least 1.
func (n *node[K, V]) Decay() {
	n.freq >>= 1
	if n.freq == 0 {
		n.freq = 1
	}
}

func (n *node[K, V]) touch() {
	if n.freq < maxFrequency {
		n.freq++
	}
}
