// Package lrfu implements a recency-first, frequency-aware eviction policy.
//
// The segment list is kept in plain LRU order. When the segment is full the
// policy inspects the Window least-recently-used entries, capped at the older
// half of the segment, and evicts the one with the lowest access frequency;
// ties go to the least recent entry.
// Entries that were skipped because they sit closer to the LRU end than the
// chosen victim have their frequency halved, so an entry that was popular
// long ago cannot pin itself at the tail forever.
//
// With Window == 1 the policy degenerates to pure LRU.
package lrfu

import "github.com/IvanBrykalov/prefcache/policy"

// DefaultWindow is the number of tail entries considered per eviction.
const DefaultWindow = 4

type lrfuPolicy[K comparable, V any] struct {
	window int
}

// New returns a Policy factory. A window < 1 is treated as DefaultWindow.
func New[K comparable, V any](window int) policy.Policy[K, V] {
	if window < 1 {
		window = DefaultWindow
	}
	return lrfuPolicy[K, V]{window: window}
}

// New binds the policy to a segment's hooks.
func (p lrfuPolicy[K, V]) New(h policy.Hooks[K, V]) policy.ShardPolicy[K, V] {
	return &lrfu[K, V]{h: h, window: p.window}
}

type lrfu[K comparable, V any] struct {
	h      policy.Hooks[K, V]
	window int
}

func (p *lrfu[K, V]) OnAdd(n policy.Node[K, V]) (evict policy.Node[K, V]) {
	p.h.PushFront(n)
	return nil
}

func (p *lrfu[K, V]) OnGet(n policy.Node[K, V])    { p.h.MoveToFront(n) }
func (p *lrfu[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToFront(n) }
func (p *lrfu[K, V]) OnRemove(policy.Node[K, V])   {}

// Victim walks from the LRU end towards MRU over at most window entries.
// The window never reaches into the newer half of the segment, so a freshly
// written entry is not evicted for its low count.
func (p *lrfu[K, V]) Victim() policy.Node[K, V] {
	tail := p.h.Back()
	if tail == nil {
		return nil
	}

	window := min(p.window, max(1, (p.h.Len()+1)/2))
	victim := tail
	for n, i := p.h.Prev(tail), 1; n != nil && i < window; n, i = p.h.Prev(n), i+1 {
		// strictly lower: on equal frequency the older entry stays the victim
		if n.Frequency() < victim.Frequency() {
			victim = n
		}
	}

	// age everything between the tail and the victim
	for n := tail; n != nil && n != victim; n = p.h.Prev(n) {
		n.Decay()
	}
	return victim
}
