package cache

import (
	"sync"

	"github.com/IvanBrykalov/prefcache/internal/util"
	"github.com/IvanBrykalov/prefcache/policy"
)

// shard is one segment of the cache: an independent partition with its own
// lock, map, and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu   sync.RWMutex
	m    map[K]*node[K, V]
	head *node[K, V] // MRU
	tail *node[K, V] // LRU
	len  int         // number of resident entries
	cap  int         // per-segment entry capacity

	// Policy and options (policy uses hooks to manipulate the list).
	pol policy.ShardPolicy[K, V]
	opt Options[K, V]
	id  int

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

// newShard initializes a segment with its capacity share and binds a fresh
// policy instance to it.
func newShard[K comparable, V any](id, capacity int, opt Options[K, V]) *shard[K, V] {
	s := &shard[K, V]{
		m:   make(map[K]*node[K, V], capacity),
		cap: capacity,
		opt: opt,
		id:  id,
	}
	s.pol = opt.Policy.New(shardHooks[K, V]{s: s})
	return s
}

// Add inserts a NEW entry (no update). An expired entry counts as absent.
// exp is an absolute UnixNano deadline (0 = no TTL).
func (s *shard[K, V]) Add(k K, v V, exp int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, exists := s.m[k]; exists {
		if !s.expiredLocked(n) {
			return false
		}
		s.expireLocked(n)
	}
	s.insertLocked(k, v, exp)
	return true
}

// Put inserts or updates an entry and promotes it according to the policy.
func (s *shard[K, V]) Put(k K, v V, exp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(k, v, exp)
}

// PutIf stores k→v only when cond approves. An expired entry is passed to
// cond as absent.
func (s *shard[K, V]) PutIf(k K, v V, exp int64, cond func(old V, exists bool) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old V
	n, exists := s.m[k]
	if exists && s.expiredLocked(n) {
		s.expireLocked(n)
		exists = false
	} else if exists {
		old = n.val
	}
	if !cond(old, exists) {
		return false
	}
	s.putLocked(k, v, exp)
	return true
}

// Get returns the value and promotes the entry according to the policy.
// TTL: if expired, the entry is evicted and a miss is returned.
func (s *shard[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if ok && s.expiredLocked(n) {
		s.expireLocked(n)
		ok = false
	}
	if !ok {
		s.recordMiss()
		var zero V
		return zero, false
	}

	n.touch()
	s.pol.OnGet(n)
	s.recordHit()
	return n.val, true
}

// Remove deletes an entry by key. Returns true if the entry existed.
// Explicit removal is not counted as an eviction.
func (s *shard[K, V]) Remove(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return false
	}
	s.pol.OnRemove(n)
	s.removeNode(n)
	delete(s.m, k)
	s.opt.Metrics.Size(s.id, s.len)
	return true
}

// Clear drops all entries and resets the policy state.
func (s *shard[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[K]*node[K, V], s.cap)
	s.head, s.tail, s.len = nil, nil, 0
	s.pol = s.opt.Policy.New(shardHooks[K, V]{s: s})
	s.opt.Metrics.Size(s.id, 0)
}

// CleanUp evicts every expired entry and returns how many were dropped.
func (s *shard[K, V]) CleanUp() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for n := s.tail; n != nil; {
		prev := n.prev
		if s.expiredLocked(n) {
			s.evictNode(n, EvictTTL)
			dropped++
		}
		n = prev
	}
	if dropped > 0 {
		s.opt.Metrics.Size(s.id, s.len)
	}
	return dropped
}

// Len returns the number of resident entries in this segment.
func (s *shard[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len
}

// -------------------- internals (mu held) --------------------

func (s *shard[K, V]) putLocked(k K, v V, exp int64) {
	if n, ok := s.m[k]; ok {
		n.val = v
		n.exp = exp
		n.touch()
		s.pol.OnUpdate(n)
		return
	}
	s.insertLocked(k, v, exp)
}

// insertLocked makes room first (one victim when full), then admits the node.
func (s *shard[K, V]) insertLocked(k K, v V, exp int64) {
	if s.len >= s.cap {
		if victim := s.pol.Victim(); victim != nil {
			s.evictNode(victim.(*node[K, V]), EvictCapacity)
		} else if t := s.back(); t != nil {
			s.evictNode(t, EvictCapacity)
		}
	}

	n := &node[K, V]{key: k, val: v, exp: exp, freq: 1}
	s.m[k] = n
	if ev := s.pol.OnAdd(n); ev != nil {
		s.evictNode(ev.(*node[K, V]), EvictPolicy)
	}
	s.opt.Metrics.Size(s.id, s.len)
}

// expireLocked drops an entry found expired on access.
func (s *shard[K, V]) expireLocked(n *node[K, V]) {
	s.evictNode(n, EvictTTL)
	s.opt.Metrics.Size(s.id, s.len)
}

func (s *shard[K, V]) expiredLocked(n *node[K, V]) bool {
	if n.exp == 0 {
		return false
	}
	return nowUnixNano(s.opt.Clock) > n.exp
}

func (s *shard[K, V]) recordHit() {
	if s.opt.RecordStats {
		s.hits.Add(1)
	}
	s.opt.Metrics.Hit()
}

func (s *shard[K, V]) recordMiss() {
	if s.opt.RecordStats {
		s.misses.Add(1)
	}
	s.opt.Metrics.Miss()
}

// insertFront inserts n at MRU in O(1).
func (s *shard[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
}

// moveToFront promotes n to MRU in O(1).
func (s *shard[K, V]) moveToFront(n *node[K, V]) {
	if n == s.head {
		return
	}
	// detach
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	// insert at head
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// removeNode removes n from the list and updates counters in O(1).
func (s *shard[K, V]) removeNode(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
}

// back returns the current LRU node in O(1).
func (s *shard[K, V]) back() *node[K, V] { return s.tail }

// evictNode removes the node, updates metrics/counters, and calls OnEvict.
func (s *shard[K, V]) evictNode(n *node[K, V], reason EvictReason) {
	s.pol.OnRemove(n)
	s.removeNode(n)
	delete(s.m, n.key)
	if s.opt.RecordStats {
		s.evicts.Add(1)
	}
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}

// -------------------- policy hooks --------------------

// shardHooks adapts the segment's list operations to policy.Hooks.
type shardHooks[K comparable, V any] struct{ s *shard[K, V] }

func (h shardHooks[K, V]) MoveToFront(x policy.Node[K, V]) { h.s.moveToFront(x.(*node[K, V])) }
func (h shardHooks[K, V]) PushFront(x policy.Node[K, V])   { h.s.insertFront(x.(*node[K, V])) }
func (h shardHooks[K, V]) Remove(x policy.Node[K, V]) {
	// Policies call Remove while the segment lock is held.
	// Map bookkeeping is performed by the segment itself.
	h.s.removeNode(x.(*node[K, V]))
}

// Back and Prev must return an untyped nil at the list ends.
func (h shardHooks[K, V]) Back() policy.Node[K, V] {
	if t := h.s.back(); t != nil {
		return t
	}
	return nil
}

func (h shardHooks[K, V]) Prev(x policy.Node[K, V]) policy.Node[K, V] {
	if p := x.(*node[K, V]).prev; p != nil {
		return p
	}
	return nil
}

func (h shardHooks[K, V]) Len() int { return h.s.len }
