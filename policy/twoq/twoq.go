// Package twoq implements the 2Q eviction policy: first-time entries wait in
// a probation queue and only move to the main segment list once read again.
// Keys evicted from probation are remembered for a while (ghosts) and skip
// probation when they come back.
package twoq

import (
	"container/list"

	"github.com/IvanBrykalov/prefcache/policy"
)

// New returns a 2Q factory. Sizes are per segment: probation holds up to
// probationCap entries, the ghost list up to ghostCap keys. Typical choices
// are 25% and 50% of the segment capacity.
func New[K comparable, V any](probationCap, ghostCap int) policy.Policy[K, V] {
	return factory[K, V]{probationCap: max(probationCap, 1), ghostCap: max(ghostCap, 1)}
}

type factory[K comparable, V any] struct {
	probationCap int
	ghostCap     int
}

func (f factory[K, V]) New(h policy.Hooks[K, V]) policy.ShardPolicy[K, V] {
	return &twoQ[K, V]{
		h:         h,
		probation: newQueue[policy.Node[K, V]](f.probationCap),
		ghosts:    newQueue[K](f.ghostCap),
	}
}

// twoQ is bound to one segment; every call happens under its lock. Nodes on
// probation are also on the segment list, so Victim can fall back to it.
type twoQ[K comparable, V any] struct {
	h         policy.Hooks[K, V]
	probation *queue[policy.Node[K, V]]
	ghosts    *queue[K]
}

func (q *twoQ[K, V]) OnAdd(n policy.Node[K, V]) policy.Node[K, V] {
	q.h.PushFront(n)
	if q.ghosts.remove(n.Key()) {
		return nil // recently evicted: straight to the main list
	}
	q.probation.push(n)
	if q.probation.full() {
		return q.probation.oldest()
	}
	return nil
}

// OnGet graduates a probation entry to the main list.
func (q *twoQ[K, V]) OnGet(n policy.Node[K, V]) {
	q.probation.remove(n)
	q.h.MoveToFront(n)
}

func (q *twoQ[K, V]) OnUpdate(n policy.Node[K, V]) { q.OnGet(n) }

// OnRemove remembers keys that left from probation.
func (q *twoQ[K, V]) OnRemove(n policy.Node[K, V]) {
	if !q.probation.remove(n) {
		return
	}
	q.ghosts.remove(n.Key())
	q.ghosts.push(n.Key())
	for q.ghosts.full() {
		q.ghosts.remove(q.ghosts.oldest())
	}
}

func (q *twoQ[K, V]) Victim() policy.Node[K, V] {
	if q.probation.len() > 0 {
		return q.probation.oldest()
	}
	return q.h.Back()
}

// queue is an insertion-ordered set with O(1) removal by value.
type queue[T comparable] struct {
	limit int
	order *list.List // newest at Front
	index map[T]*list.Element
}

func newQueue[T comparable](limit int) *queue[T] {
	return &queue[T]{limit: limit, order: list.New(), index: make(map[T]*list.Element)}
}

func (q *queue[T]) len() int { return q.order.Len() }

// full reports whether the queue holds more than its limit.
func (q *queue[T]) full() bool { return q.order.Len() > q.limit }

func (q *queue[T]) push(v T) { q.index[v] = q.order.PushFront(v) }

func (q *queue[T]) oldest() T { return q.order.Back().Value.(T) }

func (q *queue[T]) remove(v T) bool {
	el, ok := q.index[v]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, v)
	return true
}
