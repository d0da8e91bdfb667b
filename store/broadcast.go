package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Broadcaster fans committed snapshots out to Watch subscribers. Each
// subscriber owns a one-slot channel that always holds the newest pending
// snapshot, so a slow reader never blocks a commit and never goes backwards.
type Broadcaster struct {
	subs   *xsync.MapOf[uint64, *subscriber]
	nextID atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Snapshot
	sent   bool
	last   uint64 // version of the last snapshot offered
	closed bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: xsync.NewMapOf[uint64, *subscriber](),
		done: make(chan struct{}),
	}
}

// Subscribe registers a subscriber, then seeds it with current(). Registering
// first means a commit racing with the seed read is never lost: whichever of
// the two snapshots is newer wins.
//
// The subscription ends when ctx is done or the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, current func() (Snapshot, error)) (<-chan Snapshot, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	id := b.nextID.Add(1)
	sub := &subscriber{ch: make(chan Snapshot, 1)}
	b.subs.Store(id, sub)

	// Close may have run between the check above and Store.
	if b.closed.Load() {
		b.drop(id)
		return nil, ErrClosed
	}

	snap, err := current()
	if err != nil {
		b.drop(id)
		return nil, err
	}
	sub.offer(snap)

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.drop(id)
	}()
	plog.Debugf("watch subscriber %d registered at version %d", id, snap.Version())
	return sub.ch, nil
}

// Publish offers s to every subscriber without blocking.
func (b *Broadcaster) Publish(s Snapshot) {
	b.subs.Range(func(_ uint64, sub *subscriber) bool {
		sub.offer(s)
		return true
	})
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int { return b.subs.Size() }

// Close ends every subscription; later Subscribe calls fail with ErrClosed.
func (b *Broadcaster) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	b.subs.Range(func(id uint64, _ *subscriber) bool {
		b.drop(id)
		return true
	})
}

func (b *Broadcaster) drop(id uint64) {
	if sub, ok := b.subs.LoadAndDelete(id); ok {
		sub.close()
	}
}

func (s *subscriber) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.sent && snap.Version() <= s.last) {
		return
	}
	// Replace whatever the reader has not picked up yet.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
		s.sent, s.last = true, snap.Version()
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
