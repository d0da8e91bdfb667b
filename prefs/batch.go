package prefs

import (
	"context"

	"github.com/IvanBrykalov/prefcache/store"
)

// BatchGet evaluates fn against one snapshot, so every read inside it sees
// the same state however the store changes meanwhile. Neither the store nor
// the cache is modified.
func BatchGet[R any](ctx context.Context, m *Manager, fn func(ReadScope) R) (R, error) {
	var zero R
	if m.closed.Load() {
		return zero, ErrClosed
	}
	snap, err := m.st.Snapshot(ctx)
	if err != nil {
		return zero, err
	}
	return fn(snapshotScope{snap: snap}), nil
}

// BatchReadFlow re-evaluates fn on every snapshot the store emits, starting
// with the current one, in store order. A slow reader skips intermediate
// snapshots. The channel closes when ctx is done or the store is closed.
func BatchReadFlow[R any](ctx context.Context, m *Manager, fn func(ReadScope) R) (<-chan R, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	snaps, err := m.st.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan R)
	go func() {
		defer close(out)
		for snap := range snaps {
			r := fn(snapshotScope{snap: snap})
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// BatchWrite stages writes through fn and commits them as one transaction.
// If fn returns an error or panics nothing is committed; the error (or
// panic) reaches the caller. fn may run more than once when the store
// retries a conflicting commit.
//
// fn must touch preferences only through its scope. Calling back into m
// (Get, Set or another Batch*) from fn deadlocks: batches are serialized
// and the store may hold its own lock while fn runs.
func (m *Manager) BatchWrite(ctx context.Context, fn func(WriteScope) error) error {
	_, err := m.batch(ctx, func(sc *txnScope) error { return fn(sc) })
	return err
}

// BatchUpdate is BatchWrite with reads: Get inside fn observes the writes
// already staged, so multi-key read-modify-write is atomic. The same
// restriction applies: fn works only through its scope.
func (m *Manager) BatchUpdate(ctx context.Context, fn func(UpdateScope) error) error {
	_, err := m.batch(ctx, func(sc *txnScope) error { return fn(sc) })
	return err
}

// BatchSet writes all values in one transaction. Values whose type does not
// match their handle are logged and skipped; the keys skipped are returned.
func (m *Manager) BatchSet(ctx context.Context, values map[Handle]any) ([]string, error) {
	sc, err := m.batch(ctx, func(sc *txnScope) error {
		for h, v := range values {
			sc.Set(h, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sc.skipped, nil
}

// BatchGetValues reads handles from one snapshot, keyed by store key. On a
// store error every handle reports its default.
func (m *Manager) BatchGetValues(ctx context.Context, handles ...Handle) map[string]any {
	out := make(map[string]any, len(handles))
	_, err := BatchGet(ctx, m, func(s ReadScope) struct{} {
		for _, h := range handles {
			out[h.Key()] = s.Get(h)
		}
		return struct{}{}
	})
	if err != nil {
		plog.Warningf("batch read failed: %v; using defaults", err)
		for _, h := range handles {
			out[h.Key()] = h.Default()
		}
	}
	return out
}

// BatchDelete removes handles in one transaction.
func (m *Manager) BatchDelete(ctx context.Context, handles ...Handle) error {
	_, err := m.batch(ctx, func(sc *txnScope) error {
		for _, h := range handles {
			sc.Delete(h)
		}
		return nil
	})
	return err
}

// batch runs one store transaction with a fresh scope per attempt and
// replays the committed attempt's effects into the cache.
func (m *Manager) batch(ctx context.Context, fn func(*txnScope) error) (*txnScope, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	epoch := m.epoch()
	var sc *txnScope
	snap, err := m.st.Update(ctx, func(txn *store.Txn) error {
		sc = newTxnScope(txn)
		return fn(sc)
	})
	if err != nil {
		return nil, err
	}
	m.cacheEffects(sc.effects, snap.Version(), epoch)
	return sc, nil
}
