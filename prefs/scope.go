package prefs

import (
	"github.com/IvanBrykalov/prefcache/store"
)

// ReadScope reads preferences from one fixed view of the store. Scopes are
// only valid inside the callback that received them.
type ReadScope interface {
	// Get returns the value of h, or its default when unset or unreadable.
	Get(h Handle) any
	// Contains reports whether h has a stored value.
	Contains(h Handle) bool
}

// WriteScope stages changes for one atomic commit. Values whose type does
// not match the handle are logged and skipped.
type WriteScope interface {
	Set(h Handle, v any)
	Delete(h Handle)
	// ResetToDefault stores the handle's default value explicitly.
	ResetToDefault(h Handle)
}

// UpdateScope reads its own staged writes.
type UpdateScope interface {
	ReadScope
	WriteScope
}

// decodeOrDefault turns raw bytes into h's value, falling back to the
// default on decode errors.
func decodeOrDefault(h Handle, raw []byte, ok bool) any {
	if !ok {
		return h.Default()
	}
	v, err := h.decodeAny(raw)
	if err != nil {
		plog.Warningf("%v; using default", err)
		return h.Default()
	}
	return v
}

// snapshotScope is the ReadScope over a committed snapshot.
type snapshotScope struct {
	snap store.Snapshot
}

func (s snapshotScope) Get(h Handle) any {
	raw, ok := s.snap.Get(h.Key())
	return decodeOrDefault(h, raw, ok)
}

func (s snapshotScope) Contains(h Handle) bool { return s.snap.Has(h.Key()) }

// effect is the last staged change for one key, replayed into the cache
// after commit.
type effect struct {
	h     Handle
	value any
}

// txnScope is the Write/UpdateScope over a store transaction. One is
// created per attempt, so retried attempts start from a clean slate.
type txnScope struct {
	txn     *store.Txn
	effects map[string]effect
	skipped []string
}

func newTxnScope(txn *store.Txn) *txnScope {
	return &txnScope{txn: txn, effects: make(map[string]effect)}
}

func (s *txnScope) Get(h Handle) any {
	raw, ok := s.txn.Get(h.Key())
	return decodeOrDefault(h, raw, ok)
}

func (s *txnScope) Contains(h Handle) bool {
	_, ok := s.txn.Get(h.Key())
	return ok
}

func (s *txnScope) Set(h Handle, v any) {
	raw, err := h.encodeAny(v)
	if err != nil {
		plog.Warningf("skipping %s: %v", h.Key(), err)
		s.skipped = append(s.skipped, h.Key())
		return
	}
	s.put(h, raw)
}

func (s *txnScope) Delete(h Handle) {
	s.txn.Delete(h.Key())
	s.effects[h.Key()] = effect{h: h, value: h.Default()}
}

func (s *txnScope) ResetToDefault(h Handle) {
	raw, err := h.encodeAny(h.Default())
	if err != nil {
		// A default the codec rejects cannot be stored; drop the key instead.
		plog.Warningf("default of %s not encodable (%v); deleting", h.Key(), err)
		s.Delete(h)
		return
	}
	s.put(h, raw)
}

// put stages raw and records the value a fresh read would produce, so the
// cache ends up holding exactly what a load from the store would.
func (s *txnScope) put(h Handle, raw []byte) {
	s.txn.Set(h.Key(), raw)
	s.effects[h.Key()] = effect{h: h, value: decodeOrDefault(h, raw, true)}
}
