package store

import "sort"

// Txn is the mutable working copy handed to Update callbacks. Reads see the
// base snapshot overlaid with the writes made so far. A Txn is not safe for
// concurrent use and is only valid inside the callback that received it.
type Txn struct {
	base    Snapshot
	cleared bool
	writes  map[string][]byte // nil value marks a delete
}

// NewTxn starts a working copy on top of base. Backends call this once per
// attempt.
func NewTxn(base Snapshot) *Txn {
	return &Txn{base: base, writes: make(map[string][]byte)}
}

// Base returns the snapshot the transaction started from.
func (t *Txn) Base() Snapshot { return t.base }

// Get returns the value of key as seen by this transaction.
func (t *Txn) Get(key string) ([]byte, bool) {
	if v, ok := t.writes[key]; ok {
		return v, v != nil
	}
	if t.cleared {
		return nil, false
	}
	return t.base.Get(key)
}

// Set stores a copy of value under key.
func (t *Txn) Set(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	t.writes[key] = cp
}

// Delete removes key. Deleting a missing key is a no-op for the result but
// still marks the transaction changed.
func (t *Txn) Delete(key string) {
	t.writes[key] = nil
}

// Clear removes every key, including ones written earlier in this Txn.
func (t *Txn) Clear() {
	t.cleared = true
	t.writes = make(map[string][]byte)
}

// Changed reports whether the transaction has anything to commit.
func (t *Txn) Changed() bool {
	return t.cleared || len(t.writes) > 0
}

// Diff describes a transaction in terms a backend can replay.
type Diff struct {
	// Cleared means every key of the base snapshot is dropped before Sets.
	Cleared bool
	// Sets maps keys to their new values.
	Sets map[string][]byte
	// Deletes lists removed keys in lexical order. When Cleared is set it
	// only holds keys that are not already covered by the clear.
	Deletes []string
}

// Diff returns the pending changes.
func (t *Txn) Diff() Diff {
	d := Diff{Cleared: t.cleared, Sets: make(map[string][]byte)}
	for k, v := range t.writes {
		if v != nil {
			d.Sets[k] = v
			continue
		}
		if !t.cleared {
			d.Deletes = append(d.Deletes, k)
		}
	}
	sort.Strings(d.Deletes)
	return d
}

// Apply materializes the transaction as a new snapshot at version.
func (t *Txn) Apply(version uint64) Snapshot {
	var values map[string][]byte
	if t.cleared {
		values = make(map[string][]byte, len(t.writes))
	} else {
		values = make(map[string][]byte, t.base.Len()+len(t.writes))
		for k, v := range t.base.values {
			values[k] = v
		}
	}
	for k, v := range t.writes {
		if v == nil {
			delete(values, k)
		} else {
			values[k] = v
		}
	}
	return NewSnapshot(version, values)
}
