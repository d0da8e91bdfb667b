package store

import "sort"

// Snapshot is an immutable view of the store at one Version.
// The zero Snapshot is empty at version 0.
//
// Byte slices returned by Get and Range are shared; callers must not modify
// them.
type Snapshot struct {
	version uint64
	values  map[string][]byte
}

// NewSnapshot wraps values as a snapshot. The snapshot takes ownership of
// the map; the caller must not touch it afterwards.
func NewSnapshot(version uint64, values map[string][]byte) Snapshot {
	return Snapshot{version: version, values: values}
}

// Version is the number of commits that produced this state.
func (s Snapshot) Version() uint64 { return s.version }

// Get returns the raw value stored under key.
func (s Snapshot) Get(key string) ([]byte, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s Snapshot) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Len returns the number of keys.
func (s Snapshot) Len() int { return len(s.values) }

// Keys returns all keys in lexical order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for every key in lexical order until fn returns false.
func (s Snapshot) Range(fn func(key string, value []byte) bool) {
	for _, k := range s.Keys() {
		if !fn(k, s.values[k]) {
			return
		}
	}
}
