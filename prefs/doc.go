// Package prefs provides typed preferences over a transactional store.Store,
// with a segmented read-through cache for single-key reads and atomic batch
// scopes for multi-key work.
//
// Declaring and using preferences
//
//	var (
//		theme    = prefs.Enum("theme", Theme("light"), "dark")
//		fontSize = prefs.Int("font_size", 14)
//	)
//
//	m, _ := prefs.NewManager(memstore.New(), prefs.Options{})
//	_ = fontSize.Set(ctx, m, 16)
//	fontSize.Get(ctx, m) // 16, served from the cache from now on
//
// Batches
//
// BatchGet reads several preferences from one snapshot. BatchWrite and
// BatchUpdate stage changes in a scope and commit them in a single store
// transaction; BatchUpdate's reads observe the writes staged so far:
//
//	err := m.BatchUpdate(ctx, func(s prefs.UpdateScope) error {
//		fontSize.Write(s, fontSize.Read(s)+1)
//		return nil
//	})
//
// Scope callbacks may run more than once when the store retries a
// conflicting commit, so they must not have side effects outside the scope.
//
// Cache consistency
//
// The store is the source of truth. Every cached value carries the store
// version it was read at or committed in, and an older version never
// replaces a newer one. ClearCache (and Import, which calls it) also stops
// loads that were already in flight from repopulating the cache.
//
// Errors
//
// Reads never fail: unset keys, undecodable bytes and store errors all
// yield the preference's default. Writes return store errors. Bulk paths
// (BatchSet, Import, scope Set) log and skip values of the wrong type.
package prefs
