package prefs

import "errors"

var (
	// ErrTypeMismatch is returned (or logged, for lenient bulk paths) when a
	// value's dynamic type does not match the preference's declared type.
	ErrTypeMismatch = errors.New("prefs: value type does not match preference")

	// ErrClosed is returned by write operations on a closed Manager.
	ErrClosed = errors.New("prefs: manager closed")
)
