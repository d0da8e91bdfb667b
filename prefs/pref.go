package prefs

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Reserved key prefixes. Keys carrying them are left out of Export unless
// the caller asks for them.
const (
	PrivateKeyPrefix  = "private:"
	AppStateKeyPrefix = "appstate:"
)

// PrivateKey returns name under the private prefix.
func PrivateKey(name string) string { return PrivateKeyPrefix + name }

// AppStateKey returns name under the app-state prefix.
func AppStateKey(name string) string { return AppStateKeyPrefix + name }

// IsPrivateKey reports whether key carries the private prefix.
func IsPrivateKey(key string) bool { return strings.HasPrefix(key, PrivateKeyPrefix) }

// IsAppStateKey reports whether key carries the app-state prefix.
func IsAppStateKey(key string) bool { return strings.HasPrefix(key, AppStateKeyPrefix) }

// Handle is the type-erased view of a declared preference. It is
// implemented only by *Preference[T].
type Handle interface {
	// Key is the store key.
	Key() string
	// Default is the value reported when the key is unset or unreadable.
	Default() any

	encodeAny(v any) ([]byte, error)
	decodeAny(raw []byte) (any, error)
	accepts(v any) bool
}

// Preference is one declared setting: a key, a default and a codec.
// Values returned by Get and Read may be shared with the cache; callers
// must not mutate slices or maps obtained from them.
type Preference[T any] struct {
	key   string
	def   T
	codec Codec[T]
}

var _ Handle = (*Preference[int])(nil)

// New declares a preference with a custom codec.
func New[T any](key string, def T, codec Codec[T]) *Preference[T] {
	if key == "" {
		panic("prefs: empty preference key")
	}
	if codec == nil {
		panic("prefs: nil codec for " + key)
	}
	return &Preference[T]{key: key, def: def, codec: codec}
}

func String(key, def string) *Preference[string]    { return New[string](key, def, stringCodec{}) }
func Int(key string, def int) *Preference[int]       { return New[int](key, def, intCodec{}) }
func Int64(key string, def int64) *Preference[int64] { return New[int64](key, def, int64Codec{}) }
func Bool(key string, def bool) *Preference[bool]    { return New[bool](key, def, boolCodec{}) }
func Float64(key string, def float64) *Preference[float64] {
	return New[float64](key, def, float64Codec{})
}

// Bytes declares an opaque binary preference.
func Bytes(key string, def []byte) *Preference[[]byte] { return New[[]byte](key, def, bytesCodec{}) }

// StringSet declares a set of strings, stored sorted and de-duplicated.
func StringSet(key string, def ...string) *Preference[[]string] {
	return New[[]string](key, normalizeSet(def), stringSetCodec{})
}

// JSON declares a structured preference serialized with encoding/json.
func JSON[T any](key string, def T) *Preference[T] { return New[T](key, def, jsonCodec[T]{}) }

// Enum declares a string-like preference restricted to allowed. The default
// is always allowed.
func Enum[T ~string](key string, def T, allowed ...T) *Preference[T] {
	set := make(map[T]struct{}, len(allowed)+1)
	set[def] = struct{}{}
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return New[T](key, def, enumCodec[T]{allowed: set})
}

func (p *Preference[T]) Key() string { return p.key }

func (p *Preference[T]) Default() any { return p.def }

// DefaultValue is the typed default.
func (p *Preference[T]) DefaultValue() T { return p.def }

func (p *Preference[T]) String() string {
	return fmt.Sprintf("%s(%T)", p.key, p.def)
}

func (p *Preference[T]) encodeAny(v any) ([]byte, error) {
	t, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("%w: %s wants %T, got %T", ErrTypeMismatch, p.key, p.def, v)
	}
	return p.codec.Encode(t)
}

func (p *Preference[T]) decodeAny(raw []byte) (any, error) {
	v, err := p.codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("prefs: decode %s: %w", p.key, err)
	}
	return v, nil
}

func (p *Preference[T]) accepts(v any) bool {
	_, ok := v.(T)
	return ok
}

func (p *Preference[T]) cast(v any) T {
	if t, ok := v.(T); ok {
		return t
	}
	return p.def
}

// Get returns the current value through m's cache. It never fails: any
// read or decode problem yields the default.
func (p *Preference[T]) Get(ctx context.Context, m *Manager) T {
	return p.cast(m.Get(ctx, p))
}

// Set writes v through to the store and the cache.
func (p *Preference[T]) Set(ctx context.Context, m *Manager, v T) error {
	return m.Set(ctx, p, v)
}

// Delete removes the stored value; later reads yield the default.
func (p *Preference[T]) Delete(ctx context.Context, m *Manager) error {
	return m.Delete(ctx, p)
}

// Read returns the value as seen by scope.
func (p *Preference[T]) Read(scope ReadScope) T {
	return p.cast(scope.Get(p))
}

// Write stages v in scope.
func (p *Preference[T]) Write(scope WriteScope, v T) {
	scope.Set(p, v)
}

// Observe emits the value after every store change, starting with the
// current one. Consecutive equal values are collapsed. The channel closes
// when ctx is done or the store is closed.
func (p *Preference[T]) Observe(ctx context.Context, m *Manager) (<-chan T, error) {
	in, err := BatchReadFlow(ctx, m, p.Read)
	if err != nil {
		return nil, err
	}
	out := make(chan T)
	go func() {
		defer close(out)
		var (
			last T
			sent bool
		)
		for v := range in {
			if sent && reflect.DeepEqual(last, v) {
				continue
			}
			select {
			case out <- v:
				last, sent = v, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
