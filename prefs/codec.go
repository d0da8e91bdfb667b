package prefs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Codec converts a preference value to and from its stored bytes.
// Built-in codecs use text encodings so exported data stays readable.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(raw []byte) (T, error)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs[T any] struct {
	EncodeFunc func(T) ([]byte, error)
	DecodeFunc func([]byte) (T, error)
}

func (c CodecFuncs[T]) Encode(v T) ([]byte, error)   { return c.EncodeFunc(v) }
func (c CodecFuncs[T]) Decode(raw []byte) (T, error) { return c.DecodeFunc(raw) }

type stringCodec struct{}

func (stringCodec) Encode(v string) ([]byte, error)   { return []byte(v), nil }
func (stringCodec) Decode(raw []byte) (string, error) { return string(raw), nil }

type intCodec struct{}

func (intCodec) Encode(v int) ([]byte, error) { return strconv.AppendInt(nil, int64(v), 10), nil }
func (intCodec) Decode(raw []byte) (int, error) {
	return strconv.Atoi(string(raw))
}

type int64Codec struct{}

func (int64Codec) Encode(v int64) ([]byte, error) { return strconv.AppendInt(nil, v, 10), nil }
func (int64Codec) Decode(raw []byte) (int64, error) {
	return strconv.ParseInt(string(raw), 10, 64)
}

type boolCodec struct{}

func (boolCodec) Encode(v bool) ([]byte, error) { return strconv.AppendBool(nil, v), nil }
func (boolCodec) Decode(raw []byte) (bool, error) {
	return strconv.ParseBool(string(raw))
}

type float64Codec struct{}

func (float64Codec) Encode(v float64) ([]byte, error) {
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}
func (float64Codec) Decode(raw []byte) (float64, error) {
	return strconv.ParseFloat(string(raw), 64)
}

type bytesCodec struct{}

func (bytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (bytesCodec) Decode(raw []byte) ([]byte, error) {
	return append([]byte{}, raw...), nil
}

// stringSetCodec stores a sorted, de-duplicated JSON array.
type stringSetCodec struct{}

func (stringSetCodec) Encode(v []string) ([]byte, error) {
	return json.Marshal(normalizeSet(v))
}

func (stringSetCodec) Decode(raw []byte) ([]string, error) {
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return normalizeSet(v), nil
}

func normalizeSet(v []string) []string {
	out := make([]string, 0, len(v))
	seen := make(map[string]struct{}, len(v))
	for _, s := range v {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec[T]) Decode(raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// enumCodec accepts only the listed values.
type enumCodec[T ~string] struct {
	allowed map[T]struct{}
}

func (c enumCodec[T]) Encode(v T) ([]byte, error) {
	if _, ok := c.allowed[v]; !ok {
		return nil, fmt.Errorf("%w: %q is not an allowed value", ErrTypeMismatch, string(v))
	}
	return []byte(v), nil
}

func (c enumCodec[T]) Decode(raw []byte) (T, error) {
	v := T(raw)
	if _, ok := c.allowed[v]; !ok {
		return v, fmt.Errorf("prefs: unknown enum value %q", string(raw))
	}
	return v, nil
}
