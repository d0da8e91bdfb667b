package prefs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/IvanBrykalov/prefcache/store"
)

// Register declares handles for Export and Import, which then decode and
// validate those keys by type. Registering a second handle for a key
// replaces the first.
func (m *Manager) Register(handles ...Handle) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	for _, h := range handles {
		if prev, ok := m.registry[h.Key()]; ok && prev != h {
			plog.Warningf("preference %s registered twice; keeping the latest", h.Key())
		}
		m.registry[h.Key()] = h
	}
}

func (m *Manager) handle(key string) (Handle, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	h, ok := m.registry[key]
	return h, ok
}

// Export returns every stored key as a JSON-friendly map. Private and
// app-state keys are left out unless requested. Registered keys are decoded
// to their typed value; everything else is exported as its stored text, or
// as {"base64": ...} when it is not valid UTF-8. The cache is not consulted.
func (m *Manager) Export(ctx context.Context, exportPrivate, exportAppState bool) (map[string]any, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := m.st.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("prefs: export: %w", err)
	}

	out := make(map[string]any, snap.Len())
	snap.Range(func(key string, raw []byte) bool {
		switch {
		case IsPrivateKey(key) && !exportPrivate:
			return true
		case IsAppStateKey(key) && !exportAppState:
			return true
		}
		if h, ok := m.handle(key); ok {
			v, err := h.decodeAny(raw)
			if err == nil {
				out[key] = v
				return true
			}
			plog.Warningf("export: %v; exporting raw text", err)
		}
		out[key] = exportRaw(raw)
		return true
	})
	return out, nil
}

// ImportResult reports keys Import could not store.
type ImportResult struct {
	Imported int
	Skipped  []string
}

// Import merges data into the store in one transaction, then clears the
// whole cache. Keys whose value cannot be encoded are logged and skipped.
// Values for registered keys may be given either typed or in the textual
// form Export produces once it has been through JSON (numbers as float64,
// sets as []any).
func (m *Manager) Import(ctx context.Context, data map[string]any) (ImportResult, error) {
	if m.closed.Load() {
		return ImportResult{}, ErrClosed
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	var res ImportResult
	_, err := m.st.Update(ctx, func(txn *store.Txn) error {
		res = ImportResult{}
		for _, k := range keys {
			raw, err := m.importValue(k, data[k])
			if err != nil {
				plog.Warningf("import: skipping %s: %v", k, err)
				res.Skipped = append(res.Skipped, k)
				continue
			}
			txn.Set(k, raw)
			res.Imported++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("prefs: import: %w", err)
	}

	m.ClearCache()
	return res, nil
}

func (m *Manager) importValue(key string, v any) ([]byte, error) {
	h, registered := m.handle(key)
	if registered {
		if raw, err := h.encodeAny(v); err == nil {
			return raw, nil
		}
	}
	if raw, ok, err := binaryValue(v); ok {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
		return raw, nil
	}
	if !registered {
		return textOf(v)
	}
	// encoding/json renders []byte as base64
	if s, ok := v.(string); ok && h.accepts([]byte(nil)) {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
		return h.encodeAny(b)
	}
	text, err := textOf(v)
	if err != nil {
		return nil, err
	}
	dv, err := h.decodeAny(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return h.encodeAny(dv)
}

// binaryKey names the single field of an exported binary value.
const binaryKey = "base64"

// exportRaw renders stored bytes that have no registered codec.
func exportRaw(raw []byte) any {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return map[string]any{binaryKey: base64.StdEncoding.EncodeToString(raw)}
}

// binaryValue recognizes a value produced by exportRaw for binary data.
func binaryValue(v any) ([]byte, bool, error) {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return nil, false, nil
	}
	s, ok := obj[binaryKey].(string)
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	return raw, true, err
}

// textOf renders an untyped value the way the built-in codecs store it.
func textOf(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil value", ErrTypeMismatch)
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case bool:
		return strconv.AppendBool(nil, t), nil
	case int:
		return strconv.AppendInt(nil, int64(t), 10), nil
	case int64:
		return strconv.AppendInt(nil, t, 10), nil
	case float64:
		return strconv.AppendFloat(nil, t, 'f', -1, 64), nil
	case json.Number:
		return []byte(t.String()), nil
	default:
		return json.Marshal(t)
	}
}
