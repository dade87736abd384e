// Package payload holds the dynamic document type used for event data,
// event metadata and projection payloads. Documents are JSON-like trees:
// string keys, values of primitives, []any lists or nested Docs.
//
// Serialization goes through encoding/json, which orders map keys, so two
// structurally equal documents marshal to identical bytes. Handlers rely on
// that for idempotent projection writes.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Doc is an unstructured but structured payload.
type Doc map[string]any

// Clone returns a deep copy. Lists and nested maps are copied; primitives
// are shared (they are immutable).
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return t.Clone()
	case map[string]any:
		return Doc(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Has reports whether key is present, even with a nil value.
func (d Doc) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String returns the string value for key, or "" when absent or not a string.
func (d Doc) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// StringOr returns the string value for key, or def when absent.
func (d Doc) StringOr(key, def string) string {
	if s, ok := d[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Float returns the numeric value for key as float64. JSON numbers decode as
// float64; int and int64 values (set programmatically) are converted.
func (d Doc) Float(key string) (float64, bool) {
	switch n := d[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// FloatOr returns the numeric value for key or def.
func (d Doc) FloatOr(key string, def float64) float64 {
	if f, ok := d.Float(key); ok {
		return f
	}
	return def
}

// Int returns the value for key truncated to int.
func (d Doc) Int(key string) (int, bool) {
	f, ok := d.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// Bool returns the boolean value for key.
func (d Doc) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Time parses the value for key as RFC 3339. Zero time when absent or
// unparseable.
func (d Doc) Time(key string) (time.Time, bool) {
	s, ok := d[key].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Doc returns the nested document at key. A plain map[string]any decoded by
// encoding/json is converted in place.
func (d Doc) Doc(key string) (Doc, bool) {
	switch t := d[key].(type) {
	case Doc:
		return t, true
	case map[string]any:
		return Doc(t), true
	default:
		return nil, false
	}
}

// List returns the list value at key.
func (d Doc) List(key string) ([]any, bool) {
	l, ok := d[key].([]any)
	return l, ok
}

// Docs returns the list at key with every element coerced to Doc; non-map
// elements are skipped.
func (d Doc) Docs(key string) []Doc {
	l, ok := d.List(key)
	if !ok {
		return nil
	}
	out := make([]Doc, 0, len(l))
	for _, e := range l {
		switch t := e.(type) {
		case Doc:
			out = append(out, t)
		case map[string]any:
			out = append(out, Doc(t))
		}
	}
	return out
}

// Keys returns the document's keys in sorted order.
func (d Doc) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Marshal serializes the document with stable key order.
func (d Doc) Marshal() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// Unmarshal parses raw JSON bytes into a Doc.
func Unmarshal(raw []byte) (Doc, error) {
	if len(raw) == 0 {
		return Doc{}, nil
	}
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if d == nil {
		d = Doc{}
	}
	return d, nil
}

// Equal reports deep structural equality through canonical serialization.
func Equal(a, b Doc) bool {
	ab, err1 := a.Marshal()
	bb, err2 := b.Marshal()
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
