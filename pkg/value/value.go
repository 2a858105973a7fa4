// Package value defines the JSON-like value model shared by every part of the
// engine. A value is one of: nil, bool, int64, float64, string, []any, or
// map[string]any. Integers and floats are kept distinct; Normalize is the
// single place where decoder output is coerced into this shape.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/spf13/cast"
)

// Normalize converts arbitrary decoder output (yaml.v3, encoding/json,
// handler results) into the canonical value shape. Map keys become strings,
// integer kinds collapse to int64, float kinds to float64. A float with no
// fractional part stays a float; only genuine integer types normalize to
// int64.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, int64, float64:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		// yaml.v2 style maps; yaml.v3 emits map[string]any but keep this
		// path for callers that feed legacy decoder output.
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[cast.ToString(k)] = Normalize(e)
		}
		return out
	default:
		// Fall back through JSON for structs and other exotic types.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return FromJSON(b)
	}
}

// FromJSON decodes raw JSON into the canonical value shape, preserving the
// integer/float distinction via json.Number. Input that is not exactly one
// JSON value (including trailing non-whitespace) is returned as a string.
func FromJSON(data []byte) any {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(data)
	}
	if _, err := dec.Token(); err != io.EOF {
		return string(data)
	}
	return Normalize(v)
}

// Stringify renders a value for interpolation inside a larger string.
// Scalars use their canonical text form; arrays and objects are JSON encoded;
// nil renders as "null".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Equal reports deep structural equality. Numeric values compare by
// mathematical value, so int64(3) equals float64(3).
func Equal(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	switch ta := a.(type) {
	case nil:
		return b == nil
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, present := tb[k]
			if !present || !Equal(va, vb) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy. Scalars are immutable and shared; arrays and
// objects are copied all the way down.
func Clone(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// AsFloat reports the numeric value of v when it is an int64 or float64.
func AsFloat(v any) (float64, bool) {
	return asFloat(v)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// AsInt reports v as an integer when it is an int64, or a float64 with no
// fractional part.
func AsInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}
	}
	return 0, false
}

// SortedKeys returns the keys of an object in lexical order. Used where
// deterministic iteration matters (rendering, tests).
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
