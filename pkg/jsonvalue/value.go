// Package jsonvalue models dynamic JSON content -- tool-call arguments,
// JSON-schema response-format bodies, and arbitrary provider-specific
// fields -- as a recursive tagged variant instead of bare interface{}. It
// gives every caller a single, exhaustive switch point instead of type
// assertions scattered across the codebase.
package jsonvalue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind tags the variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a recursive tagged variant over the JSON data model: null, bool,
// number, string, array, or object. The zero Value is KindNull.
//
// Numbers keep their original decimal text (numStr) alongside the float64
// approximation (n): tool-call ids and other large integers routinely
// exceed float64's 53-bit mantissa, and re-serializing through float64
// alone would silently corrupt them.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	numStr string
	s      string
	arr    []Value
	obj    map[string]Value
	objOrd []string // keys in sorted order; MarshalJSON sorts the keys itself
}

func Null() Value               { return Value{kind: KindNull} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Array(items []Value) Value { return Value{kind: KindArray, arr: items} }
func String(s string) Value     { return Value{kind: KindString, s: s} }

// Number builds a numeric Value from a float64.
func Number(n float64) Value {
	return Value{kind: KindNumber, n: n, numStr: strconv.FormatFloat(n, 'g', -1, 64)}
}

// Object builds an object Value from a field map; the key order it records
// is always sorted, never the caller's insertion order.
func Object(fields map[string]Value) Value {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Value{kind: KindObject, obj: fields, objOrd: keys}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Number() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) Array() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) Object() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// Field looks up a key in an object Value; returns Null, false if v is not
// an object or the key is absent.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.obj[key]
	return val, ok
}

// FromNative converts a decoded interface{} (as produced by
// encoding/json.Unmarshal into an `any`) into a Value, recursing through
// maps and slices. Object keys are sorted for deterministic iteration,
// matching the canonical re-serialization every tool-call argument pipeline
// in this repository relies on (spec.md §4.3.4, §4.3.5: "arguments are
// canonically re-serialized with sorted keys").
func FromNative(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("jsonvalue: invalid number %q: %w", t, err)
		}
		return Value{kind: KindNumber, n: f, numStr: string(t)}, nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, elem := range t {
			v, err := FromNative(elem)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Array(items), nil
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, elem := range t {
			v, err := FromNative(elem)
			if err != nil {
				return Value{}, fmt.Errorf("jsonvalue: field %q: %w", k, err)
			}
			fields[k] = v
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("jsonvalue: unsupported native type %T", x)
	}
}

// ToNative converts a Value back into plain Go values (map[string]any,
// []any, string, float64, bool, nil) suitable for encoding/json.Marshal or
// for handing to a tool-spec / schema API that expects native maps.
func (v Value) ToNative() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, elem := range v.arr {
			out[i] = elem.ToNative()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, elem := range v.obj {
			out[k] = elem.ToNative()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders the Value with object keys sorted, so two Values
// built from the same logical arguments always produce byte-identical
// output regardless of map iteration order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		if v.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindNumber:
		if v.numStr != "" {
			return []byte(v.numStr), nil
		}
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := elem.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes arbitrary JSON into a Value, using json.Number to
// avoid float64 precision loss on large integer ids before re-serialization.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseArguments decodes a tool-call arguments string (always a JSON object
// on the wire) into a Value, rejecting anything that isn't an object -- the
// shape spec.md §4.3.4 requires for every parsed call.
func ParseArguments(raw string) (Value, error) {
	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Value{}, fmt.Errorf("jsonvalue: parse arguments: %w", err)
	}
	if v.Kind() != KindObject {
		return Value{}, fmt.Errorf("jsonvalue: arguments must be a JSON object, got %v", v.Kind())
	}
	return v, nil
}

// CanonicalString re-serializes v (expected to be an object) as a compact
// JSON string with keys sorted -- the canonical form spec.md §4.3.4 and
// §4.3.5 require for tool-call arguments.
func (v Value) CanonicalString() (string, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
