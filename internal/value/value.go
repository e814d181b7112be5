// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package value defines the typed value tree used for rows, mutation payloads
// and remote responses.
//
// Value is a sealed interface: only Null, Bool, Int, Float, String, Binary,
// List and Map implement it. Code that walks a payload (temporary identifier
// substitution, attachment extraction, filtering) switches over these types
// instead of inspecting untyped JSON.
package value

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Kind identifies the concrete type of a Value.
type Kind int

// Kinds in sort rank order.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBinary
	KindList
	KindMap
)

// Value is a sealed interface over the supported value types.
type Value interface {
	Kind() Kind
	sealed()
}

// Null is the absent value.
type Null struct{}

// Bool is a boolean value.
type Bool bool

// Int is an integer value.
type Int int64

// Float is a non-integral number.
type Float float64

// String is a text value.
type String string

// Binary is an opaque payload such as an uploaded photo or document.
type Binary struct {
	Data        []byte
	ContentType string
	Name        string
}

// List is an ordered sequence of values.
type List []Value

// Map is a keyed record. Rows and mutation payloads are Maps.
type Map map[string]Value

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Int) Kind() Kind    { return KindNumber }
func (Float) Kind() Kind  { return KindNumber }
func (String) Kind() Kind { return KindString }
func (Binary) Kind() Kind { return KindBinary }
func (List) Kind() Kind   { return KindList }
func (Map) Kind() Kind    { return KindMap }

func (Null) sealed()   {}
func (Bool) sealed()   {}
func (Int) sealed()    {}
func (Float) sealed()  {}
func (String) sealed() {}
func (Binary) sealed() {}
func (List) sealed()   {}
func (Map) sealed()    {}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Get returns the field or Null when it is missing.
func (m Map) Get(key string) Value {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return Null{}
}

// Has reports whether key is present.
func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// ID returns the "id" field.
func (m Map) ID() Value {
	return m.Get("id")
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	return Clone(m).(Map)
}

// Without returns a shallow copy of m without the given keys.
func (m Map) Without(keys ...string) Map {
	out := maps.Clone(m)
	if out == nil {
		out = Map{}
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Keys returns the keys of m in sorted order.
func (m Map) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch t := v.(type) {
	case nil:
		return Null{}
	case Binary:
		return Binary{Data: bytes.Clone(t.Data), ContentType: t.ContentType, Name: t.Name}
	case List:
		out := make(List, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case Map:
		out := make(Map, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// Transform rewrites v bottom-up: children of Lists and Maps are transformed
// first, then fn is applied to the rebuilt node. The input is not modified.
func Transform(v Value, fn func(Value) Value) Value {
	switch t := v.(type) {
	case nil:
		return fn(Null{})
	case List:
		out := make(List, len(t))
		for i, e := range t {
			out[i] = Transform(e, fn)
		}
		return fn(out)
	case Map:
		out := make(Map, len(t))
		for k, e := range t {
			out[k] = Transform(e, fn)
		}
		return fn(out)
	default:
		return fn(v)
	}
}

// Walk calls fn for every node of v in depth-first order. Returning false
// stops the walk.
func Walk(v Value, fn func(Value) bool) bool {
	if !fn(v) {
		return false
	}
	switch t := v.(type) {
	case List:
		for _, e := range t {
			if !Walk(e, fn) {
				return false
			}
		}
	case Map:
		for _, k := range t.Keys() {
			if !Walk(t[k], fn) {
				return false
			}
		}
	}
	return true
}

// Text renders scalars as plain text, used for identifiers in URLs and keys.
func Text(v Value) string {
	switch t := v.(type) {
	case nil, Null:
		return ""
	case Bool:
		return strconv.FormatBool(bool(t))
	case Int:
		return strconv.FormatInt(int64(t), 10)
	case Float:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case String:
		return string(t)
	case Binary:
		return t.Name
	default:
		b, err := Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// FromAny converts plain Go values (as produced by a JSON decoder or written
// by hand) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(t), nil
	case int32:
		return Int(t), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(t), nil
	case float32:
		return Float(t), nil
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Binary{Data: t}, nil
	case []string:
		out := make(List, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return out, nil
	case []any:
		out := make(List, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return decodeBinaryObject(out), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", x)
	}
}

// ToAny converts v into plain Go values. Binary becomes []byte.
func ToAny(v Value) any {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(t)
	case Int:
		return int64(t)
	case Float:
		return float64(t)
	case String:
		return string(t)
	case Binary:
		return t.Data
	case List:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = ToAny(e)
		}
		return out
	case Map:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}
