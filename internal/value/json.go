// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package value

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// binaryKey marks the JSON object form of a Binary value:
//
//	{"$binary": "<base64>", "content_type": "image/png", "name": "photo.png"}
const binaryKey = "$binary"

type binaryJSON struct {
	Data        string `json:"$binary"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Marshal encodes v as JSON.
func Marshal(v Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// Parse decodes JSON into a Value. Integral numbers become Int, all other
// numbers become Float.
func Parse(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return nil, fmt.Errorf("invalid JSON literal %q", data)
		}
		return Null{}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case '[':
		var l List
		if err := l.UnmarshalJSON(data); err != nil {
			return nil, err
		}
		return l, nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if _, ok := raw[binaryKey]; ok {
			var b binaryJSON
			if err := json.Unmarshal(data, &b); err != nil {
				return nil, err
			}
			decoded, err := base64.StdEncoding.DecodeString(b.Data)
			if err != nil {
				return nil, fmt.Errorf("decode binary: %w", err)
			}
			return Binary{Data: decoded, ContentType: b.ContentType, Name: b.Name}, nil
		}
		m := make(Map, len(raw))
		for k, r := range raw {
			v, err := Parse(r)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = v
		}
		return m, nil
	default:
		return parseNumber(string(data))
	}
}

func parseNumber(s string) (Value, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON number %q", s)
	}
	return Float(f), nil
}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalJSON implements json.Marshaler. NaN and infinities encode as null.
func (f Float) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(float64(f), 'g', -1, 64)), nil
}

// MarshalJSON implements json.Marshaler.
func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(binaryJSON{
		Data:        base64.StdEncoding.EncodeToString(b.Data),
		ContentType: b.ContentType,
		Name:        b.Name,
	})
}

// UnmarshalJSON implements json.Unmarshaler for the {"$binary": ...} form.
func (b *Binary) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	bin, ok := v.(Binary)
	if !ok {
		return fmt.Errorf("expected binary object, got %T", v)
	}
	*b = bin
	return nil
}

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(l))
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *List) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(List, len(raw))
	for i, r := range raw {
		v, err := Parse(r)
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = v
	}
	*l = out
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(m))
}

// UnmarshalJSON implements json.Unmarshaler. A JSON null decodes to a nil Map.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	switch t := v.(type) {
	case Map:
		*m = t
	case Null:
		*m = nil
	default:
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	return nil
}

// decodeBinaryObject turns a {"$binary": ...} map produced by FromAny back
// into a Binary.
func decodeBinaryObject(m Map) Value {
	s, ok := m[binaryKey].(String)
	if !ok {
		return m
	}
	data, err := base64.StdEncoding.DecodeString(string(s))
	if err != nil {
		return m
	}
	b := Binary{Data: data}
	if ct, ok := m["content_type"].(String); ok {
		b.ContentType = string(ct)
	}
	if n, ok := m["name"].(String); ok {
		b.Name = string(n)
	}
	return b
}
