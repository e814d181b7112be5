// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package value

import (
	"strings"
	"testing"
)

func TestParseNumbers(t *testing.T) {
	v, err := Parse([]byte(`{"id": 42, "score": 9.5, "big": 1e3}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m := v.(Map)
	if _, ok := m["id"].(Int); !ok {
		t.Errorf("expected id to decode as Int, got %T", m["id"])
	}
	if f, ok := m["score"].(Float); !ok || f != 9.5 {
		t.Errorf("expected score Float(9.5), got %#v", m["score"])
	}
	if f, ok := m["big"].(Float); !ok || f != 1000 {
		t.Errorf("expected big Float(1000), got %#v", m["big"])
	}
}

func TestBinaryJSONForm(t *testing.T) {
	in := Map{
		"name":  String("Ada"),
		"photo": Binary{Data: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png", Name: "ada.png"},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"$binary"`) {
		t.Fatalf("expected $binary marker in %s", data)
	}

	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !Equal(in, out) {
		t.Errorf("decoded value differs: %#v", out)
	}
}

func TestMapUnmarshalNull(t *testing.T) {
	var m Map
	if err := m.UnmarshalJSON([]byte("null")); err != nil {
		t.Fatalf("UnmarshalJSON(null) failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil map, got %#v", m)
	}
	if err := m.UnmarshalJSON([]byte(`[1]`)); err == nil {
		t.Error("expected error decoding array into Map")
	}
}

func TestTransformIsBottomUpAndPure(t *testing.T) {
	in := Map{
		"student_id": String("__tmp_1"),
		"tags":       List{String("__tmp_1"), String("keep")},
		"nested":     Map{"ref": String("__tmp_1")},
	}

	out := Transform(in, func(v Value) Value {
		if s, ok := v.(String); ok && s == "__tmp_1" {
			return Int(7)
		}
		return v
	}).(Map)

	if !Equal(out["student_id"], Int(7)) {
		t.Errorf("top-level field not replaced: %#v", out["student_id"])
	}
	if !Equal(out["tags"], List{Int(7), String("keep")}) {
		t.Errorf("list element not replaced: %#v", out["tags"])
	}
	if !Equal(out.Get("nested").(Map)["ref"], Int(7)) {
		t.Errorf("nested field not replaced: %#v", out["nested"])
	}
	if in["student_id"] != String("__tmp_1") {
		t.Error("input was modified")
	}
}

func TestEqualNumericAcrossKinds(t *testing.T) {
	if !Equal(Int(3), Float(3)) {
		t.Error("expected Int(3) == Float(3)")
	}
	if Equal(Int(3), String("3")) {
		t.Error("expected Int(3) != String(\"3\")")
	}
	if !Equal(nil, Null{}) {
		t.Error("expected nil == Null")
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"ints", Int(1), Int(2), -1},
		{"int vs float", Int(2), Float(1.5), 1},
		{"strings", String("b"), String("a"), 1},
		{"bools", Bool(false), Bool(true), -1},
		{"null before number", Null{}, Int(0), -1},
		{"equal lists", List{Int(1)}, List{Int(1)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"id":     float64(5),
		"ratio":  0.25,
		"name":   "x",
		"active": true,
		"tags":   []any{"a", nil},
	})
	if err != nil {
		t.Fatalf("FromAny failed: %v", err)
	}
	want := Map{
		"id":     Int(5),
		"ratio":  Float(0.25),
		"name":   String("x"),
		"active": Bool(true),
		"tags":   List{String("a"), Null{}},
	}
	if !Equal(v, want) {
		t.Errorf("FromAny = %#v, want %#v", v, want)
	}

	if _, err := FromAny(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestText(t *testing.T) {
	if got := Text(Int(12)); got != "12" {
		t.Errorf("Text(Int) = %q", got)
	}
	if got := Text(String("abc")); got != "abc" {
		t.Errorf("Text(String) = %q", got)
	}
	if got := Text(Null{}); got != "" {
		t.Errorf("Text(Null) = %q", got)
	}
}

func TestMapWithoutDoesNotMutate(t *testing.T) {
	m := Map{"id": String("__tmp_1"), "name": String("x")}
	out := m.Without("id")
	if out.Has("id") {
		t.Error("expected id removed")
	}
	if !m.Has("id") {
		t.Error("original map was modified")
	}
}
