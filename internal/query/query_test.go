// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package query

import (
	"slices"
	"testing"

	"github.com/tomtom215/offlinesync/internal/value"
)

func students() []value.Map {
	return []value.Map{
		{"id": value.Int(1), "name": value.String("Cara"), "class_id": value.Int(10), "grade": value.Int(3)},
		{"id": value.Int(2), "name": value.String("Abe"), "class_id": value.Int(20), "grade": value.Null{}},
		{"id": value.Int(3), "name": value.String("Bea"), "class_id": value.Int(10), "grade": value.Int(1)},
		{"id": value.Int(4), "name": value.String("Dan"), "class_id": value.Int(30), "grade": value.Int(2)},
	}
}

func ids(rows []value.Map) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = int64(r.ID().(value.Int))
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCacheKeyIgnoresFilterOrder(t *testing.T) {
	a := From("students").Eq("class_id", value.Int(10)).Eq("active", value.Bool(true))
	b := From("students").Eq("active", value.Bool(true)).Eq("class_id", value.Int(10))
	if a.CacheKey() != b.CacheKey() {
		t.Error("expected identical keys for reordered filters")
	}

	c := a.Window(0, 9)
	if a.CacheKey() == c.CacheKey() {
		t.Error("expected window to change the key")
	}
	if a.CacheKey() == a.Single().CacheKey() {
		t.Error("expected cardinality to change the key")
	}
}

func TestLaterFilterOnSameFieldWins(t *testing.T) {
	q := From("students").Eq("class_id", value.Int(10)).Eq("class_id", value.Int(20))
	if len(q.Filters) != 1 {
		t.Fatalf("expected one filter, got %d", len(q.Filters))
	}
	if got := ids(q.Apply(students())); !equalIDs(got, []int64{2}) {
		t.Errorf("expected [2], got %v", got)
	}
}

func TestBuilderDoesNotMutateReceiver(t *testing.T) {
	base := From("students")
	_ = base.Eq("class_id", value.Int(10)).OrderBy("name", true)
	if len(base.Filters) != 0 || base.Order != nil {
		t.Error("builder modified the original query")
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want []int64
	}{
		{"eq filter", From("s").Eq("class_id", value.Int(10)), []int64{1, 3}},
		{"in filter", From("s").In("class_id", value.Int(20), value.Int(30)), []int64{2, 4}},
		{"empty in matches nothing", From("s").In("class_id"), []int64{}},
		{"null filter ignored", From("s").Eq("class_id", value.Null{}), []int64{1, 2, 3, 4}},
		{"empty string filter ignored", From("s").Eq("name", value.String("")), []int64{1, 2, 3, 4}},
		{"float filter matches int field", From("s").Eq("class_id", value.Float(30)), []int64{4}},
		{"order ascending", From("s").OrderBy("name", true), []int64{2, 3, 1, 4}},
		{"order descending", From("s").OrderBy("name", false), []int64{4, 1, 3, 2}},
		{"nulls last ascending", From("s").OrderBy("grade", true), []int64{3, 4, 1, 2}},
		{"nulls last descending", From("s").OrderBy("grade", false), []int64{1, 4, 3, 2}},
		{"inclusive window", From("s").OrderBy("id", true).Window(1, 2), []int64{2, 3}},
		{"window past end", From("s").Window(3, 10), []int64{4}},
		{"window beyond rows", From("s").Window(10, 12), []int64{}},
		{"limit", From("s").Limit(2), []int64{1, 2}},
		{"filter sort window", From("s").Eq("class_id", value.Int(10)).OrderBy("name", true).Window(0, 0), []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(tt.q.Apply(students())); !equalIDs(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortIsStable(t *testing.T) {
	rows := []value.Map{
		{"id": value.Int(1), "k": value.Int(1)},
		{"id": value.Int(2), "k": value.Int(0)},
		{"id": value.Int(3), "k": value.Int(1)},
	}
	got := ids(From("s").OrderBy("k", true).Sort(rows))
	if !equalIDs(got, []int64{2, 1, 3}) {
		t.Errorf("expected stable order [2 1 3], got %v", got)
	}
}

func TestCollapse(t *testing.T) {
	rows := students()

	if l, ok := From("s").Collapse(rows).(value.List); !ok || len(l) != 4 {
		t.Errorf("expected list of 4, got %#v", From("s").Collapse(rows))
	}
	if m, ok := From("s").Single().Collapse(rows).(value.Map); !ok || !value.Equal(m.ID(), value.Int(1)) {
		t.Errorf("expected first row, got %#v", m)
	}
	if !value.IsNull(From("s").MaybeSingle().Collapse(nil)) {
		t.Error("expected Null for empty single")
	}
	if l, ok := From("s").Collapse(nil).(value.List); !ok || len(l) != 0 {
		t.Error("expected empty list for empty many")
	}
}

func TestProject(t *testing.T) {
	rows := []value.Map{{
		"id":        value.Int(1),
		"full_name": value.String("Jane"),
		"grade":     value.String("5A"),
		"classes":   value.List{value.Map{"name": value.String("Math")}},
	}}

	tests := []struct {
		name    string
		columns string
		want    []string
	}{
		{"star", "*", []string{"classes", "full_name", "grade", "id"}},
		{"empty", "", []string{"classes", "full_name", "grade", "id"}},
		{"plain", "id, full_name", []string{"full_name", "id"}},
		{"alias and cast", "name:full_name,id::text", []string{"id", "name"}},
		{"embedded", "id,classes(name,room)", []string{"classes", "id"}},
		{"missing column", "id,nickname", []string{"id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := From("s").Select(tt.columns).Project(rows)
			if len(got) != 1 {
				t.Fatalf("expected one row, got %d", len(got))
			}
			if keys := got[0].Keys(); !slices.Equal(keys, tt.want) {
				t.Errorf("got columns %v, want %v", keys, tt.want)
			}
		})
	}

	if got := From("s").Select("name:full_name").Project(rows); !value.Equal(got[0]["name"], value.String("Jane")) {
		t.Errorf("alias not applied: %v", got[0])
	}
}

func TestValidate(t *testing.T) {
	if err := From("").Validate(); err == nil {
		t.Error("expected error for missing table")
	}
	if err := From("s").Window(5, 2).Validate(); err == nil {
		t.Error("expected error for inverted range")
	}
	bad := From("s")
	bad.Filters = []Filter{{Field: "x", Op: "gt"}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unsupported operator")
	}
	if err := From("s").Eq("a", value.Int(1)).Single().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUnfiltered(t *testing.T) {
	if !From("s").OrderBy("name", true).Unfiltered() {
		t.Error("ordering alone keeps a query unfiltered")
	}
	if From("s").Limit(5).Unfiltered() {
		t.Error("window makes a query partial")
	}
	if From("s").Eq("a", value.Int(1)).Unfiltered() {
		t.Error("filter makes a query partial")
	}
}
