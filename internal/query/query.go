// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package query describes the shape of a read (table, columns, equality and
// membership filters, ordering, an inclusive row window and a cardinality)
// and evaluates that shape against locally cached rows.
//
// The same evaluation code shapes fresh remote rows and cached rows, so a
// caller cannot tell which source answered from the shape of the result.
package query

import (
	"fmt"
	"slices"

	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Op is a filter operator.
type Op string

const (
	// OpEq matches rows whose field equals the single filter value.
	OpEq Op = "eq"
	// OpIn matches rows whose field equals any of the filter values.
	OpIn Op = "in"
)

// Filter restricts rows by one field.
type Filter struct {
	Field  string        `json:"field"`
	Op     Op            `json:"op"`
	Values []value.Value `json:"values"`
}

// Order sorts rows by one field.
type Order struct {
	Field     string `json:"field"`
	Ascending bool   `json:"ascending"`
}

// Range is an inclusive window of row positions: From through To.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Cardinality says whether a read returns a list or a single row.
type Cardinality string

const (
	// Many returns a list.
	Many Cardinality = "many"
	// Single returns exactly one row; an empty result is Null.
	Single Cardinality = "single"
	// MaybeSingle returns the first row or Null.
	MaybeSingle Cardinality = "maybe_single"
)

// Query is an immutable read description. The builder methods return a
// modified copy.
type Query struct {
	Table       string      `json:"table"`
	Columns     string      `json:"columns"`
	Filters     []Filter    `json:"filters,omitempty"`
	Order       *Order      `json:"order,omitempty"`
	Range       *Range      `json:"range,omitempty"`
	Cardinality Cardinality `json:"cardinality"`
}

// From starts a query against table selecting every column.
func From(table string) Query {
	return Query{Table: table, Columns: "*", Cardinality: Many}
}

// Select sets the projected columns.
func (q Query) Select(columns string) Query {
	if columns == "" {
		columns = "*"
	}
	q.Columns = columns
	return q
}

// Eq adds an equality filter. A later filter on the same field replaces the
// earlier one.
func (q Query) Eq(field string, v value.Value) Query {
	return q.withFilter(Filter{Field: field, Op: OpEq, Values: []value.Value{v}})
}

// In adds a membership filter.
func (q Query) In(field string, vs ...value.Value) Query {
	return q.withFilter(Filter{Field: field, Op: OpIn, Values: slices.Clone(vs)})
}

func (q Query) withFilter(f Filter) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	for _, existing := range q.Filters {
		if existing.Field != f.Field {
			filters = append(filters, existing)
		}
	}
	q.Filters = append(filters, f)
	return q
}

// OrderBy sorts by field.
func (q Query) OrderBy(field string, ascending bool) Query {
	q.Order = &Order{Field: field, Ascending: ascending}
	return q
}

// Window limits the result to positions from through to, inclusive.
func (q Query) Window(from, to int) Query {
	q.Range = &Range{From: from, To: to}
	return q
}

// Limit keeps the first n rows.
func (q Query) Limit(n int) Query {
	return q.Window(0, n-1)
}

// Single asks for exactly one row.
func (q Query) Single() Query {
	q.Cardinality = Single
	return q
}

// MaybeSingle asks for at most one row.
func (q Query) MaybeSingle() Query {
	q.Cardinality = MaybeSingle
	return q
}

// Validate rejects queries that cannot be evaluated.
func (q Query) Validate() error {
	if q.Table == "" {
		return fmt.Errorf("query: table is required")
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("query: filter without field")
		}
		if f.Op != OpEq && f.Op != OpIn {
			return fmt.Errorf("query: unsupported operator %q", f.Op)
		}
	}
	if q.Range != nil && (q.Range.From < 0 || q.Range.To < q.Range.From) {
		return fmt.Errorf("query: invalid range %d-%d", q.Range.From, q.Range.To)
	}
	switch q.Cardinality {
	case "", Many, Single, MaybeSingle:
	default:
		return fmt.Errorf("query: unsupported cardinality %q", q.Cardinality)
	}
	return nil
}

// Unfiltered reports whether q reads a whole table: no filters, no window
// and list cardinality.
func (q Query) Unfiltered() bool {
	return len(q.Filters) == 0 && q.Range == nil && q.cardinality() == Many
}

// IsSingle reports whether q collapses to one row.
func (q Query) IsSingle() bool {
	c := q.cardinality()
	return c == Single || c == MaybeSingle
}

func (q Query) cardinality() Cardinality {
	if q.Cardinality == "" {
		return Many
	}
	return q.Cardinality
}

// CacheKey derives the cache key of q. Queries with the same shape produce
// the same key regardless of the order filters were added in.
func (q Query) CacheKey() string {
	filters := slices.Clone(q.Filters)
	slices.SortStableFunc(filters, func(a, b Filter) int {
		switch {
		case a.Field < b.Field:
			return -1
		case a.Field > b.Field:
			return 1
		}
		return 0
	})
	canonical := Query{
		Table:       q.Table,
		Columns:     q.Columns,
		Filters:     filters,
		Order:       q.Order,
		Range:       q.Range,
		Cardinality: q.cardinality(),
	}
	if canonical.Columns == "" {
		canonical.Columns = "*"
	}
	return cache.GenerateKey("query", canonical)
}
