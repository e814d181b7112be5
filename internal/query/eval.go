// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package query

import (
	"slices"
	"strings"

	"github.com/tomtom215/offlinesync/internal/value"
)

// Match reports whether row passes every filter. Filters whose value is Null
// or the empty string are ignored. An In filter with no values matches
// nothing.
func (q Query) Match(row value.Map) bool {
	for _, f := range q.Filters {
		switch f.Op {
		case OpIn:
			if !slices.ContainsFunc(f.Values, func(v value.Value) bool { return value.Equal(row.Get(f.Field), v) }) {
				return false
			}
		default:
			if len(f.Values) == 0 || ignored(f.Values[0]) {
				continue
			}
			if !value.Equal(row.Get(f.Field), f.Values[0]) {
				return false
			}
		}
	}
	return true
}

func ignored(v value.Value) bool {
	if value.IsNull(v) {
		return true
	}
	s, ok := v.(value.String)
	return ok && s == ""
}

// Filter returns the rows matching q's filters.
func (q Query) Filter(rows []value.Map) []value.Map {
	out := make([]value.Map, 0, len(rows))
	for _, row := range rows {
		if q.Match(row) {
			out = append(out, row)
		}
	}
	return out
}

// Sort returns rows stably ordered by q's order field. Rows whose field is
// Null sort last in both directions.
func (q Query) Sort(rows []value.Map) []value.Map {
	out := slices.Clone(rows)
	if q.Order == nil || q.Order.Field == "" {
		return out
	}
	field, asc := q.Order.Field, q.Order.Ascending
	slices.SortStableFunc(out, func(a, b value.Map) int {
		av, bv := a.Get(field), b.Get(field)
		an, bn := value.IsNull(av), value.IsNull(bv)
		switch {
		case an && bn:
			return 0
		case an:
			return 1
		case bn:
			return -1
		}
		c := value.Compare(av, bv)
		if !asc {
			c = -c
		}
		return c
	})
	return out
}

// Slice applies q's inclusive window. Out of range windows yield an empty list.
func (q Query) Slice(rows []value.Map) []value.Map {
	if q.Range == nil {
		return rows
	}
	from, to := q.Range.From, q.Range.To+1
	if from < 0 {
		from = 0
	}
	if from >= len(rows) || to <= from {
		return []value.Map{}
	}
	if to > len(rows) {
		to = len(rows)
	}
	return rows[from:to]
}

// Apply filters, sorts and windows rows.
func (q Query) Apply(rows []value.Map) []value.Map {
	return q.Slice(q.Sort(q.Filter(rows)))
}

// Project keeps the selected columns of each row, the way the backend
// answers a select list. "alias:column" renames and "column::type" casts
// are honored by name only; an embedded resource "rel(cols)" keeps rel as
// stored. The projection of "*" or an empty select is the row itself.
func (q Query) Project(rows []value.Map) []value.Map {
	cols := q.projection()
	if cols == nil {
		return rows
	}
	out := make([]value.Map, len(rows))
	for i, row := range rows {
		m := make(value.Map, len(cols))
		for _, c := range cols {
			if v, ok := row[c.source]; ok {
				m[c.name] = v
			}
		}
		out[i] = m
	}
	return out
}

type projected struct {
	name   string
	source string
}

func (q Query) projection() []projected {
	sel := strings.TrimSpace(q.Columns)
	if sel == "" || sel == "*" {
		return nil
	}
	var cols []projected
	depth, start := 0, 0
	for i := 0; i <= len(sel); i++ {
		if i < len(sel) {
			switch sel[i] {
			case '(':
				depth++
				continue
			case ')':
				depth--
				continue
			case ',':
				if depth > 0 {
					continue
				}
			default:
				continue
			}
		}
		item := strings.TrimSpace(sel[start:i])
		start = i + 1
		if item == "" {
			continue
		}
		if item == "*" {
			return nil
		}
		if p := strings.IndexByte(item, '('); p >= 0 {
			item = item[:p]
		}
		if p := strings.Index(item, "::"); p >= 0 {
			item = item[:p]
		}
		name, source := item, item
		if alias, col, ok := strings.Cut(item, ":"); ok {
			name, source = alias, col
		}
		cols = append(cols, projected{name: strings.TrimSpace(name), source: strings.TrimSpace(source)})
	}
	return cols
}

// Collapse shapes rows for the caller: a List for Many, otherwise the first
// row or Null.
func (q Query) Collapse(rows []value.Map) value.Value {
	if !q.IsSingle() {
		out := make(value.List, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out
	}
	if len(rows) == 0 {
		return value.Null{}
	}
	return rows[0]
}
