// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package engine

import (
	"context"

	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/readpath"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Table is a query builder bound to an engine. Builder methods return a
// copy, so a Table can be reused as a base for several queries.
type Table struct {
	engine *Engine
	query  query.Query
}

// From starts a builder on table.
func (e *Engine) From(table string) Table {
	return Table{engine: e, query: query.From(table)}
}

// Query returns the query built so far.
func (t Table) Query() query.Query { return t.query }

// Select sets the projected columns.
func (t Table) Select(columns string) Table {
	t.query = t.query.Select(columns)
	return t
}

// Eq adds an equality filter.
func (t Table) Eq(field string, v value.Value) Table {
	t.query = t.query.Eq(field, v)
	return t
}

// In adds a membership filter.
func (t Table) In(field string, vs ...value.Value) Table {
	t.query = t.query.In(field, vs...)
	return t
}

// Order sorts by field.
func (t Table) Order(field string, ascending bool) Table {
	t.query = t.query.OrderBy(field, ascending)
	return t
}

// Range limits the result to positions from through to, inclusive.
func (t Table) Range(from, to int) Table {
	t.query = t.query.Window(from, to)
	return t
}

// Single collapses the result to exactly one row.
func (t Table) Single() Table {
	t.query = t.query.Single()
	return t
}

// MaybeSingle collapses the result to one row or null.
func (t Table) MaybeSingle() Table {
	t.query = t.query.MaybeSingle()
	return t
}

// Get runs the query through the read path.
func (t Table) Get(ctx context.Context) readpath.Result {
	return t.engine.Read(ctx, t.query)
}

// Insert writes a new row.
func (t Table) Insert(ctx context.Context, row value.Map) (mutation.Result, error) {
	return t.engine.Write(ctx, t.query.Table, mutation.OpInsert, row)
}

// Update sets fields on the row identified by id, which may be temporary.
func (t Table) Update(ctx context.Context, id value.Value, fields value.Map) (mutation.Result, error) {
	payload := fields.Without("id")
	payload["id"] = id
	return t.engine.Write(ctx, t.query.Table, mutation.OpUpdate, payload)
}

// Delete removes the row identified by id, which may be temporary.
func (t Table) Delete(ctx context.Context, id value.Value) (mutation.Result, error) {
	return t.engine.Write(ctx, t.query.Table, mutation.OpDelete, value.Map{"id": id})
}
