// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package remotetest provides an in-memory remote.Backend for tests, with
// failure injection, artificial latency and a call log.
package remotetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Operation names used in the call log and for failure injection.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpUpload = "upload"
)

// Call is one recorded backend call.
type Call struct {
	Op      string
	Table   string
	Payload value.Map
	Match   []query.Filter
}

// FailFunc decides whether a call fails. Returning nil lets it through.
type FailFunc func(op, table string, payload value.Map) error

// Backend is an in-memory remote.Backend.
type Backend struct {
	mu      sync.Mutex
	tables  map[string][]value.Map
	nextID  int64
	calls   []Call
	uploads []remote.UploadRequest
	offline bool
	latency time.Duration
	failers []FailFunc
	failOps map[string][]error
}

var _ remote.Backend = (*Backend)(nil)

// New returns an empty backend. Inserted rows get ids starting at 1000.
func New() *Backend {
	return &Backend{
		tables:  make(map[string][]value.Map),
		nextID:  1000,
		failOps: make(map[string][]error),
	}
}

// SetNextID makes the next inserted row without an id get id n.
func (b *Backend) SetNextID(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID = n - 1
}

// Seed appends rows to table.
func (b *Backend) Seed(table string, rows ...value.Map) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rows {
		b.tables[table] = append(b.tables[table], r.Clone())
	}
}

// Rows returns a copy of table's rows.
func (b *Backend) Rows(table string) []value.Map {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]value.Map, len(b.tables[table]))
	for i, r := range b.tables[table] {
		out[i] = r.Clone()
	}
	return out
}

// SetOffline makes every call fail with remote.ErrUnavailable.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// SetLatency delays every call by d, or until the call's context ends.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// FailNext makes the next call of op return err.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOps[op] = append(b.failOps[op], err)
}

// FailWhen installs a predicate consulted on every call.
func (b *Backend) FailWhen(fn FailFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failers = append(b.failers, fn)
}

// ClearFailures removes every injected failure.
func (b *Backend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failers = nil
	b.failOps = make(map[string][]error)
	b.offline = false
}

// Calls returns the call log.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallCount counts calls of op.
func (b *Backend) CallCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Uploads returns every accepted upload.
func (b *Backend) Uploads() []remote.UploadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]remote.UploadRequest(nil), b.uploads...)
}

// enter records the call, waits out the latency and applies injected
// failures. It returns with b.mu held when err is nil.
func (b *Backend) enter(ctx context.Context, c Call) error {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	latency := b.latency
	b.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.offline {
		b.mu.Unlock()
		return fmt.Errorf("%w: offline", remote.ErrUnavailable)
	}
	if queued := b.failOps[c.Op]; len(queued) > 0 {
		b.failOps[c.Op] = queued[1:]
		b.mu.Unlock()
		return queued[0]
	}
	for _, fn := range b.failers {
		if err := fn(c.Op, c.Table, c.Payload); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	return nil
}

// Select implements remote.Backend.
func (b *Backend) Select(ctx context.Context, q query.Query) ([]value.Map, error) {
	if err := b.enter(ctx, Call{Op: OpSelect, Table: q.Table, Match: q.Filters}); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	rows := q.Apply(b.tables[q.Table])
	out := make([]value.Map, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// Insert implements remote.Backend. Rows carrying a temporary id are
// rejected so tests notice when one leaks.
func (b *Backend) Insert(ctx context.Context, table string, row value.Map) (value.Map, error) {
	if err := b.enter(ctx, Call{Op: OpInsert, Table: table, Payload: row.Clone()}); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	if s, ok := row.Get("id").(value.String); ok && strings.HasPrefix(string(s), "__tmp_") {
		return nil, fmt.Errorf("%w: temporary id %s sent to backend", remote.ErrRejected, s)
	}
	stored := row.Clone()
	if value.IsNull(stored.ID()) {
		b.nextID++
		stored["id"] = value.Int(b.nextID)
	}
	b.tables[table] = append(b.tables[table], stored)
	return stored.Clone(), nil
}

// Update implements remote.Backend.
func (b *Backend) Update(ctx context.Context, table string, fields value.Map, match []query.Filter) error {
	if err := b.enter(ctx, Call{Op: OpUpdate, Table: table, Payload: fields.Clone(), Match: match}); err != nil {
		return err
	}
	defer b.mu.Unlock()

	m := query.Query{Filters: match}
	for i, r := range b.tables[table] {
		if !m.Match(r) {
			continue
		}
		updated := r.Clone()
		for k, v := range fields {
			updated[k] = value.Clone(v)
		}
		b.tables[table][i] = updated
	}
	return nil
}

// Delete implements remote.Backend.
func (b *Backend) Delete(ctx context.Context, table string, match []query.Filter) error {
	if err := b.enter(ctx, Call{Op: OpDelete, Table: table, Match: match}); err != nil {
		return err
	}
	defer b.mu.Unlock()

	m := query.Query{Filters: match}
	kept := b.tables[table][:0]
	for _, r := range b.tables[table] {
		if !m.Match(r) {
			kept = append(kept, r)
		}
	}
	b.tables[table] = kept
	return nil
}

// Upload implements remote.Backend.
func (b *Backend) Upload(ctx context.Context, req remote.UploadRequest) (value.Value, error) {
	if err := b.enter(ctx, Call{Op: OpUpload, Table: req.Table, Payload: value.Map{"field": value.String(req.Field), "record_id": req.RecordID}}); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	b.uploads = append(b.uploads, req)
	return value.Map{
		"path": value.String(fmt.Sprintf("%s/%s/%s", req.Table, value.Text(req.RecordID), req.Field)),
		"size": value.Int(len(req.Blob.Data)),
	}, nil
}
