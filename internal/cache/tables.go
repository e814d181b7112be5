// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package cache holds the locally persisted read state: whole-table snapshots,
// cached query results and cached file listings. Everything here is
// recomputable from the remote backend; the mutation queue lives elsewhere.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Snapshot is the last known full contents of a remote table.
type Snapshot struct {
	Table     string      `json:"table"`
	Rows      []value.Map `json:"rows"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Tables stores table snapshots in the tables collection with an in-memory
// LRU in front. Rows returned from Get are shared with the memory cache and
// must not be modified.
type Tables struct {
	store *store.Store
	mem   *LRU[Snapshot]
}

// NewTables creates the snapshot repository. memCapacity bounds the number
// of snapshots kept decoded in memory.
func NewTables(s *store.Store, memCapacity int, memTTL time.Duration) *Tables {
	return &Tables{store: s, mem: NewLRU[Snapshot](memCapacity, memTTL)}
}

// Put replaces the snapshot of table wholesale. Rows absent from rows are
// gone afterwards.
func (t *Tables) Put(ctx context.Context, table string, rows []value.Map) error {
	if rows == nil {
		rows = []value.Map{}
	}
	snap := Snapshot{Table: table, Rows: rows, UpdatedAt: time.Now().UTC()}
	if err := t.store.Put(ctx, store.Tables, table, &snap); err != nil {
		return fmt.Errorf("cache table %s: %w", table, err)
	}
	t.mem.Add(table, snap)
	return nil
}

// Get returns the snapshot of table. The boolean is false when the table was
// never cached.
func (t *Tables) Get(ctx context.Context, table string) (Snapshot, bool, error) {
	if snap, ok := t.mem.Get(table); ok {
		return snap, true, nil
	}
	var snap Snapshot
	err := t.store.Get(ctx, store.Tables, table, &snap)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read table %s: %w", table, err)
	}
	t.mem.Add(table, snap)
	return snap, true, nil
}

// MergeByID upserts rows into the snapshot of table keyed by their id field.
// Existing rows keep their position; new rows are appended. Rows without an
// id are appended as they are.
func (t *Tables) MergeByID(ctx context.Context, table string, rows []value.Map) error {
	snap, _, err := t.Get(ctx, table)
	if err != nil {
		return err
	}

	merged := make([]value.Map, len(snap.Rows), len(snap.Rows)+len(rows))
	copy(merged, snap.Rows)
	index := make(map[string]int, len(merged))
	for i, row := range merged {
		if k, ok := idKey(row); ok {
			index[k] = i
		}
	}
	for _, row := range rows {
		k, ok := idKey(row)
		if !ok {
			merged = append(merged, row)
			continue
		}
		if i, exists := index[k]; exists {
			merged[i] = row
			continue
		}
		index[k] = len(merged)
		merged = append(merged, row)
	}
	return t.Put(ctx, table, merged)
}

// RemoveByID drops the row with the given id from the snapshot of table.
func (t *Tables) RemoveByID(ctx context.Context, table string, id value.Value) error {
	snap, ok, err := t.Get(ctx, table)
	if err != nil || !ok {
		return err
	}
	want, ok := idKey(value.Map{"id": id})
	if !ok {
		return nil
	}
	kept := make([]value.Map, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		if k, has := idKey(row); has && k == want {
			continue
		}
		kept = append(kept, row)
	}
	return t.Put(ctx, table, kept)
}

// Clear removes the snapshots of the named tables, or of every table when
// none are named.
func (t *Tables) Clear(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		t.mem.Clear()
		return t.store.Clear(ctx, store.Tables)
	}
	for _, name := range tables {
		t.mem.Remove(name)
		if err := t.store.Delete(ctx, store.Tables, name); err != nil {
			return fmt.Errorf("clear table %s: %w", name, err)
		}
	}
	return nil
}

// Names lists cached tables.
func (t *Tables) Names(ctx context.Context) ([]string, error) {
	return t.store.Keys(ctx, store.Tables)
}

// idKey renders a row id so that Int(1) and String("1") stay distinct.
func idKey(row value.Map) (string, bool) {
	id := row.ID()
	if value.IsNull(id) {
		return "", false
	}
	return fmt.Sprintf("%d:%s", id.Kind(), value.Text(id)), true
}
