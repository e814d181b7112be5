// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package engine

import (
	"context"
	"fmt"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/connectivity"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/readpath"
	"github.com/tomtom215/offlinesync/internal/replay"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Read answers q from the network or the local cache. It never fails.
func (e *Engine) Read(ctx context.Context, q query.Query) readpath.Result {
	if err := e.checkOpen(); err != nil {
		return readpath.Result{Data: q.Collapse(nil), FromCache: true}
	}
	return e.reader.Read(ctx, q)
}

// Write applies or queues a write. For inserts the result carries the
// server id, or a temporary id when the write was queued.
func (e *Engine) Write(ctx context.Context, table string, op mutation.Op, payload value.Map) (mutation.Result, error) {
	if err := e.checkOpen(); err != nil {
		return mutation.Result{}, err
	}
	return e.writer.Write(ctx, table, op, payload)
}

// TriggerSync asks for a background pass. A forced request ignores the
// minimum interval and the connectivity check.
func (e *Engine) TriggerSync(force bool) {
	if force {
		e.trigger.RequestForced()
		return
	}
	e.trigger.Request()
}

// SyncNow runs a pass on the calling goroutine.
func (e *Engine) SyncNow(ctx context.Context) (replay.Report, error) {
	if err := e.checkOpen(); err != nil {
		return replay.Report{}, err
	}
	return e.replayer.Sync(ctx)
}

// Subscribe registers h for every sync event seen by this engine,
// including those of peers. Handlers run on a dedicated goroutine and may
// call back into the engine.
func (e *Engine) Subscribe(h bus.Handler) (unsubscribe func()) {
	return e.bus.Subscribe(h)
}

// OnRefresh registers fn to be called when cached views should be
// re-read: after reconnecting and after a peer finished a sync pass.
func (e *Engine) OnRefresh(fn func()) (unsubscribe func()) {
	return e.reader.OnRefresh(fn)
}

// SetOnline feeds a platform connectivity signal into the engine and
// returns the resulting state.
func (e *Engine) SetOnline(ctx context.Context, online bool) bool {
	return e.monitor.SetOnline(ctx, online)
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool { return e.monitor.Online() }

// CleanupCache evicts cached query results older than the configured
// maximum age.
func (e *Engine) CleanupCache(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.queries.Cleanup(ctx, e.cfg.Cache.MaxAge)
}

// WarmTables replaces the snapshots of tables, or of the configured warm-up
// list, with a fresh read of each so they are available offline.
func (e *Engine) WarmTables(ctx context.Context, tables ...string) readpath.WarmReport {
	if err := e.checkOpen(); err != nil {
		return readpath.WarmReport{Skipped: true}
	}
	return e.reader.Warm(ctx, tables...)
}

// Queue lists pending mutations in replay order.
func (e *Engine) Queue(ctx context.Context) ([]mutation.Record, error) {
	return e.queue.List(ctx)
}

// DeadLetters lists mutations that exhausted their attempts.
func (e *Engine) DeadLetters(ctx context.Context) ([]mutation.DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// DropMutation discards a pending mutation and its attachments without
// replaying it.
func (e *Engine) DropMutation(ctx context.Context, id uint64) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	return e.queue.Remove(ctx, id)
}

// Snapshot returns the cached rows of table.
func (e *Engine) Snapshot(ctx context.Context, table string) (cache.Snapshot, bool, error) {
	return e.tables.Get(ctx, table)
}

// CachedTables lists the tables with a snapshot.
func (e *Engine) CachedTables(ctx context.Context) ([]string, error) {
	return e.tables.Names(ctx)
}

// ClearTableSnapshots drops the snapshots of the named tables, or of all
// tables. Used when the signed-in user changes.
func (e *Engine) ClearTableSnapshots(ctx context.Context, tables ...string) error {
	return e.tables.Clear(ctx, tables...)
}

// Files returns the cached file listings.
func (e *Engine) Files() *cache.Files { return e.files }

// Reset empties every local collection, including the mutation queue.
// Queued writes are lost.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.replayer.Running() {
		return replay.ErrSyncInProgress
	}
	if err := e.tables.Clear(ctx); err != nil {
		return err
	}
	if err := e.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset local store: %w", err)
	}
	logging.Warn().Str("engine", e.id).Msg("Engine reset, local data discarded")
	return nil
}

// Status summarizes the engine for health endpoints and the CLI.
type Status struct {
	ID          string              `json:"id"`
	Online      bool                `json:"online"`
	Syncing     bool                `json:"syncing"`
	QueueDepth  int                 `json:"queue_depth"`
	DeadLetters int                 `json:"dead_letters"`
	Runner      connectivity.Status `json:"runner"`
	Store       store.Stats         `json:"store"`
}

// Status collects the current status.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	if err := e.checkOpen(); err != nil {
		return Status{}, err
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		ID:          e.id,
		Online:      e.monitor.Online(),
		Syncing:     e.replayer.Running(),
		QueueDepth:  stats.Collections[store.Mutations],
		DeadLetters: stats.Collections[store.DeadLetters],
		Runner:      e.trigger.Status(),
		Store:       stats,
	}, nil
}
