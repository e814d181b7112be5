// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package readpath answers queries cache-aside: the last known result is
// prepared locally first, then a bounded network request races to refresh
// it. Read never fails; every failure degrades to the local candidate.
//
// Identical reads in flight at the same time share one backend request.
// Warm refreshes the snapshots of a list of tables ahead of time so they are
// available once the device goes offline.
package readpath

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Read outcomes recorded in metrics.
const (
	OutcomeFresh        = "fresh"
	OutcomeCacheOffline = "cache_offline"
	OutcomeCacheTimeout = "cache_timeout"
	OutcomeCacheError   = "cache_error"
)

// Config configures the read path.
type Config struct {
	// NetworkTimeout bounds the remote request before the local candidate
	// is served instead.
	NetworkTimeout time.Duration `koanf:"network_timeout" validate:"min=0"`

	// SnapshotFallback serves the table snapshot when a query has no cached
	// result of its own.
	SnapshotFallback bool `koanf:"snapshot_fallback"`

	Warm WarmConfig `koanf:"warm"`
}

// WarmConfig lists the tables whose snapshots are refreshed ahead of time.
type WarmConfig struct {
	Tables []string `koanf:"tables" validate:"dive,identifier"`

	// Timeout bounds the request for each table.
	Timeout time.Duration `koanf:"timeout" validate:"min=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NetworkTimeout:   3 * time.Second,
		SnapshotFallback: true,
		Warm:             WarmConfig{Timeout: 5 * time.Second},
	}
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Result is what a read returns. Data is a List for list queries and a Map
// or Null for single-row queries, whichever source served it.
type Result struct {
	Data      value.Value `json:"data"`
	FromCache bool        `json:"fromCache"`
	CachedAt  time.Time   `json:"cachedAt,omitempty"`
}

// Rows returns Data as rows.
func (r Result) Rows() []value.Map {
	switch d := r.Data.(type) {
	case value.List:
		out := make([]value.Map, 0, len(d))
		for _, v := range d {
			if m, ok := v.(value.Map); ok {
				out = append(out, m)
			}
		}
		return out
	case value.Map:
		return []value.Map{d}
	}
	return nil
}

// Row returns the single row of a collapsed result, or nil.
func (r Result) Row() value.Map {
	if m, ok := r.Data.(value.Map); ok {
		return m
	}
	return nil
}

// Reader is the cache-aside read path.
type Reader struct {
	cfg     Config
	backend remote.Backend
	queries *cache.Queries
	tables  *cache.Tables
	conn    Connectivity

	persist sync.WaitGroup
	flight  singleflight.Group

	mu        sync.Mutex
	listeners map[uint64]func()
	nextID    uint64
}

// New creates a reader.
func New(cfg Config, backend remote.Backend, queries *cache.Queries, tables *cache.Tables) *Reader {
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultConfig().NetworkTimeout
	}
	if cfg.Warm.Timeout <= 0 {
		cfg.Warm.Timeout = DefaultConfig().Warm.Timeout
	}
	return &Reader{
		cfg:       cfg,
		backend:   backend,
		queries:   queries,
		tables:    tables,
		listeners: make(map[uint64]func()),
	}
}

// SetConnectivity sets the online check. Without one the device is treated
// as online.
func (r *Reader) SetConnectivity(c Connectivity) { r.conn = c }

// Read answers q. It never returns an error. Rows of a fresh result may be
// shared with concurrent readers of the same query and must not be
// modified.
func (r *Reader) Read(ctx context.Context, q query.Query) Result {
	start := time.Now()
	log := logging.Ctx(ctx).With().Str("table", q.Table).Logger()

	if err := q.Validate(); err != nil {
		log.Warn().Err(err).Msg("Invalid query, returning empty result")
		return Result{Data: q.Collapse(nil), FromCache: true}
	}

	key := q.CacheKey()
	local := r.local(ctx, q, key)

	if r.conn != nil && !r.conn.Online() {
		metrics.RecordRead(q.Table, OutcomeCacheOffline, time.Since(start))
		return local
	}

	rows, err := r.fetch(ctx, q, key)
	if err != nil {
		outcome := OutcomeCacheError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeCacheTimeout
		}
		log.Debug().Err(err).Str("outcome", outcome).Msg("Network read failed, serving cache")
		metrics.RecordRead(q.Table, outcome, time.Since(start))
		return local
	}

	metrics.RecordRead(q.Table, OutcomeFresh, time.Since(start))
	return Result{Data: q.Collapse(rows), FromCache: false}
}

// fetch runs the network request for q, joining an identical request
// already in flight. The wait is bounded by the network timeout even when
// the backend ignores cancellation; a request that overruns it is forgotten
// so later reads start a new one.
func (r *Reader) fetch(ctx context.Context, q query.Query, key string) ([]value.Map, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.NetworkTimeout)
	defer cancel()

	ch := r.flight.DoChan(key, func() (any, error) {
		netCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.NetworkTimeout)
		defer cancel()
		rows, err := r.backend.Select(netCtx, q)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []value.Map{}
		}
		r.store(ctx, q, key, rows)
		return rows, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logging.Ctx(ctx).Debug().Str("table", q.Table).Msg("Joined in-flight read")
		}
		return res.Val.([]value.Map), nil
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			r.flight.Forget(key)
		}
		return nil, waitCtx.Err()
	}
}

// selectWithin runs one backend request bounded by timeout, returning when
// the deadline passes even if the backend does not.
func (r *Reader) selectWithin(ctx context.Context, q query.Query, timeout time.Duration) ([]value.Map, error) {
	netCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		rows []value.Map
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := r.backend.Select(netCtx, q)
		done <- result{rows, err}
	}()

	select {
	case res := <-done:
		return res.rows, res.err
	case <-netCtx.Done():
		return nil, netCtx.Err()
	}
}

// WarmReport summarizes a warm-up.
type WarmReport struct {
	// Warmed maps each refreshed table to its row count.
	Warmed map[string]int `json:"warmed"`

	// Failed maps each table that could not be refreshed to the reason.
	Failed map[string]string `json:"failed,omitempty"`

	// Skipped is set when the device was offline and nothing was tried.
	Skipped bool `json:"skipped,omitempty"`
}

// Warm replaces the snapshots of tables with a fresh full read of each, one
// table at a time. With no tables the configured list is used. A table that
// fails or times out keeps its previous snapshot and does not stop the
// others.
func (r *Reader) Warm(ctx context.Context, tables ...string) WarmReport {
	report := WarmReport{Warmed: make(map[string]int), Failed: make(map[string]string)}
	if len(tables) == 0 {
		tables = r.cfg.Warm.Tables
	}
	if len(tables) == 0 || r.tables == nil {
		return report
	}
	if r.conn != nil && !r.conn.Online() {
		logging.Ctx(ctx).Debug().Msg("Offline, skipping table warm-up")
		report.Skipped = true
		return report
	}

	log := logging.Ctx(ctx)
	start := time.Now()
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			report.Failed[table] = err.Error()
			continue
		}
		n, err := r.warmTable(ctx, table)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Table warm-up failed, keeping cached snapshot")
			report.Failed[table] = err.Error()
			metrics.CacheWarm.WithLabelValues(table, "failed").Inc()
			continue
		}
		report.Warmed[table] = n
		metrics.CacheWarm.WithLabelValues(table, "warmed").Inc()
	}
	log.Info().
		Int("warmed", len(report.Warmed)).
		Int("failed", len(report.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Table warm-up finished")
	return report
}

func (r *Reader) warmTable(ctx context.Context, table string) (int, error) {
	q := query.From(table)
	if err := q.Validate(); err != nil {
		return 0, err
	}
	rows, err := r.selectWithin(ctx, q, r.cfg.Warm.Timeout)
	if err != nil {
		return 0, err
	}
	if rows == nil {
		rows = []value.Map{}
	}
	if err := r.tables.Put(ctx, table, rows); err != nil {
		return 0, fmt.Errorf("store snapshot: %w", err)
	}
	return len(rows), nil
}

// local builds the candidate result from the cached result for key, or the
// table snapshot, or nothing.
func (r *Reader) local(ctx context.Context, q query.Query, key string) Result {
	entry, ok, err := r.queries.Get(ctx, key)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Failed to read cached query")
	}
	if ok {
		rows := entry.Rows
		if entry.Windowed {
			// Already windowed by the backend; slicing again would skip rows.
			rows = q.Sort(q.Filter(rows))
		} else {
			rows = q.Apply(rows)
		}
		return Result{Data: q.Collapse(rows), FromCache: true, CachedAt: entry.CachedAt}
	}

	if r.cfg.SnapshotFallback && r.tables != nil {
		snap, found, err := r.tables.Get(ctx, q.Table)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Failed to read table snapshot")
		}
		if found {
			rows := q.Project(q.Apply(snap.Rows))
			return Result{Data: q.Collapse(rows), FromCache: true, CachedAt: snap.UpdatedAt}
		}
	}
	return Result{Data: q.Collapse(nil), FromCache: true}
}

// store persists fresh rows in the background. Full-table reads also
// replace the table snapshot.
func (r *Reader) store(ctx context.Context, q query.Query, key string, rows []value.Map) {
	entry := cache.QueryEntry{
		Key:      key,
		Table:    q.Table,
		Rows:     rows,
		Windowed: q.Range != nil || q.IsSingle(),
	}
	fullTable := q.Unfiltered() && (q.Columns == "" || q.Columns == "*")
	bg := context.WithoutCancel(ctx)

	r.persist.Add(1)
	go func() {
		defer r.persist.Done()
		if err := r.queries.Put(bg, entry); err != nil {
			logging.Ctx(bg).Warn().Err(err).Str("key", key).Msg("Failed to cache query result")
		}
		if fullTable && r.tables != nil {
			if err := r.tables.Put(bg, q.Table, rows); err != nil {
				logging.Ctx(bg).Warn().Err(err).Str("table", q.Table).Msg("Failed to replace table snapshot")
			}
		}
	}()
}

// Wait blocks until background cache writes have finished.
func (r *Reader) Wait() {
	r.persist.Wait()
}

// OnRefresh registers fn to be called when cached views should be re-read,
// e.g. after reconnecting or after another context finished a sync pass.
func (r *Reader) OnRefresh(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Refresh notifies refresh listeners.
func (r *Reader) Refresh() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
