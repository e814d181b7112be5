// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

// DefaultMaxAge is how long cached query results are kept before Cleanup
// evicts them.
const DefaultMaxAge = 7 * 24 * time.Hour

// QueryEntry is the last successful result of one query shape.
//
// Windowed is true when Rows already had the query's range applied, so the
// read path does not apply the same window a second time.
type QueryEntry struct {
	Key      string      `json:"key"`
	Table    string      `json:"table"`
	Rows     []value.Map `json:"rows"`
	Windowed bool        `json:"windowed"`
	CachedAt time.Time   `json:"cached_at"`
}

// Queries stores cached query results in the queries collection.
type Queries struct {
	store *store.Store
}

// NewQueries creates the query result repository.
func NewQueries(s *store.Store) *Queries {
	return &Queries{store: s}
}

// Get returns the entry for key.
func (q *Queries) Get(ctx context.Context, key string) (QueryEntry, bool, error) {
	var e QueryEntry
	err := q.store.Get(ctx, store.Queries, key, &e)
	if errors.Is(err, store.ErrNotFound) {
		return QueryEntry{}, false, nil
	}
	if err != nil {
		return QueryEntry{}, false, err
	}
	return e, true, nil
}

// Put stores e under e.Key, stamping CachedAt when it is zero.
func (q *Queries) Put(ctx context.Context, e QueryEntry) error {
	if e.Key == "" {
		return errors.New("cache: query entry without key")
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now().UTC()
	}
	if e.Rows == nil {
		e.Rows = []value.Map{}
	}
	return q.store.Put(ctx, store.Queries, e.Key, &e)
}

// Cleanup removes entries cached more than maxAge ago and returns how many
// were removed.
func (q *Queries) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := time.Now().Add(-maxAge)

	var stale []string
	err := q.store.Scan(ctx, store.Queries, func(key string, data []byte) error {
		var e struct {
			CachedAt time.Time `json:"cached_at"`
		}
		if err := json.Unmarshal(data, &e); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cached query")
			stale = append(stale, key)
			return nil
		}
		if e.CachedAt.Before(cutoff) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan cached queries: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := q.store.DeleteKeys(ctx, store.Queries, stale); err != nil {
		return 0, fmt.Errorf("delete stale queries: %w", err)
	}

	metrics.CacheCleanupRemoved.Add(float64(len(stale)))
	logging.Info().Int("removed", len(stale)).Dur("max_age", maxAge).Msg("Cached query cleanup finished")
	return len(stale), nil
}

// Count returns the number of cached query results.
func (q *Queries) Count(ctx context.Context) (int, error) {
	return q.store.Count(ctx, store.Queries)
}

// Clear removes every cached query result.
func (q *Queries) Clear(ctx context.Context) error {
	return q.store.Clear(ctx, store.Queries)
}

// GenerateKey builds a deterministic key from a prefix and JSON-serializable
// params: the prefix, a colon and the first 16 bytes of the SHA-256 of the
// params' JSON encoding in hex.
func GenerateKey(prefix string, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", prefix, params)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", prefix, hash[:16])
}
