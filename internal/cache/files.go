// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

type fileListing struct {
	Key      string     `json:"key"`
	Files    value.List `json:"files"`
	CachedAt time.Time  `json:"cached_at"`
}

// Files caches opaque file listings (document lists, photo galleries) under
// a caller-chosen key so they can be shown while offline.
type Files struct {
	store *store.Store
}

// NewFiles creates the cached file listing repository.
func NewFiles(s *store.Store) *Files {
	return &Files{store: s}
}

// Put replaces the listing stored under key.
func (f *Files) Put(ctx context.Context, key string, files value.List) error {
	if files == nil {
		files = value.List{}
	}
	return f.store.Put(ctx, store.CachedFiles, key, &fileListing{Key: key, Files: files, CachedAt: time.Now().UTC()})
}

// Get returns the listing stored under key, or an empty list.
func (f *Files) Get(ctx context.Context, key string) (value.List, error) {
	var l fileListing
	err := f.store.Get(ctx, store.CachedFiles, key, &l)
	if errors.Is(err, store.ErrNotFound) {
		return value.List{}, nil
	}
	if err != nil {
		return nil, err
	}
	return l.Files, nil
}
