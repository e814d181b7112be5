// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package store

import "time"

// Config holds local store configuration.
//
// The store keeps table snapshots, cached query results, the mutation queue
// and its attachments in a single BadgerDB directory. Path should live on a
// durable filesystem: the queue is the only copy of offline writes.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	Path string `koanf:"path"`

	// InMemory keeps everything in memory. Used by tests and the CLI dry-run mode.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites forces fsync after every commit.
	SyncWrites bool `koanf:"sync_writes"`

	// Compression enables Snappy compression of blocks.
	Compression bool `koanf:"compression"`

	MemTableSize     int64 `koanf:"memtable_size"`
	ValueLogFileSize int64 `koanf:"vlog_size"`
	NumCompactors    int   `koanf:"num_compactors"`

	// ValueThreshold is the size above which values are kept in the value
	// log and only a pointer goes into the LSM tree. Large attachments then
	// count against a transaction as pointers. Ignored in memory, where
	// BadgerDB keeps every value in the LSM tree.
	ValueThreshold int64 `koanf:"value_threshold"`

	// GCInterval is how often Serve runs value log garbage collection.
	GCInterval time.Duration `koanf:"gc_interval"`

	// GCRatio is the discard ratio passed to RunValueLogGC.
	GCRatio float64 `koanf:"gc_ratio"`

	// CloseTimeout bounds how long Close waits for BadgerDB.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// DefaultConfig returns a Config that favours durability over throughput.
func DefaultConfig() Config {
	return Config{
		Path:             "/data/offlinesync",
		SyncWrites:       true,
		Compression:      true,
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 64 * 1024 * 1024,
		NumCompactors:    2,
		ValueThreshold:   64 * 1024,
		GCInterval:       10 * time.Minute,
		GCRatio:          0.5,
		CloseTimeout:     30 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return &ConfigError{Field: "Path", Message: "store path is required"}
	}
	if c.MemTableSize < 1024*1024 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 1MB"}
	}
	if c.ValueLogFileSize < 1024*1024 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.ValueThreshold < 0 || c.ValueThreshold > maxValueThreshold {
		return &ConfigError{Field: "ValueThreshold", Message: "must be between 0 and 1MB"}
	}
	if c.ValueThreshold > c.MemTableSize*15/100 {
		return &ConfigError{Field: "ValueThreshold", Message: "must not exceed 15% of MemTableSize"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		return &ConfigError{Field: "GCRatio", Message: "must be between 0 and 1"}
	}
	return nil
}

// maxValueThreshold is the largest value threshold BadgerDB accepts.
const maxValueThreshold = 1 << 20

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "store config error: " + e.Field + ": " + e.Message
}
