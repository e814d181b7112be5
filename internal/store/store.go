// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package store provides the durable local store behind the offline data layer.
//
// The store is a BadgerDB database divided into named collections. Each
// collection is a key space (c/<name>/<key>) holding JSON encoded records.
// Collections flagged AutoIncrement assign strictly increasing numeric keys
// from a Badger sequence, zero padded so that key order is numeric order.
//
// A schema record tracks the version and the set of collections. Opening with
// collections the schema does not know yet bumps the version and registers
// them; existing data is left alone. If the database cannot be opened or its
// schema record is unreadable, the directory is destroyed and recreated, so
// a damaged store costs the cached data but never blocks startup.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
)

// SchemaVersion is the schema version written for a freshly created store.
const SchemaVersion = 3

// Core collection names.
const (
	Tables      = "tables"
	Mutations   = "mutations"
	Files       = "files"
	Queries     = "queries"
	CachedFiles = "cached_files"
	IDMap       = "id_map"
	DeadLetters = "dead_letters"
	DeadFiles   = "dead_files"
)

// Collection describes one named key space.
type Collection struct {
	Name          string
	AutoIncrement bool
}

// CoreCollections are the collections every engine requires.
var CoreCollections = []Collection{
	{Name: Tables},
	{Name: Mutations, AutoIncrement: true},
	{Name: Files, AutoIncrement: true},
	{Name: Queries},
	{Name: CachedFiles},
	{Name: IDMap},
	{Name: DeadLetters, AutoIncrement: true},
	{Name: DeadFiles},
}

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrUnknownCollection is returned for collections not registered at Open.
	ErrUnknownCollection = errors.New("store: unknown collection")

	// ErrCorrupt marks a store whose schema record cannot be trusted.
	ErrCorrupt = errors.New("store: corrupt schema")
)

const (
	metaKey       = "meta/schema"
	seqPrefix     = "seq/"
	dataPrefix    = "c/"
	seqBandwidth  = 100
	conflictRetry = 3
)

type schemaMeta struct {
	Version       int       `json:"version"`
	Collections   []string  `json:"collections"`
	AutoIncrement []string  `json:"auto_increment"`
	CreatedAt     time.Time `json:"created_at"`
	UpgradedAt    time.Time `json:"upgraded_at,omitempty"`
}

// Store is the BadgerDB backed local store.
type Store struct {
	db          *badger.DB
	config      Config
	collections map[string]Collection
	seqs        map[string]*badger.Sequence
	version     int
	rebuilt     bool

	mu     sync.RWMutex
	closed bool

	drain sync.Mutex
}

// Open opens or creates the store and makes sure every collection in
// collections exists. With no collections the core set is used.
func Open(cfg Config, collections ...Collection) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if len(collections) == 0 {
		collections = CoreCollections
	}

	s, err := open(cfg, collections)
	if err == nil {
		return s, nil
	}
	if cfg.InMemory {
		return nil, err
	}

	logging.Warn().Err(err).Str("path", cfg.Path).Msg("Local store unusable, rebuilding from scratch")
	metrics.StoreRebuilds.Inc()
	if rmErr := os.RemoveAll(cfg.Path); rmErr != nil {
		return nil, fmt.Errorf("remove damaged store: %w", rmErr)
	}

	s, err = open(cfg, collections)
	if err != nil {
		return nil, fmt.Errorf("recreate store: %w", err)
	}
	s.rebuilt = true
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store with the core collections.
func OpenInMemory() (*Store, error) {
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.Path = ""
	return Open(cfg)
}

func open(cfg Config, collections []Collection) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	if !cfg.InMemory && cfg.ValueThreshold > 0 {
		opts.ValueThreshold = cfg.ValueThreshold
	}
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{
		db:          db,
		config:      cfg,
		collections: make(map[string]Collection, len(collections)),
		seqs:        make(map[string]*badger.Sequence),
	}

	if err := s.ensureSchema(collections); err != nil {
		_ = db.Close()
		return nil, err
	}

	for name, c := range s.collections {
		if !c.AutoIncrement {
			continue
		}
		seq, err := db.GetSequence([]byte(seqPrefix+name), seqBandwidth)
		if err != nil {
			s.releaseSequences()
			_ = db.Close()
			return nil, fmt.Errorf("sequence for %s: %w", name, err)
		}
		s.seqs[name] = seq
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Int("schema_version", s.version).
		Int("collections", len(s.collections)).
		Msg("Local store opened")
	return s, nil
}

// ensureSchema reads the schema record, creating or upgrading it as needed.
func (s *Store) ensureSchema(required []Collection) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var meta schemaMeta
		item, err := txn.Get([]byte(metaKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			meta = schemaMeta{Version: SchemaVersion, CreatedAt: time.Now().UTC()}
		case err != nil:
			return fmt.Errorf("read schema: %w", err)
		default:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if meta.Version < 1 {
				return fmt.Errorf("%w: version %d", ErrCorrupt, meta.Version)
			}
		}

		fresh := len(meta.Collections) == 0
		added := false
		for _, c := range required {
			if slices.Contains(meta.Collections, c.Name) {
				continue
			}
			meta.Collections = append(meta.Collections, c.Name)
			if c.AutoIncrement {
				meta.AutoIncrement = append(meta.AutoIncrement, c.Name)
			}
			added = true
		}

		for _, name := range meta.Collections {
			s.collections[name] = Collection{Name: name, AutoIncrement: slices.Contains(meta.AutoIncrement, name)}
		}
		for _, c := range required {
			if _, ok := s.collections[c.Name]; !ok {
				return fmt.Errorf("%w: collection %s missing after upgrade", ErrCorrupt, c.Name)
			}
		}

		if !added {
			s.version = meta.Version
			return nil
		}
		if !fresh {
			meta.Version++
			meta.UpgradedAt = time.Now().UTC()
			logging.Info().Int("version", meta.Version).Strs("collections", meta.Collections).Msg("Local store schema upgraded")
		}
		s.version = meta.Version

		data, err := json.Marshal(&meta)
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		return txn.Set([]byte(metaKey), data)
	})
}

// DrainLock serializes queue drains of every engine sharing this store.
// Holders must use TryLock: a second drainer backs off instead of waiting.
func (s *Store) DrainLock() *sync.Mutex {
	return &s.drain
}

// Version returns the schema version.
func (s *Store) Version() int {
	return s.version
}

// Rebuilt reports whether Open had to destroy and recreate the store.
func (s *Store) Rebuilt() bool {
	return s.rebuilt
}

// Collections returns the registered collection names, sorted.
func (s *Store) Collections() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// FormatID renders an auto-increment id as a collection key.
func FormatID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// ParseID parses a key produced by FormatID.
func ParseID(key string) (uint64, error) {
	return strconv.ParseUint(key, 10, 64)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) collection(name string) (Collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

// Update runs fn inside a read-write transaction. All writes made through tx
// commit together or not at all. Conflicting concurrent commits are retried.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < conflictRetry; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&Tx{txn: txn, s: s, ctx: ctx})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// View runs fn inside a read-only snapshot transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn, s: s, ctx: ctx})
	})
}

// Get decodes the record stored under key into v.
func (s *Store) Get(ctx context.Context, collection, key string, v any) error {
	err := s.View(ctx, func(tx *Tx) error { return tx.Get(collection, key, v) })
	metrics.RecordStoreOp(collection, "get", ignoreNotFound(err))
	return err
}

// Put stores v under key, replacing any existing record.
func (s *Store) Put(ctx context.Context, collection, key string, v any) error {
	err := s.Update(ctx, func(tx *Tx) error { return tx.Put(collection, key, v) })
	metrics.RecordStoreOp(collection, "put", err)
	return err
}

// Add stores the record built by build under the next auto-increment id.
func (s *Store) Add(ctx context.Context, collection string, build func(id uint64) any) (uint64, error) {
	var id uint64
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Add(collection, build)
		return err
	})
	metrics.RecordStoreOp(collection, "add", err)
	return id, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	err := s.Update(ctx, func(tx *Tx) error { return tx.Delete(collection, key) })
	metrics.RecordStoreOp(collection, "delete", err)
	return err
}

// Scan calls fn for every record of collection in key order.
func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, data []byte) error) error {
	err := s.View(ctx, func(tx *Tx) error { return tx.Scan(collection, fn) })
	metrics.RecordStoreOp(collection, "scan", err)
	return err
}

// ScanPrefix calls fn for every record of collection whose key starts with
// prefix, in key order.
func (s *Store) ScanPrefix(ctx context.Context, collection, prefix string, fn func(key string, data []byte) error) error {
	err := s.View(ctx, func(tx *Tx) error { return tx.ScanPrefix(collection, prefix, fn) })
	metrics.RecordStoreOp(collection, "scan", err)
	return err
}

// Keys returns every key of collection in order.
func (s *Store) Keys(ctx context.Context, collection string) ([]string, error) {
	return s.KeysPrefix(ctx, collection, "")
}

// KeysPrefix returns the keys of collection starting with prefix, in order.
// Values are not read.
func (s *Store) KeysPrefix(ctx context.Context, collection, prefix string) ([]string, error) {
	var keys []string
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		keys, err = tx.KeysPrefix(collection, prefix)
		return err
	})
	return keys, err
}

// DeleteKeys removes keys from collection through a BadgerDB write batch,
// which splits the deletes over as many transactions as needed. It is not
// atomic: on error some keys may already be gone. Missing keys are ignored.
func (s *Store) DeleteKeys(ctx context.Context, collection string, keys []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.collection(collection); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Delete(dataKey(collection, key)); err != nil {
			metrics.RecordStoreOp(collection, "delete_batch", err)
			return fmt.Errorf("delete %s/%s: %w", collection, key, err)
		}
	}
	err := wb.Flush()
	metrics.RecordStoreOp(collection, "delete_batch", err)
	if err != nil {
		return fmt.Errorf("flush deletes on %s: %w", collection, err)
	}
	return nil
}

// NextID reserves the next id of an auto-increment collection without
// storing anything under it. Callers that need to write related records
// before the record itself use it and Put the record under FormatID(id).
func (s *Store) NextID(collection string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	if !c.AutoIncrement {
		return 0, fmt.Errorf("collection %s is not auto-increment", collection)
	}
	return s.nextID(collection)
}

// Count returns the number of records in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	keys, err := s.Keys(ctx, collection)
	return len(keys), err
}

// Clear removes every record from the named collections.
func (s *Store) Clear(ctx context.Context, collections ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	prefixes := make([][]byte, 0, len(collections))
	for _, name := range collections {
		if _, err := s.collection(name); err != nil {
			return err
		}
		prefixes = append(prefixes, collectionPrefix(name))
	}
	if len(prefixes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix(prefixes...); err != nil {
		return fmt.Errorf("drop collections: %w", err)
	}
	for _, name := range collections {
		metrics.RecordStoreOp(name, "clear", nil)
	}
	return nil
}

// Reset empties every collection. Used when switching users and by the
// developer reset command.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.Clear(ctx, s.Collections()...); err != nil {
		return err
	}
	logging.Warn().Msg("Local store reset")
	return nil
}

// Stats reports record counts per collection and the on-disk size.
type Stats struct {
	Version     int            `json:"version"`
	Collections map[string]int `json:"collections"`
	LSMBytes    int64          `json:"lsm_bytes"`
	VLogBytes   int64          `json:"vlog_bytes"`
}

// Stats collects store statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Version: s.version, Collections: make(map[string]int, len(s.collections))}
	for _, name := range s.Collections() {
		n, err := s.Count(ctx, name)
		if err != nil {
			return st, err
		}
		st.Collections[name] = n
	}
	st.LSMBytes, st.VLogBytes = s.db.Size()
	return st, nil
}

// Close releases sequences and closes BadgerDB, bounded by CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s.mu.Unlock()

	s.releaseSequences()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Local store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

func (s *Store) releaseSequences() {
	for name, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			logging.Warn().Err(err).Str("collection", name).Msg("Failed to release sequence")
		}
	}
}

func (s *Store) nextID(collection string) (uint64, error) {
	seq, ok := s.seqs[collection]
	if !ok {
		return 0, fmt.Errorf("collection %s is not auto-increment", collection)
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next id for %s: %w", collection, err)
	}
	// Badger sequences start at 0; ids start at 1.
	return n + 1, nil
}

func collectionPrefix(name string) []byte {
	return []byte(dataPrefix + name + "/")
}

func dataKey(collection, key string) []byte {
	return []byte(dataPrefix + collection + "/" + key)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
