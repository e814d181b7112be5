// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

/*
Package engine assembles the offline-first data layer behind one explicitly
constructed object.

An Engine owns (or borrows) a local store and an event bus, and wires:

  - the cache-aside read path (readpath.Reader)
  - the write path and mutation queue (mutation.Writer, mutation.Queue)
  - the replay engine (replay.Engine) driven by a background runner
    (connectivity.Trigger)
  - the connectivity monitor (connectivity.Monitor)

Several engines may share one store and one bus to model independent
execution contexts of the same application. Each engine stamps the events it
publishes with its own ID; events from peers trigger a sync pass (queued) or
a refresh of cached views (synced).

Usage:

	eng, err := engine.Open(ctx, engine.DefaultConfig(), backend)
	if err != nil {
		return err
	}
	defer eng.Close()

	res := eng.From("students").Eq("grade", value.String("5A")).Get(ctx)
	w, err := eng.From("students").Insert(ctx, value.Map{"full_name": value.String("Jane")})
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/connectivity"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/readpath"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/replay"
	"github.com/tomtom215/offlinesync/internal/store"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine: closed")

// orphanGrace protects attachments of an enqueue still in flight in a peer
// engine sharing the store.
const orphanGrace = 10 * time.Minute

// CacheConfig configures the snapshot and query caches.
type CacheConfig struct {
	// MemoryTables bounds the number of table snapshots kept decoded in
	// memory in front of the store.
	MemoryTables int           `koanf:"memory_tables" validate:"gte=0"`
	MemoryTTL    time.Duration `koanf:"memory_ttl" validate:"gte=0"`

	// MaxAge is the age after which cached query results are evicted by
	// CleanupCache.
	MaxAge time.Duration `koanf:"max_age" validate:"gte=0"`
}

// Config is the full engine configuration.
type Config struct {
	Store        store.Config               `koanf:"store"`
	Cache        CacheConfig                `koanf:"cache"`
	Read         readpath.Config            `koanf:"read"`
	Write        mutation.Config            `koanf:"write"`
	Sync         replay.Config              `koanf:"sync"`
	Trigger      connectivity.TriggerConfig `koanf:"trigger"`
	Connectivity connectivity.Config        `koanf:"connectivity"`
	Bus          bus.Config                 `koanf:"bus"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Store: store.DefaultConfig(),
		Cache: CacheConfig{
			MemoryTables: 64,
			MemoryTTL:    10 * time.Minute,
			MaxAge:       cache.DefaultMaxAge,
		},
		Read:         readpath.DefaultConfig(),
		Write:        mutation.DefaultConfig(),
		Sync:         replay.DefaultConfig(),
		Trigger:      connectivity.DefaultTriggerConfig(),
		Connectivity: connectivity.DefaultConfig(),
		Bus:          bus.DefaultConfig(),
	}
}

// Option customizes Open.
type Option func(*options)

type options struct {
	store   *store.Store
	bus     *bus.Bus
	monitor *connectivity.Monitor
}

// WithStore uses an already open store. The engine does not close it.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBus attaches the engine to a shared bus. The engine does not close it.
func WithBus(b *bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithMonitor shares a connectivity monitor between engines.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// healthChecker is implemented by backends that expose a health endpoint.
type healthChecker interface {
	HealthURL() string
}

// Engine is one execution context of the data layer.
type Engine struct {
	id      string
	cfg     Config
	backend remote.Backend

	store     *store.Store
	ownsStore bool
	bus       *bus.Bus
	ownsBus   bool

	tables  *cache.Tables
	queries *cache.Queries
	files   *cache.Files

	queue    *mutation.Queue
	writer   *mutation.Writer
	replayer *replay.Engine
	reader   *readpath.Reader
	monitor  *connectivity.Monitor
	trigger  *connectivity.Trigger

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	warming atomic.Bool

	mu     sync.Mutex
	closed bool
	unsubs []func()
}

// Open builds an engine around backend.
func Open(ctx context.Context, cfg Config, backend remote.Backend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{id: uuid.NewString(), cfg: cfg, backend: backend}

	if o.store != nil {
		e.store = o.store
	} else {
		s, err := store.Open(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		e.store, e.ownsStore = s, true
	}

	if o.bus != nil {
		e.bus = o.bus
	} else {
		e.bus, e.ownsBus = bus.New(cfg.Bus), true
	}

	if o.monitor != nil {
		e.monitor = o.monitor
	} else {
		connCfg := cfg.Connectivity
		if hc, ok := backend.(healthChecker); ok && connCfg.CheckURL == "" {
			connCfg.CheckURL = hc.HealthURL()
		}
		e.monitor = connectivity.NewMonitor(connCfg)
	}

	pub := &publisher{bus: e.bus, source: e.id}

	e.tables = cache.NewTables(e.store, cfg.Cache.MemoryTables, cfg.Cache.MemoryTTL)
	e.queries = cache.NewQueries(e.store)
	e.files = cache.NewFiles(e.store)

	e.queue = mutation.NewQueue(e.store)
	e.replayer = replay.New(cfg.Sync, e.store, e.queue, backend)
	e.replayer.SetPublisher(pub)
	e.trigger = connectivity.NewTrigger(cfg.Trigger, e.replayer, e.monitor.Online)

	e.writer = mutation.NewWriter(cfg.Write, e.queue, backend)
	e.writer.SetConnectivity(e.monitor)
	e.writer.SetPublisher(pub)
	e.writer.SetSyncRequester(e.trigger)

	e.reader = readpath.New(cfg.Read, backend, e.queries, e.tables)
	e.reader.SetConnectivity(e.monitor)

	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.wire(pub)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.trigger.Serve(e.runCtx)
	}()

	if _, err := e.queue.PruneOrphans(ctx, orphanGrace); err != nil {
		logging.Warn().Err(err).Msg("Failed to prune orphaned attachments")
	}

	// Writes left over from an earlier session.
	if n, err := e.queue.Len(ctx); err == nil && n > 0 {
		logging.Info().Int("pending", n).Str("engine", e.id).Msg("Pending mutations found on open")
		e.trigger.Request()
	}
	if e.monitor.Online() {
		e.warmAsync()
	}

	logging.Info().
		Str("engine", e.id).
		Bool("online", e.monitor.Online()).
		Str("write_mode", string(cfg.Write.Mode)).
		Msg("Offline engine opened")
	return e, nil
}

// wire connects connectivity transitions and peer events to the runner and
// the read path.
func (e *Engine) wire(pub *publisher) {
	stopConn := e.monitor.OnChange(func(online bool) {
		typ := bus.EventOffline
		if online {
			typ = bus.EventOnline
		}
		if err := pub.Publish(context.Background(), bus.Event{Type: typ}); err != nil && !errors.Is(err, bus.ErrClosed) {
			logging.Warn().Err(err).Msg("Failed to publish connectivity event")
		}
		if online {
			e.trigger.Request()
			e.reader.Refresh()
			e.warmAsync()
		}
	})

	stopBus := e.bus.Subscribe(func(ev bus.Event) {
		if ev.Source == e.id {
			return
		}
		switch ev.Type {
		case bus.EventQueued:
			e.trigger.Request()
		case bus.EventSynced:
			e.reader.Refresh()
		}
	})

	e.unsubs = append(e.unsubs, stopConn, stopBus)
}

// warmAsync refreshes the configured table snapshots in the background.
// A warm-up already running absorbs the request.
func (e *Engine) warmAsync() {
	if len(e.cfg.Read.Warm.Tables) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.warming.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.warming.Store(false)
		e.reader.Warm(e.runCtx)
	}()
}

// publisher stamps events with the engine ID before handing them to the bus.
type publisher struct {
	bus    *bus.Bus
	source string
}

func (p *publisher) Publish(ctx context.Context, ev bus.Event) error {
	ev.Source = p.source
	return p.bus.Publish(ctx, ev)
}

// ID identifies this engine on the bus.
func (e *Engine) ID() string { return e.id }

// Close stops the background runner and releases what the engine opened.
// A replay pass in progress finishes its current record first.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	e.cancel()
	e.wg.Wait()
	e.reader.Wait()

	var errs []error
	if e.ownsBus {
		if err := e.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if e.ownsStore {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	logging.Info().Str("engine", e.id).Msg("Offline engine closed")
	return errors.Join(errs...)
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Store returns the local store.
func (e *Engine) Store() *store.Store { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Monitor returns the connectivity monitor. Its Serve method runs the
// periodic check and is meant for a supervisor.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Trigger returns the background sync runner.
func (e *Engine) Trigger() *connectivity.Trigger { return e.trigger }
