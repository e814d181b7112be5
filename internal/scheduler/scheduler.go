// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package scheduler runs the periodic maintenance jobs of an engine: a
// scheduled sync request, the cached query cleanup and the table snapshot
// warm-up.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/readpath"
)

// Job names.
const (
	JobSync    = "sync"
	JobCleanup = "cache-cleanup"
	JobWarm    = "warm-tables"
)

// Config configures the scheduler. Specs use the standard five field cron
// syntax or descriptors such as "@every 5m". An empty spec disables the job.
type Config struct {
	Enabled     bool   `koanf:"enabled"`
	SyncSpec    string `koanf:"sync_spec"`
	CleanupSpec string `koanf:"cleanup_spec"`
	WarmSpec    string `koanf:"warm_spec"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		SyncSpec:    "@every 5m",
		CleanupSpec: "@every 1h",
		WarmSpec:    "@every 30m",
	}
}

// Target is what the jobs act on.
type Target interface {
	TriggerSync(force bool)
	CleanupCache(ctx context.Context) (int, error)
	WarmTables(ctx context.Context, tables ...string) readpath.WarmReport
}

// Entry describes a scheduled job.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Scheduler wraps a cron instance.
type Scheduler struct {
	cfg    Config
	target Target
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
}

// New validates the specs and registers the jobs. Nothing runs until Serve.
func New(cfg Config, target Target) (*Scheduler, error) {
	log := cronLogger{}
	s := &Scheduler{
		cfg:    cfg,
		target: target,
		cron: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
	if !cfg.Enabled {
		return s, nil
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{JobSync, cfg.SyncSpec, s.runSync},
		{JobCleanup, cfg.CleanupSpec, s.runCleanup},
		{JobWarm, cfg.WarmSpec, s.runWarm},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		id, err := s.cron.AddFunc(j.spec, j.fn)
		if err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.spec, err)
		}
		s.entries[j.name] = id
		s.specs[j.name] = j.spec
	}
	return s, nil
}

// Run executes a job immediately on the calling goroutine.
func (s *Scheduler) Run(name string) error {
	switch name {
	case JobSync:
		s.runSync()
	case JobCleanup:
		s.runCleanup()
	case JobWarm:
		s.runWarm()
	default:
		return fmt.Errorf("unknown job %q", name)
	}
	return nil
}

func (s *Scheduler) runSync() {
	logging.Debug().Msg("Scheduled sync request")
	s.target.TriggerSync(false)
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	removed, err := s.target.CleanupCache(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Scheduled cache cleanup failed")
		return
	}
	logging.Debug().Int("removed", removed).Msg("Scheduled cache cleanup finished")
}

func (s *Scheduler) runWarm() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	report := s.target.WarmTables(ctx)
	if len(report.Failed) > 0 {
		logging.Warn().Int("failed", len(report.Failed)).Msg("Scheduled table warm-up incomplete")
	}
}

// Entries lists scheduled jobs sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.cron.Entry(id)
		out = append(out, Entry{Name: name, Spec: s.specs[name], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Serve implements suture.Service. Running jobs are allowed to finish when
// ctx ends.
func (s *Scheduler) Serve(ctx context.Context) error {
	if len(s.entries) == 0 {
		logging.Info().Msg("Scheduler is disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	logging.Info().Int("jobs", len(s.entries)).Msg("Starting scheduler")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	logging.Info().Msg("Stopped scheduler")
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// cronLogger routes cron's logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
