// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package connectivity

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/replay"
)

// TriggerConfig configures the background sync runner.
type TriggerConfig struct {
	// MinInterval is the minimum time between two unforced passes.
	MinInterval time.Duration `koanf:"min_interval" validate:"min=0"`

	// RetryBase and RetryMax bound the exponential delay before a pass that
	// left records in the queue is retried.
	RetryBase time.Duration `koanf:"retry_base" validate:"min=0"`
	RetryMax  time.Duration `koanf:"retry_max" validate:"min=0"`

	// JitterFraction randomizes retry delays by +/- this fraction.
	JitterFraction float64 `koanf:"jitter_fraction" validate:"min=0,max=1"`

	// RandomSeed makes jitter reproducible when non-zero.
	RandomSeed int64 `koanf:"-"`
}

// DefaultTriggerConfig returns production defaults.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		MinInterval:    10 * time.Second,
		RetryBase:      2 * time.Second,
		RetryMax:       60 * time.Second,
		JitterFraction: 0.1,
	}
}

// Syncer runs one replay pass.
type Syncer interface {
	Sync(ctx context.Context) (replay.Report, error)
}

// Status describes the runner for health endpoints.
type Status struct {
	LastRun    time.Time      `json:"last_run"`
	LastError  string         `json:"last_error,omitempty"`
	Failures   int            `json:"consecutive_failures"`
	NextRetry  time.Time      `json:"next_retry"`
	LastReport *replay.Report `json:"last_report,omitempty"`
}

// Trigger coalesces sync requests into single passes. Requests arriving
// while a pass runs result in exactly one follow-up pass.
type Trigger struct {
	cfg    TriggerConfig
	syncer Syncer
	online func() bool
	now    func() time.Time

	wake   chan struct{}
	forced atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	lastRun   time.Time
	lastErr   error
	failures  int
	nextRetry time.Time
	report    *replay.Report
}

// NewTrigger creates a runner. online may be nil, in which case the device
// is always treated as online.
func NewTrigger(cfg TriggerConfig, s Syncer, online func() bool) *Trigger {
	def := DefaultTriggerConfig()
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Trigger{
		cfg:    cfg,
		syncer: s,
		online: online,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // jitter only
	}
}

// Request asks for a pass. It never blocks; the pass runs on the Serve
// goroutine subject to the minimum interval and the connectivity check.
func (t *Trigger) Request() {
	t.signal()
}

// RequestForced asks for a pass that skips the minimum interval and the
// connectivity check.
func (t *Trigger) RequestForced() {
	t.forced.Store(true)
	t.signal()
}

func (t *Trigger) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the runner state.
func (t *Trigger) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		LastRun:    t.lastRun,
		Failures:   t.failures,
		NextRetry:  t.nextRetry,
		LastReport: t.report,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}

// Serve implements suture.Service.
func (t *Trigger) Serve(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		case <-timer.C:
		}

		wait := t.run(ctx, t.forced.Swap(false))
		if wait > 0 {
			timer.Reset(wait)
		}
	}
}

// run executes a pass when allowed and returns how long to wait before the
// next automatic attempt, or zero for none.
func (t *Trigger) run(ctx context.Context, force bool) time.Duration {
	if !force {
		if !t.online() {
			logging.Debug().Msg("Sync request ignored while offline")
			return 0
		}
		t.mu.Lock()
		last := t.lastRun
		t.mu.Unlock()
		if since := t.now().Sub(last); !last.IsZero() && since < t.cfg.MinInterval {
			return t.cfg.MinInterval - since
		}
	}

	report, err := t.syncer.Sync(ctx)
	if errors.Is(err, replay.ErrSyncInProgress) {
		// The running pass will pick up whatever prompted this request.
		return t.cfg.RetryBase
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRun = t.now()
	t.lastErr = err
	if err == nil {
		t.report = &report
	}

	if err == nil && report.Remaining == 0 {
		t.failures = 0
		t.nextRetry = time.Time{}
		return 0
	}
	if ctx.Err() != nil {
		return 0
	}

	delay := t.backoffLocked(t.failures)
	t.failures++
	t.nextRetry = t.lastRun.Add(delay)
	logging.Info().
		Err(err).
		Int("remaining", report.Remaining).
		Int("failures", t.failures).
		Dur("retry_in", delay).
		Msg("Sync pass left work behind, scheduling retry")
	return delay
}

// backoffLocked returns RetryBase * 2^failures capped at RetryMax, with
// jitter applied.
func (t *Trigger) backoffLocked(failures int) time.Duration {
	backoff := float64(t.cfg.RetryBase) * math.Pow(2, float64(failures))
	if backoff > float64(t.cfg.RetryMax) {
		backoff = float64(t.cfg.RetryMax)
	}

	t.rngMu.Lock()
	jitter := backoff * t.cfg.JitterFraction * (t.rng.Float64()*2 - 1)
	t.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}

func (t *Trigger) String() string { return "sync-trigger" }
