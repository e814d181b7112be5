// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package connectivity tracks whether the remote backend is reachable and
// decides when a replay pass should run.
//
// The Monitor does not trust platform signals on their own: an "online"
// signal is confirmed with a real HEAD request before the state flips, while
// an "offline" signal takes effect immediately. A periodic check catches the
// case where the link is up but no data flows.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
)

// Config configures the connectivity monitor.
type Config struct {
	// CheckURL is requested first. Usually the backend health endpoint.
	CheckURL string `koanf:"check_url" validate:"omitempty,url"`

	// FallbackURL is requested when CheckURL fails.
	FallbackURL string `koanf:"fallback_url" validate:"omitempty,url"`

	CheckTimeout time.Duration `koanf:"check_timeout" validate:"min=0"`

	// Interval between periodic checks. Zero disables them.
	Interval time.Duration `koanf:"interval" validate:"min=0"`

	// InitialOnline is the state assumed before the first check.
	InitialOnline bool `koanf:"initial_online"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:  2 * time.Second,
		Interval:      30 * time.Second,
		InitialOnline: true,
	}
}

// Listener is called after every online/offline transition.
type Listener func(online bool)

// Monitor holds the current connectivity state.
type Monitor struct {
	cfg    Config
	client *http.Client

	online   atomic.Bool
	checking atomic.Bool

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

// NewMonitor creates a monitor in cfg.InitialOnline state.
func NewMonitor(cfg Config) *Monitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	m := &Monitor{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.CheckTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		listeners: make(map[uint64]Listener),
	}
	m.online.Store(cfg.InitialOnline)
	if cfg.InitialOnline {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	return m
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers fn for transitions and returns a function removing it.
func (m *Monitor) OnChange(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline feeds a platform signal into the monitor. Going offline is
// applied directly; going online is confirmed by a check when check URLs
// are configured.
func (m *Monitor) SetOnline(ctx context.Context, online bool) bool {
	if !online {
		m.set(false)
		return false
	}
	if m.cfg.CheckURL == "" && m.cfg.FallbackURL == "" {
		m.set(true)
		return true
	}
	return m.Check(ctx)
}

// Check requests the configured URLs and updates the state. Without check
// URLs it returns the current state unchanged. Concurrent calls do not
// stack: a call made while a check is running returns the current state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.cfg.CheckURL == "" && m.cfg.FallbackURL == "" {
		return m.Online()
	}
	if !m.checking.CompareAndSwap(false, true) {
		return m.Online()
	}
	defer m.checking.Store(false)

	reachable := false
	for _, u := range []string{m.cfg.CheckURL, m.cfg.FallbackURL} {
		if u == "" {
			continue
		}
		if err := m.ping(ctx, u); err != nil {
			logging.Debug().Err(err).Str("url", u).Msg("Connectivity check failed")
			continue
		}
		reachable = true
		break
	}
	if !reachable && m.Online() {
		logging.Warn().Msg("Real connectivity check failed, going offline")
	}
	m.set(reachable)
	return reachable
}

// ping succeeds on any HTTP response. Only transport failures count as
// unreachable.
func (m *Monitor) ping(ctx context.Context, u string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (m *Monitor) set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	metrics.SetOnline(online)
	logging.Info().Bool("online", online).Msg("Connectivity changed")

	m.mu.Lock()
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Serve implements suture.Service: an immediate check, then one every
// Interval until ctx ends.
func (m *Monitor) Serve(ctx context.Context) error {
	m.Check(ctx)
	if m.cfg.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) String() string { return "connectivity-monitor" }
