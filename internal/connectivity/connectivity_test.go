// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/offlinesync/internal/replay"
)

func healthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonitorCheckAnyResponseIsOnline(t *testing.T) {
	srv := healthServer(t)
	m := NewMonitor(Config{CheckURL: srv.URL, CheckTimeout: time.Second})

	if !m.Check(context.Background()) || !m.Online() {
		t.Error("a 503 response still proves the backend is reachable")
	}
}

func TestMonitorFallbackURL(t *testing.T) {
	srv := healthServer(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	m := NewMonitor(Config{CheckURL: dead.URL, FallbackURL: srv.URL, CheckTimeout: time.Second})
	if !m.Check(context.Background()) {
		t.Error("expected the fallback check to succeed")
	}
}

func TestMonitorUnreachableGoesOffline(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	m := NewMonitor(Config{CheckURL: dead.URL, CheckTimeout: time.Second, InitialOnline: true})
	var transitions []bool
	m.OnChange(func(online bool) { transitions = append(transitions, online) })

	if m.Check(context.Background()) {
		t.Fatal("expected offline")
	}
	if len(transitions) != 1 || transitions[0] {
		t.Errorf("unexpected transitions %v", transitions)
	}

	// No transition, no callback.
	m.Check(context.Background())
	if len(transitions) != 1 {
		t.Errorf("listener fired without a transition: %v", transitions)
	}
}

func TestMonitorSetOnline(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	ctx := context.Background()

	t.Run("offline signal applies immediately", func(t *testing.T) {
		m := NewMonitor(Config{InitialOnline: true})
		m.SetOnline(ctx, false)
		if m.Online() {
			t.Error("expected offline")
		}
	})

	t.Run("online signal without check URLs is trusted", func(t *testing.T) {
		m := NewMonitor(Config{})
		if !m.SetOnline(ctx, true) || !m.Online() {
			t.Error("expected online")
		}
	})

	t.Run("online signal is verified", func(t *testing.T) {
		m := NewMonitor(Config{CheckURL: dead.URL, CheckTimeout: time.Second})
		if m.SetOnline(ctx, true) || m.Online() {
			t.Error("an unverified online signal must not flip the state")
		}
	})
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor(Config{InitialOnline: true})
	var calls atomic.Int32
	stop := m.OnChange(func(bool) { calls.Add(1) })
	m.SetOnline(context.Background(), false)
	stop()
	m.SetOnline(context.Background(), true)
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

type fakeSyncer struct {
	mu      sync.Mutex
	calls   int
	reports []replay.Report
	errs    []error
	ran     chan struct{}
}

func (f *fakeSyncer) Sync(context.Context) (replay.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	var (
		r   replay.Report
		err error
	)
	if i < len(f.reports) {
		r = f.reports[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return r, err
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testTriggerConfig() TriggerConfig {
	return TriggerConfig{
		MinInterval: 10 * time.Second,
		RetryBase:   2 * time.Second,
		RetryMax:    60 * time.Second,
		RandomSeed:  1,
	}
}

func TestTriggerSkipsWhileOffline(t *testing.T) {
	s := &fakeSyncer{}
	tr := NewTrigger(testTriggerConfig(), s, func() bool { return false })

	if wait := tr.run(context.Background(), false); wait != 0 || s.count() != 0 {
		t.Errorf("offline run: wait=%v calls=%d", wait, s.count())
	}
	tr.run(context.Background(), true)
	if s.count() != 1 {
		t.Error("forced run must ignore connectivity")
	}
}

func TestTriggerMinInterval(t *testing.T) {
	s := &fakeSyncer{}
	tr := NewTrigger(testTriggerConfig(), s, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	tr.run(ctx, false)
	now = now.Add(4 * time.Second)
	wait := tr.run(ctx, false)
	if s.count() != 1 || wait != 6*time.Second {
		t.Errorf("expected debounce with 6s left, got calls=%d wait=%v", s.count(), wait)
	}

	tr.run(ctx, true)
	if s.count() != 2 {
		t.Error("forced run must ignore the minimum interval")
	}
}

func TestTriggerBacksOffWhileWorkRemains(t *testing.T) {
	s := &fakeSyncer{
		reports: []replay.Report{{Remaining: 1}, {Remaining: 1}, {Remaining: 0}},
	}
	cfg := testTriggerConfig()
	cfg.MinInterval = 0
	tr := NewTrigger(cfg, s, nil)
	ctx := context.Background()

	first := tr.run(ctx, false)
	second := tr.run(ctx, false)
	if first != 2*time.Second || second != 4*time.Second {
		t.Errorf("expected 2s then 4s without jitter, got %v %v", first, second)
	}
	if st := tr.Status(); st.Failures != 2 || st.NextRetry.IsZero() {
		t.Errorf("unexpected status %+v", st)
	}

	if wait := tr.run(ctx, false); wait != 0 {
		t.Errorf("drained queue should not schedule a retry, got %v", wait)
	}
	if st := tr.Status(); st.Failures != 0 || st.LastReport == nil {
		t.Errorf("expected reset status, got %+v", st)
	}
}

func TestTriggerBackoffCapAndJitter(t *testing.T) {
	cfg := testTriggerConfig()
	cfg.JitterFraction = 0.1
	tr := NewTrigger(cfg, &fakeSyncer{}, nil)

	for failures := 0; failures < 10; failures++ {
		d := tr.backoffLocked(failures)
		if d > 66*time.Second {
			t.Fatalf("backoff %v exceeds cap plus jitter", d)
		}
		if d < 1800*time.Millisecond {
			t.Fatalf("backoff %v below base minus jitter", d)
		}
	}
}

func TestTriggerPassErrorSchedulesRetry(t *testing.T) {
	s := &fakeSyncer{errs: []error{errors.New("store closed")}}
	cfg := testTriggerConfig()
	cfg.MinInterval = 0
	tr := NewTrigger(cfg, s, nil)

	if wait := tr.run(context.Background(), false); wait <= 0 {
		t.Error("expected a retry after a failed pass")
	}
	if tr.Status().LastError != "store closed" {
		t.Errorf("unexpected status %+v", tr.Status())
	}
}

func TestTriggerServeRunsOnRequest(t *testing.T) {
	s := &fakeSyncer{ran: make(chan struct{}, 1)}
	tr := NewTrigger(testTriggerConfig(), s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()

	tr.Request()
	select {
	case <-s.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not run after Request")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v", err)
	}
}
