// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockService runs until canceled, optionally failing its first runs.
type mockService struct {
	name       string
	startCount atomic.Int32
	failCount  atomic.Int32
	maxFails   int32
}

func newMockService(name string) *mockService { return &mockService{name: name} }

func (m *mockService) Serve(ctx context.Context) error {
	m.startCount.Add(1)
	if m.maxFails > 0 && m.failCount.Add(1) <= m.maxFails {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) String() string { return m.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitStarted(t *testing.T, svcs ...*mockService) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, svc := range svcs {
		for svc.startCount.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("%s was not started", svc.name)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{FailureBackoff: time.Second})
	cfg := tree.Config()
	if cfg.FailureThreshold != 5 || cfg.FailureDecay != 30 || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.FailureBackoff != time.Second {
		t.Errorf("explicit backoff overwritten: %v", cfg.FailureBackoff)
	}
}

func TestInstallStartsEveryLayer(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})

	gc := newMockService("store-gc")
	monitor := newMockService("monitor")
	hub := newMockService("hub")
	tree.Install(Services{StoreGC: gc, Monitor: monitor, Hub: hub})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	waitStarted(t, gc, monitor, hub)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down in time")
	}
}

func TestFailingServiceIsRestartedInIsolation(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	bridge := newMockService("nats-bridge")
	bridge.maxFails = 2
	httpSvc := newMockService("http")
	tree.AddSyncService(bridge)
	tree.AddAPIService(httpSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for bridge.startCount.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := bridge.startCount.Load(); got < 3 {
		t.Errorf("expected at least 3 starts, got %d", got)
	}
	if httpSvc.startCount.Load() != 1 {
		t.Errorf("api layer restarted: %d starts", httpSvc.startCount.Load())
	}
}

// fakeHTTPServer blocks in ListenAndServe until Shutdown.
type fakeHTTPServer struct {
	listenErr error
	started   chan struct{}
	stop      chan struct{}
	once      sync.Once
	shutdowns atomic.Int32
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{started: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	f.started <- struct{}{}
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	f.once.Do(func() { close(f.stop) })
	return nil
}

func TestHTTPServerServiceGracefulShutdown(t *testing.T) {
	srv := newFakeHTTPServer()
	svc := NewHTTPServerService(srv, time.Second)
	if svc.String() != "http-server" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	<-srv.started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v", err)
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("Shutdown called %d times", srv.shutdowns.Load())
	}
}

func TestHTTPServerServiceListenFailure(t *testing.T) {
	srv := newFakeHTTPServer()
	srv.listenErr = errors.New("address already in use")
	svc := NewHTTPServerService(srv, 0)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Errorf("expected listen error, got %v", err)
	}
}
