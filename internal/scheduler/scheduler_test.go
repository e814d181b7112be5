// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/offlinesync/internal/readpath"
)

type fakeTarget struct {
	syncs    atomic.Int32
	cleanups atomic.Int32
	warms    atomic.Int32
	err      error
}

func (f *fakeTarget) TriggerSync(force bool) {
	if !force {
		f.syncs.Add(1)
	}
}

func (f *fakeTarget) CleanupCache(context.Context) (int, error) {
	f.cleanups.Add(1)
	return 3, f.err
}

func (f *fakeTarget) WarmTables(context.Context, ...string) readpath.WarmReport {
	f.warms.Add(1)
	return readpath.WarmReport{Failed: map[string]string{"students": "timeout"}}
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := New(Config{Enabled: true, SyncSpec: "every now and then"}, &fakeTarget{})
	if err == nil {
		t.Error("expected invalid spec error")
	}
}

func TestDisabledSchedulerHasNoEntries(t *testing.T) {
	s, err := New(Config{Enabled: false, SyncSpec: "@every 1m"}, &fakeTarget{})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Entries()) != 0 {
		t.Errorf("unexpected entries %+v", s.Entries())
	}
}

func TestRunJobs(t *testing.T) {
	target := &fakeTarget{err: errors.New("disk full")}
	s, err := New(DefaultConfig(), target)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Run(JobSync); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(JobCleanup); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(JobWarm); err != nil {
		t.Fatal(err)
	}
	if err := s.Run("compact"); err == nil {
		t.Error("expected unknown job error")
	}
	if target.syncs.Load() != 1 || target.cleanups.Load() != 1 || target.warms.Load() != 1 {
		t.Errorf("syncs=%d cleanups=%d warms=%d", target.syncs.Load(), target.cleanups.Load(), target.warms.Load())
	}

	entries := s.Entries()
	if len(entries) != 3 || entries[0].Name != JobCleanup || entries[1].Spec != "@every 5m" || entries[2].Name != JobWarm {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestServeFiresScheduledJobs(t *testing.T) {
	target := &fakeTarget{}
	s, err := New(Config{Enabled: true, SyncSpec: "@every 1s"}, target)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for target.syncs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	if target.syncs.Load() == 0 {
		t.Error("scheduled sync did not fire")
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v", err)
	}
}
