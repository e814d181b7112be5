// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/offlinesync/internal/value"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(c.snapshot()))
	return nil
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(DefaultConfig())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := newTestBus(t)
	var c collector
	defer b.Subscribe(c.handle)()

	ctx := context.Background()
	for i := uint64(1); i <= 20; i++ {
		if err := b.Publish(ctx, Event{Type: EventQueued, Table: "students", MutationID: i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := c.waitFor(t, 20)
	for i, e := range got {
		if e.MutationID != uint64(i+1) {
			t.Fatalf("event %d has mutation id %d, order not preserved", i, e.MutationID)
		}
		if e.Origin != b.ID() || e.Timestamp == 0 {
			t.Errorf("event not stamped: %+v", e)
		}
	}
}

func TestEveryContextReceivesEvents(t *testing.T) {
	b := newTestBus(t)
	var c1, c2 collector
	defer b.Subscribe(c1.handle)()
	defer b.Subscribe(c2.handle)()

	if err := b.Publish(context.Background(), Event{Type: EventSynced}); err != nil {
		t.Fatal(err)
	}
	c1.waitFor(t, 1)
	c2.waitFor(t, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	var c collector
	unsubscribe := b.Subscribe(c.handle)

	ctx := context.Background()
	_ = b.Publish(ctx, Event{Type: EventQueued})
	c.waitFor(t, 1)

	unsubscribe()
	unsubscribe()
	time.Sleep(20 * time.Millisecond)
	_ = b.Publish(ctx, Event{Type: EventQueued})
	time.Sleep(50 * time.Millisecond)

	if n := len(c.snapshot()); n != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", n)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	b := newTestBus(t)
	var c collector
	defer b.Subscribe(c.handle)()
	defer b.Subscribe(func(e Event) {
		if e.Type == EventQueued {
			_ = b.Publish(context.Background(), Event{Type: EventSynced})
		}
	})()

	if err := b.Publish(context.Background(), Event{Type: EventQueued}); err != nil {
		t.Fatal(err)
	}
	got := c.waitFor(t, 2)
	if got[0].Type != EventQueued || got[1].Type != EventSynced {
		t.Errorf("unexpected events %+v", got)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := newTestBus(t)
	var c collector
	defer b.Subscribe(func(Event) { panic("boom") })()
	defer b.Subscribe(c.handle)()

	ctx := context.Background()
	_ = b.Publish(ctx, Event{Type: EventQueued})
	_ = b.Publish(ctx, Event{Type: EventQueued})
	c.waitFor(t, 2)
}

func TestPublishAfterClose(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), Event{Type: EventQueued}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestIsLocal(t *testing.T) {
	b := newTestBus(t)
	if !b.IsLocal(Event{Origin: b.ID()}) || !b.IsLocal(Event{}) {
		t.Error("expected local")
	}
	if b.IsLocal(Event{Origin: "other"}) {
		t.Error("expected peer event")
	}
}

func TestEventJSON(t *testing.T) {
	e := Event{
		Type:       EventSyncError,
		Table:      "students",
		MutationID: 3,
		Timestamp:  1700000000000,
		Error:      "boom",
		IDMap:      value.Map{"__tmp_1": value.Int(42)},
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"type":"sync-error"`, `"mutationId":3`, `"timestamp":1700000000000`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("encoded event %s missing %s", data, want)
		}
	}

	back, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.MutationID != 3 || !value.Equal(back.IDMap.Get("__tmp_1"), value.Int(42)) {
		t.Errorf("unexpected round trip %+v", back)
	}
	if !back.Time().Equal(time.UnixMilli(1700000000000)) {
		t.Error("unexpected time")
	}

	if _, err := DecodeEvent([]byte(`{"type":"bogus","timestamp":1}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}
