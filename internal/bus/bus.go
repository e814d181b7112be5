// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package bus broadcasts sync events between execution contexts.
//
// A Bus is backed by a Watermill GoChannel. Every subscriber sees every event
// in publish order: publishing waits until each subscriber has taken the
// message, and each subscriber runs its handler from its own mailbox
// goroutine, so handlers may publish or subscribe without deadlocking the bus.
//
// Events carry the id of the bus that published them. A Bridge (NATS, built
// with -tags nats) relays locally originated events to other processes and
// injects theirs, so engines sharing a queue observe each other.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Config configures the in-process bus.
type Config struct {
	// Topic is the GoChannel topic events travel on.
	Topic string `koanf:"topic"`

	// OutputBuffer is the per-subscriber channel buffer.
	OutputBuffer int64 `koanf:"output_buffer" validate:"gte=0"`
}

// DefaultConfig returns bus defaults.
func DefaultConfig() Config {
	return Config{Topic: "offlinesync.events", OutputBuffer: 64}
}

// Handler receives events.
type Handler func(Event)

// Bus is an in-process publish/subscribe channel for Events.
type Bus struct {
	id     string
	topic  string
	pubsub *gochannel.GoChannel

	pubMu  sync.Mutex
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a bus with a fresh origin id.
func New(cfg Config) *Bus {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig().Topic
	}
	return &Bus{
		id:    uuid.NewString(),
		topic: cfg.Topic,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            cfg.OutputBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermillAdapter()),
	}
}

// ID returns the origin id stamped on locally published events.
func (b *Bus) ID() string {
	return b.id
}

// IsLocal reports whether e was published on this bus.
func (b *Bus) IsLocal(e Event) bool {
	return e.Origin == "" || e.Origin == b.id
}

// Publish stamps e with this bus as origin (unless already set) and the
// current time (unless already set) and delivers it to every subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Origin == "" {
		e.Origin = b.id
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	direction := "published"
	if !b.IsLocal(e) {
		direction = "injected"
	}
	if err := b.publish(ctx, e); err != nil {
		return err
	}
	metrics.RecordBusEvent(string(e.Type), direction)
	return nil
}

func (b *Bus) publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := e.Encode()
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("type", string(e.Type))
	msg.Metadata.Set("origin", e.Origin)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pubsub.Publish(b.topic, msg)
}

// Subscribe registers h for every subsequent event and returns a function
// that removes the subscription. The returned function is idempotent.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := b.pubsub.Subscribe(ctx, b.topic)
	if err != nil {
		cancel()
		logging.Warn().Err(err).Msg("Event bus subscription failed")
		return func() {}
	}

	box := newMailbox()
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		defer box.close()
		for msg := range msgs {
			msg.Ack()
			e, err := DecodeEvent(msg.Payload)
			if err != nil {
				logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping undecodable event")
				continue
			}
			box.put(e)
		}
	}()
	go func() {
		defer b.wg.Done()
		for {
			e, ok := box.take()
			if !ok {
				return
			}
			metrics.RecordBusEvent(string(e.Type), "received")
			dispatch(h, e)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }
}

func dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("event_type", string(e.Type)).Msg("Event handler panicked")
		}
	}()
	h(e)
}

// Close stops delivery and waits for subscriber goroutines to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

// mailbox is an unbounded FIFO between a subscription's receive loop and
// its handler, so a slow handler never holds up publishers.
type mailbox struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
	done   bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(e Event) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()
	m.notify()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
	m.notify()
}

func (m *mailbox) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// take blocks until an event is available. It returns false once the
// mailbox is closed and drained.
func (m *mailbox) take() (Event, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			e := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			return e, true
		}
		done := m.done
		m.mu.Unlock()
		if done {
			return Event{}, false
		}
		<-m.signal
	}
}
