// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

//go:build nats

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
)

// NATSAvailable reports whether the bridge is compiled in.
const NATSAvailable = true

// Bridge relays events between a local Bus and a NATS subject. Core NATS
// (no JetStream, no queue group) is used so every process receives every
// event; sync events are ephemeral and need no persistence.
type Bridge struct {
	bus       *Bus
	cfg       NATSConfig
	logger    watermill.LoggerAdapter
	server    *server.Server
	publisher message.Publisher
	sub       message.Subscriber

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

// NewBridge connects b to NATS, starting an embedded server first when
// configured.
func NewBridge(b *Bus, cfg NATSConfig) (*Bridge, error) {
	logger := logging.NewWatermillAdapter()
	br := &Bridge{bus: b, cfg: cfg, logger: logger}

	url := cfg.URL
	if cfg.EmbeddedServer {
		ns, err := startEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		br.server = ns
		url = ns.ClientURL()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		br.shutdownServer()
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}
	br.publisher = pub

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		SubscribersCount: 1,
		CloseTimeout:     cfg.CloseTimeout,
		AckWaitTimeout:   30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		br.shutdownServer()
		return nil, fmt.Errorf("create NATS subscriber: %w", err)
	}
	br.sub = sub

	return br, nil
}

func startEmbeddedServer(cfg NATSConfig) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "offlinesync-events",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		MaxPayload: 8 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}
	logging.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server started")
	return ns, nil
}

// ClientURL returns the embedded server URL, or the configured URL.
func (br *Bridge) ClientURL() string {
	if br.server != nil {
		return br.server.ClientURL()
	}
	return br.cfg.URL
}

// Serve relays events until ctx ends. It implements suture.Service.
func (br *Bridge) Serve(ctx context.Context) error {
	incoming, err := br.sub.Subscribe(ctx, br.cfg.Subject)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", br.cfg.Subject, err)
	}

	unsubscribe := br.bus.Subscribe(func(e Event) {
		if !br.bus.IsLocal(e) {
			return
		}
		if err := br.forward(e); err != nil {
			logging.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to forward event to NATS")
		}
	})
	br.mu.Lock()
	br.unsubscribe = unsubscribe
	br.mu.Unlock()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			br.inject(ctx, msg)
		}
	}
}

func (br *Bridge) forward(e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("type", string(e.Type))
	if err := br.publisher.Publish(br.cfg.Subject, msg); err != nil {
		return err
	}
	metrics.RecordBusEvent(string(e.Type), "bridged_out")
	return nil
}

func (br *Bridge) inject(ctx context.Context, msg *message.Message) {
	defer msg.Ack()
	e, err := DecodeEvent(msg.Payload)
	if err != nil {
		logging.Warn().Err(err).Msg("Dropping undecodable NATS event")
		return
	}
	// NATS echoes our own publications back.
	if e.Origin == br.bus.ID() {
		return
	}
	metrics.RecordBusEvent(string(e.Type), "bridged_in")
	if err := br.bus.Publish(ctx, e); err != nil {
		logging.Warn().Err(err).Msg("Failed to inject NATS event")
	}
}

// Close disconnects from NATS and stops the embedded server.
func (br *Bridge) Close() error {
	br.mu.Lock()
	if br.closed {
		br.mu.Unlock()
		return nil
	}
	br.closed = true
	if br.unsubscribe != nil {
		br.unsubscribe()
	}
	br.mu.Unlock()

	var firstErr error
	if err := br.publisher.Close(); err != nil {
		firstErr = err
	}
	if err := br.sub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	br.shutdownServer()
	return firstErr
}

func (br *Bridge) shutdownServer() {
	if br.server != nil {
		br.server.Shutdown()
		br.server.WaitForShutdown()
	}
}

// String implements fmt.Stringer for supervisor logs.
func (br *Bridge) String() string {
	return "nats-bridge"
}
