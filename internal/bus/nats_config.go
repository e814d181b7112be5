// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package bus

import "time"

// NATSConfig configures the cross-process bridge.
type NATSConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL of the NATS server. Ignored when EmbeddedServer is set.
	URL string `koanf:"url"`

	// Subject events are exchanged on.
	Subject string `koanf:"subject"`

	// EmbeddedServer starts an in-process NATS server on Host:Port.
	EmbeddedServer bool   `koanf:"embedded_server"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port" validate:"gte=-1,lte=65535"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	CloseTimeout  time.Duration `koanf:"close_timeout"`
}

// DefaultNATSConfig returns bridge defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://127.0.0.1:4222",
		Subject:       "offlinesync.events",
		Host:          "127.0.0.1",
		Port:          4222,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		CloseTimeout:  10 * time.Second,
	}
}
