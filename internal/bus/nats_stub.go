// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

//go:build !nats

package bus

import (
	"context"
	"fmt"
)

// NATSAvailable reports whether the bridge is compiled in.
const NATSAvailable = false

// Bridge is a stub when NATS support is not compiled in.
// Build with -tags=nats to enable it.
type Bridge struct{}

// NewBridge returns an error when NATS support is not compiled in.
func NewBridge(_ *Bus, _ NATSConfig) (*Bridge, error) {
	return nil, fmt.Errorf("NATS bridge not available: build with -tags=nats")
}

// ClientURL returns an empty string for the stub.
func (br *Bridge) ClientURL() string { return "" }

// Serve blocks until ctx ends.
func (br *Bridge) Serve(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close is a no-op stub.
func (br *Bridge) Close() error { return nil }

// String implements fmt.Stringer.
func (br *Bridge) String() string { return "nats-bridge" }
