// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package main

import (
	"fmt"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/config"
	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/logging"
)

// initNATS builds the bridge that relays the engine's bus over NATS. It
// returns nil when NATS is disabled.
func initNATS(cfg *config.Config, eng *engine.Engine) (*bus.Bridge, error) {
	if !cfg.NATS.Enabled {
		logging.Debug().Msg("NATS bridge disabled")
		return nil, nil
	}
	if !bus.NATSAvailable {
		return nil, fmt.Errorf("nats.enabled is set but this binary was built without -tags nats")
	}

	bridge, err := bus.NewBridge(eng.Bus(), cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("initialize NATS bridge: %w", err)
	}
	logging.Info().
		Str("url", bridge.ClientURL()).
		Str("subject", cfg.NATS.Subject).
		Bool("embedded", cfg.NATS.EmbeddedServer).
		Msg("NATS bridge initialized")
	return bridge, nil
}
