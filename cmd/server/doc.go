// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

/*
Command server runs an offline-first engine in front of a PostgREST style
backend and exposes it as a local HTTP API.

Clients read and write through the server. When the backend is reachable,
reads go to the network and refresh the local cache. When it is not, reads
are answered from the cache and writes are queued, then replayed in order
once connectivity returns.

# Process layout

	offlinesync
	├── data-layer:  local store GC
	├── sync-layer:  connectivity monitor, scheduler, NATS bridge
	└── api-layer:   websocket hub, HTTP server

The engine owns the background sync runner; the supervisor tree owns the
rest and restarts crashed services with backoff.

# Configuration

Defaults, then config.yaml (or CONFIG_PATH), then environment variables.
Every key is available as OFFLINESYNC_<SECTION>__<KEY>, for example
OFFLINESYNC_REMOTE__BASE_URL. The common ones have short names:

	BACKEND_URL       backend base URL (required)
	BACKEND_API_KEY   backend API key
	HTTP_HOST         listen host (default 127.0.0.1)
	HTTP_PORT         listen port (default 3857)
	STORE_PATH        local store directory
	NATS_ENABLED      relay events between processes over NATS
	LOG_LEVEL         trace, debug, info, warn or error

# Build tags

	go build ./cmd/server               # in-process bus only
	go build -tags nats ./cmd/server    # with the NATS bridge

# Signals

SIGINT and SIGTERM stop the supervisor tree. In-flight requests get
server.shutdown_timeout to finish, then the engine closes the store. A
replay pass in progress finishes its current mutation first.
*/
package main
