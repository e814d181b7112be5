// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/offlinesync/internal/logging"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts the blocking ListenAndServe to suture's context
// aware Serve.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps server. Active connections get shutdownTimeout
// to finish when the tree stops.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is not an error.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The parent context is already canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string { return "http-server" }

// Services are the long-lived components of a server process. Nil fields
// are skipped.
type Services struct {
	// StoreGC compacts the local store value log.
	StoreGC suture.Service

	// Monitor checks backend reachability.
	Monitor suture.Service

	// Scheduler runs scheduled sync and cache cleanup.
	Scheduler suture.Service

	// Bridge relays bus events over NATS.
	Bridge suture.Service

	// Hub fans events out to websocket clients.
	Hub suture.Service

	// HTTP serves the REST API.
	HTTP suture.Service
}

// Install adds every non-nil service to its layer.
func (t *Tree) Install(s Services) {
	add := func(layer func(suture.Service) suture.ServiceToken, svc suture.Service) {
		if svc == nil {
			return
		}
		layer(svc)
		logging.Debug().Str("service", fmt.Sprint(svc)).Msg("Service registered with supervisor")
	}
	add(t.AddDataService, s.StoreGC)
	add(t.AddSyncService, s.Monitor)
	add(t.AddSyncService, s.Scheduler)
	add(t.AddSyncService, s.Bridge)
	add(t.AddAPIService, s.Hub)
	add(t.AddAPIService, s.HTTP)
}
