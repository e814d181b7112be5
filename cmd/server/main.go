// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/tomtom215/offlinesync/internal/api"
	"github.com/tomtom215/offlinesync/internal/config"
	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/scheduler"
	"github.com/tomtom215/offlinesync/internal/supervisor"
	ws "github.com/tomtom215/offlinesync/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.LoggingConfig())

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Server stopped with error")
	}
	logging.Info().Msg("Server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("backend", cfg.Remote.BaseURL).
		Str("store", storeLocation(cfg)).
		Str("write_mode", string(cfg.Write.Mode)).
		Msg("Starting offlinesync server")

	client, err := remote.NewClient(cfg.Remote)
	if err != nil {
		return err
	}

	eng, err := engine.Open(ctx, cfg.EngineConfig(), client)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing engine")
		}
	}()

	hub := ws.NewHub()
	detach := hub.Attach(eng)
	defer detach()

	sched, err := scheduler.New(cfg.Scheduler, eng)
	if err != nil {
		return err
	}

	handler := api.NewHandler(eng, hub, cfg.Server.CORSOrigins)
	handler.SetScheduler(sched)
	router := api.NewRouter(handler, api.NewChiMiddleware(middlewareConfig(cfg)), cfg.Server.MetricsEnabled)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.SetupChi(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	services := supervisor.Services{
		Monitor:   eng.Monitor(),
		Scheduler: sched,
		Hub:       hub,
		HTTP:      supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout),
	}
	// A shared store belongs to whoever opened it; GC only our own.
	if !cfg.Store.InMemory {
		services.StoreGC = eng.Store()
	}

	bridge, err := initNATS(cfg, eng)
	if err != nil {
		return err
	}
	if bridge != nil {
		services.Bridge = bridge
		defer func() {
			if err := bridge.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing NATS bridge")
			}
		}()
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), cfg.Supervisor)
	tree.Install(services)

	logging.Info().Str("addr", server.Addr).Msg("HTTP API listening")
	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func middlewareConfig(cfg *config.Config) *api.ChiMiddlewareConfig {
	mw := api.DefaultChiMiddlewareConfig()
	mw.CORSAllowedOrigins = cfg.Server.CORSOrigins
	mw.RateLimitRequests = cfg.Server.RateLimitReqs
	mw.RateLimitWindow = cfg.Server.RateLimitWindow
	mw.RateLimitDisabled = cfg.Server.RateLimitDisabled
	if cfg.Server.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is disabled")
	}
	return mw
}

func storeLocation(cfg *config.Config) string {
	if cfg.Store.InMemory {
		return ":memory:"
	}
	return cfg.Store.Path
}
