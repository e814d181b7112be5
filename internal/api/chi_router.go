// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package api serves the local HTTP API that UI contexts use to read and
// write through an engine and to follow its sync events.
//
//	GET    /api/v1/health
//	GET    /api/v1/tables/{table}
//	POST   /api/v1/tables/{table}/writes
//	POST   /api/v1/sync
//	GET    /api/v1/queue
//	DELETE /api/v1/queue/{id}
//	POST   /api/v1/connectivity
//	POST   /api/v1/cache/cleanup
//	POST   /api/v1/cache/warm
//	GET    /api/v1/schedule
//	GET    /api/v1/ws
//	GET    /metrics
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires handlers and middleware into a chi mux.
type Router struct {
	handler        *Handler
	chiMiddleware  *ChiMiddleware
	metricsEnabled bool
}

// NewRouter creates a router. /metrics is mounted when metricsEnabled.
func NewRouter(handler *Handler, mw *ChiMiddleware, metricsEnabled bool) *Router {
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}
	return &Router{handler: handler, chiMiddleware: mw, metricsEnabled: metricsEnabled}
}

// SetupChi builds the route tree.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())

		r.Get("/health", router.handler.Health)

		r.Route("/tables/{table}", func(r chi.Router) {
			r.Get("/", router.handler.GetTable)
			r.Post("/writes", router.handler.PostWrite)
		})

		r.Post("/sync", router.handler.PostSync)
		r.Get("/queue", router.handler.GetQueue)
		r.Delete("/queue/{id}", router.handler.DeleteQueued)
		r.Post("/connectivity", router.handler.PostConnectivity)
		r.Post("/cache/cleanup", router.handler.PostCacheCleanup)
		r.Post("/cache/warm", router.handler.PostCacheWarm)
		r.Get("/schedule", router.handler.GetSchedule)
		r.Get("/ws", router.handler.WebSocket)
	})

	if router.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}
