// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/offlinesync/internal/engine"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status           string        `json:"status"`
	Uptime           float64       `json:"uptime_seconds"`
	WebSocketClients int           `json:"websocket_clients"`
	Engine           engine.Status `json:"engine"`
}

// Health reports engine status. The local API is healthy while the store is
// readable; being offline only marks it degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st, err := h.engine.Status(r.Context())
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Local store unavailable", nil, err)
		return
	}

	status := "healthy"
	if !st.Online || st.DeadLetters > 0 {
		status = "degraded"
	}
	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}
	respondSuccess(w, r, http.StatusOK, HealthStatus{
		Status:           status,
		Uptime:           time.Since(h.startTime).Seconds(),
		WebSocketClients: clients,
		Engine:           st,
	}, newMeta(r, start))
}
