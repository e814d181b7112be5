// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/offlinesync/internal/engine"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/scheduler"
	"github.com/tomtom215/offlinesync/internal/validation"
	ws "github.com/tomtom215/offlinesync/internal/websocket"
)

// maxBodyBytes bounds request bodies. Writes may carry base64 attachments.
const maxBodyBytes = 16 << 20

// Handler serves the local API of one engine.
type Handler struct {
	engine      *engine.Engine
	wsHub       *ws.Hub
	scheduler   *scheduler.Scheduler
	corsOrigins []string
	startTime   time.Time
}

// NewHandler creates a handler. wsHub may be nil, in which case /ws answers
// 503.
func NewHandler(eng *engine.Engine, wsHub *ws.Hub, corsOrigins []string) *Handler {
	return &Handler{
		engine:      eng,
		wsHub:       wsHub,
		corsOrigins: corsOrigins,
		startTime:   time.Now(),
	}
}

// SetScheduler exposes the scheduled jobs at /schedule.
func (h *Handler) SetScheduler(s *scheduler.Scheduler) {
	h.scheduler = s
}

// decodeBody reads a JSON body into dst and validates it. It writes the
// error response itself and reports whether the handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodeRequestTooLong, "Request body too large", nil, err)
			return false
		case allowEmpty && errors.Is(err, io.EOF):
		default:
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body", nil, err)
			return false
		}
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details, nil)
		return false
	}
	return true
}

// respondEngineError maps engine errors to responses.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, engine.ErrClosed) {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "Engine is shutting down", nil, err)
		return
	}
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "Internal error", nil, err)
}

func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin accepts configured origins only. Browsers always
// send Origin, so a missing header is rejected.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Warn().Msg("WebSocket connection rejected: missing Origin header")
		return false
	}
	for _, allowed := range h.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket upgrades the connection and streams sync events.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "WebSocket service unavailable", nil, nil)
		return
	}
	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	client := ws.NewClient(h.wsHub, conn)
	h.wsHub.Register <- client
	client.Start()
}
