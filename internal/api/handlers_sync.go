// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/replay"
)

type syncRequest struct {
	// Force skips the minimum interval and the connectivity check.
	Force bool `json:"force"`
	// Wait runs the pass on the request and returns its report.
	Wait bool `json:"wait"`
}

// PostSync requests a replay pass. Without wait it answers 202 at once.
func (h *Handler) PostSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req syncRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	if !req.Wait {
		h.engine.TriggerSync(req.Force)
		respondSuccess(w, r, http.StatusAccepted, map[string]bool{"requested": true, "forced": req.Force}, newMeta(r, start))
		return
	}

	report, err := h.engine.SyncNow(r.Context())
	if errors.Is(err, replay.ErrSyncInProgress) {
		respondError(w, r, http.StatusConflict, ErrCodeConflict, "A sync pass is already running", nil, nil)
		return
	}
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, report, newMeta(r, start))
}

type queueResponse struct {
	Pending     []mutation.Record     `json:"pending"`
	DeadLetters []mutation.DeadLetter `json:"dead_letters"`
}

// GetQueue lists pending mutations in replay order and the dead letters.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pending, err := h.engine.Queue(r.Context())
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	dead, err := h.engine.DeadLetters(r.Context())
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if pending == nil {
		pending = []mutation.Record{}
	}
	if dead == nil {
		dead = []mutation.DeadLetter{}
	}
	respondSuccess(w, r, http.StatusOK, queueResponse{Pending: pending, DeadLetters: dead}, newMeta(r, start))
}

// DeleteQueued discards a pending mutation without replaying it.
func (h *Handler) DeleteQueued(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, "id must be a mutation id", nil, nil)
		return
	}
	removed, err := h.engine.DropMutation(r.Context(), id)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if !removed {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "No such mutation", nil, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// PostConnectivity feeds a platform online or offline signal. An online
// signal is verified with a check, so the answer may still be offline.
func (h *Handler) PostConnectivity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req connectivityRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	online := h.engine.SetOnline(r.Context(), *req.Online)
	respondSuccess(w, r, http.StatusOK, map[string]bool{"online": online}, newMeta(r, start))
}

// PostCacheCleanup evicts cached query results older than the configured
// maximum age.
func (h *Handler) PostCacheCleanup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	removed, err := h.engine.CleanupCache(r.Context())
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]int{"removed": removed}, newMeta(r, start))
}

type warmRequest struct {
	Tables []string `json:"tables" validate:"omitempty,dive,identifier"`
}

// PostCacheWarm refreshes table snapshots from the backend: the tables named
// in the body, or the configured warm-up list. It answers once every table
// has been tried.
func (h *Handler) PostCacheWarm(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req warmRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	report := h.engine.WarmTables(r.Context(), req.Tables...)
	respondSuccess(w, r, http.StatusOK, report, newMeta(r, start))
}

// GetSchedule lists the scheduled jobs.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Scheduler is not configured", nil, nil)
		return
	}
	respondSuccess(w, r, http.StatusOK, h.scheduler.Entries(), nil)
}
