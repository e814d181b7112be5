// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/validation"
	"github.com/tomtom215/offlinesync/internal/value"
)

// GetTable reads rows through the cache-aside read path. It answers 200
// even when the backend is unreachable; meta.from_cache tells the caller
// the data came from the local store.
//
// Query parameters:
//
//	select=id,full_name       projected columns
//	eq.grade=5A               equality filter, repeatable per field
//	in.id=1,2,3               membership filter
//	order=full_name.desc      sort, ascending unless .desc
//	range=0-19                inclusive row window
//	cardinality=maybe_single  many (default), single or maybe_single
func (h *Handler) GetTable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	table := chi.URLParam(r, "table")
	if !validation.IsIdentifier(table) {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, "table must be a valid identifier", nil, nil)
		return
	}

	q, err := parseTableQuery(table, r.URL.Query())
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil, nil)
		return
	}

	res := h.engine.Read(r.Context(), q)
	meta := newMeta(r, start)
	meta.FromCache = res.FromCache
	if !res.CachedAt.IsZero() {
		cachedAt := res.CachedAt.UTC()
		meta.CachedAt = &cachedAt
	}
	respondSuccess(w, r, http.StatusOK, res.Data, meta)
}

// parseTableQuery builds a query from URL parameters.
func parseTableQuery(table string, params url.Values) (query.Query, error) {
	q := query.From(table)
	if sel := params.Get("select"); sel != "" {
		q = q.Select(sel)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		op, field, ok := strings.Cut(key, ".")
		if !ok || (op != "eq" && op != "in") {
			continue
		}
		if !validation.IsIdentifier(field) {
			return query.Query{}, fmt.Errorf("invalid filter field %q", field)
		}
		raw := params.Get(key)
		if op == "eq" {
			q = q.Eq(field, parseLiteral(raw))
			continue
		}
		parts := strings.Split(raw, ",")
		vs := make([]value.Value, 0, len(parts))
		for _, p := range parts {
			vs = append(vs, parseLiteral(strings.TrimSpace(p)))
		}
		q = q.In(field, vs...)
	}

	if order := params.Get("order"); order != "" {
		field, dir, _ := strings.Cut(order, ".")
		if !validation.IsIdentifier(field) || (dir != "" && dir != "asc" && dir != "desc") {
			return query.Query{}, fmt.Errorf("invalid order %q", order)
		}
		q = q.OrderBy(field, dir != "desc")
	}

	if rng := params.Get("range"); rng != "" {
		fromStr, toStr, ok := strings.Cut(rng, "-")
		from, errFrom := strconv.Atoi(fromStr)
		to, errTo := strconv.Atoi(toStr)
		if !ok || errFrom != nil || errTo != nil {
			return query.Query{}, fmt.Errorf("invalid range %q, want from-to", rng)
		}
		q = q.Window(from, to)
	}

	switch query.Cardinality(params.Get("cardinality")) {
	case "", query.Many:
	case query.Single:
		q = q.Single()
	case query.MaybeSingle:
		q = q.MaybeSingle()
	default:
		return query.Query{}, fmt.Errorf("invalid cardinality %q", params.Get("cardinality"))
	}

	if err := q.Validate(); err != nil {
		return query.Query{}, err
	}
	return q, nil
}

// parseLiteral reads a filter value as a JSON scalar, falling back to the
// raw text: 42 is a number, true a boolean, "42" and 5A strings.
func parseLiteral(s string) value.Value {
	v, err := value.Parse([]byte(s))
	if err != nil {
		return value.String(s)
	}
	switch v.Kind() {
	case value.KindList, value.KindMap, value.KindBinary:
		return value.String(s)
	}
	return v
}

// writeRequest is the body of POST /tables/{table}/writes.
type writeRequest struct {
	Op      string    `json:"op" validate:"required,oneof=insert update delete"`
	Payload value.Map `json:"payload" validate:"required"`
}

// PostWrite applies or queues a write. Queued writes answer 202 with the
// temporary id for inserts.
func (h *Handler) PostWrite(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	table := chi.URLParam(r, "table")
	if !validation.IsIdentifier(table) {
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, "table must be a valid identifier", nil, nil)
		return
	}

	var req writeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	res, err := h.engine.Write(r.Context(), table, mutation.Op(req.Op), req.Payload)
	switch {
	case err == nil:
	case errors.Is(err, mutation.ErrInvalidOp), errors.Is(err, mutation.ErrMissingTarget), errors.Is(err, mutation.ErrMissingTable):
		respondError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error(), nil, nil)
		return
	case errors.Is(err, remote.ErrRejected):
		respondError(w, r, http.StatusUnprocessableEntity, ErrCodeBackendError, "Backend rejected the write", nil, err)
		return
	default:
		respondEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	switch {
	case res.Queued:
		status = http.StatusAccepted
	case req.Op == string(mutation.OpInsert):
		status = http.StatusCreated
	}
	respondSuccess(w, r, status, res, newMeta(r, start))
}
