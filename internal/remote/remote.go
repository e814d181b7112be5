// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package remote defines the contract with the remote record backend and a
// REST implementation of it.
//
// The engine only needs a handful of operations: filtered selects, inserts
// that echo back the stored row, updates and deletes matched by field
// equality, and binary uploads that return a reference value to store in a
// row. Errors are split in two families: ErrUnavailable for anything that
// says "try again later" (transport failures, timeouts, 5xx, open circuit)
// and ErrRejected for definitive refusals (4xx).
package remote

import (
	"context"
	"errors"
	"net"

	"github.com/tomtom215/offlinesync/internal/query"
	"github.com/tomtom215/offlinesync/internal/value"
)

var (
	// ErrUnavailable means the backend could not be reached or failed
	// transiently.
	ErrUnavailable = errors.New("remote: backend unavailable")

	// ErrRejected means the backend refused the request.
	ErrRejected = errors.New("remote: request rejected")
)

// UploadRequest describes one binary attachment to store remotely.
type UploadRequest struct {
	Table    string
	RecordID value.Value
	Field    string
	Blob     value.Binary
}

// Backend is the remote record service.
type Backend interface {
	// Select returns the rows matching q's filters, order and window. The
	// cardinality of q is applied by the caller.
	Select(ctx context.Context, q query.Query) ([]value.Map, error)

	// Insert stores row and returns it as persisted, including the
	// backend-assigned id.
	Insert(ctx context.Context, table string, row value.Map) (value.Map, error)

	// Update sets fields on every row matching match.
	Update(ctx context.Context, table string, fields value.Map, match []query.Filter) error

	// Delete removes every row matching match.
	Delete(ctx context.Context, table string, match []query.Filter) error

	// Upload stores a binary and returns the reference to put in its row.
	Upload(ctx context.Context, req UploadRequest) (value.Value, error)
}

// MatchID builds the match filter for a single record.
func MatchID(id value.Value) []query.Filter {
	return []query.Filter{{Field: "id", Op: query.OpEq, Values: []value.Value{id}}}
}

// IsTransient reports whether err means the backend might accept the same
// request later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
