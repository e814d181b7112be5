// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package replay

import (
	"errors"
	"fmt"

	"github.com/tomtom215/offlinesync/internal/mutation"
)

var (
	// ErrSyncInProgress is returned when a pass is already running.
	ErrSyncInProgress = errors.New("replay: sync already in progress")

	// ErrBlocked means the record references a temporary id whose insert
	// has not been replayed yet.
	ErrBlocked = errors.New("replay: waiting on an earlier insert")

	// ErrUnresolved means the record references a temporary id that no
	// queued insert owns any more.
	ErrUnresolved = errors.New("replay: unresolvable temporary id")

	// ErrNoServerID means the backend accepted an insert without returning
	// an id.
	ErrNoServerID = errors.New("replay: insert returned no id")
)

// MutationError is the failure of one record during a pass.
type MutationError struct {
	MutationID uint64
	Table      string
	Op         mutation.Op
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("replay mutation %d (%s %s): %v", e.MutationID, e.Op, e.Table, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
