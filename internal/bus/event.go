// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package bus

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/offlinesync/internal/value"
)

// EventType identifies a sync event.
type EventType string

// Event types. Queued, Synced and SyncError describe the mutation queue;
// Online and Offline describe connectivity transitions.
const (
	EventQueued    EventType = "queued"
	EventSynced    EventType = "synced"
	EventSyncError EventType = "sync-error"
	EventOnline    EventType = "online"
	EventOffline   EventType = "offline"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventQueued, EventSynced, EventSyncError, EventOnline, EventOffline:
		return true
	}
	return false
}

// Event is the message exchanged between contexts. Its JSON form is:
//
//	{"type": "sync-error", "table": "students", "mutationId": 3,
//	 "timestamp": 1700000000000, "error": "..."}
//
// Timestamp is in Unix milliseconds. IDMap carries the temporary to real
// identifier map of a synced pass. Origin identifies the publishing bus and
// Source the engine instance attached to it, so contexts sharing one bus can
// still tell their own events from their peers'.
type Event struct {
	Type       EventType `json:"type"`
	Table      string    `json:"table,omitempty"`
	MutationID uint64    `json:"mutationId,omitempty"`
	Timestamp  int64     `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	IDMap      value.Map `json:"idMap,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Encode serializes e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an encoded event.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown type %q", e.Type)
	}
	return e, nil
}
