// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Mode selects how writes are applied while online.
type Mode string

const (
	// ModeDirect sends writes straight to the backend while online and
	// queues them while offline.
	ModeDirect Mode = "direct"

	// ModeQueueFirst always queues and then asks for a sync pass.
	ModeQueueFirst Mode = "queue_first"
)

// Config configures the write path.
type Config struct {
	Mode          Mode          `koanf:"mode" validate:"omitempty,oneof=direct queue_first"`
	DirectTimeout time.Duration `koanf:"direct_timeout" validate:"gte=0"`
}

// DefaultConfig returns write path defaults.
func DefaultConfig() Config {
	return Config{Mode: ModeDirect, DirectTimeout: 10 * time.Second}
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Publisher broadcasts sync events.
type Publisher interface {
	Publish(ctx context.Context, e bus.Event) error
}

// SyncRequester asks for a replay pass once connectivity allows. It stands
// in for the platform background sync registration.
type SyncRequester interface {
	Request()
}

// Result reports what happened to a write.
type Result struct {
	// ID is the server id for direct writes, the temporary id for queued
	// inserts and the target id for queued updates and deletes.
	ID value.Value `json:"id"`

	// Temporary is set when ID is a client generated identifier.
	Temporary bool `json:"temporary"`

	// Queued is set when the write was recorded for replay.
	Queued bool `json:"queued"`

	// MutationID is the queue id of a queued write.
	MutationID uint64 `json:"mutation_id,omitempty"`

	// Row is the row returned by the backend for direct inserts.
	Row value.Map `json:"row,omitempty"`
}

// Writer is the write path.
type Writer struct {
	cfg     Config
	queue   *Queue
	backend remote.Backend
	online  Connectivity
	events  Publisher
	sync    SyncRequester
}

// NewWriter creates a writer. Without a Connectivity the backend is assumed
// reachable.
func NewWriter(cfg Config, q *Queue, backend remote.Backend) *Writer {
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultConfig().DirectTimeout
	}
	return &Writer{cfg: cfg, queue: q, backend: backend}
}

// SetConnectivity sets the online state source.
func (w *Writer) SetConnectivity(c Connectivity) { w.online = c }

// SetPublisher sets where queued events are announced.
func (w *Writer) SetPublisher(p Publisher) { w.events = p }

// SetSyncRequester sets who is woken after a write is queued.
func (w *Writer) SetSyncRequester(r SyncRequester) { w.sync = r }

func (w *Writer) isOnline() bool {
	return w.online == nil || w.online.Online()
}

// Write applies or queues one write. Writes go directly to the backend only
// when the writer is in direct mode, the backend is online, the queue is
// empty and the payload references no temporary id; anything else could
// overtake a queued write it depends on. A direct write that fails with a
// transient error is queued instead. Errors are returned for invalid input,
// remote rejections of direct writes and store failures.
func (w *Writer) Write(ctx context.Context, table string, op Op, payload value.Map) (Result, error) {
	if err := Validate(table, op, payload); err != nil {
		return Result{}, err
	}
	log := logging.Ctx(ctx)

	if w.canWriteDirect(ctx, payload) {
		res, err := w.direct(ctx, table, op, payload)
		if err == nil {
			metrics.RecordWrite(table, string(op), false)
			return res, nil
		}
		if !remote.IsTransient(err) {
			return Result{}, err
		}
		log.Info().Err(err).Str("table", table).Str("operation", string(op)).Msg("Direct write failed, queueing for replay")
	}
	return w.enqueue(ctx, table, op, payload)
}

func (w *Writer) canWriteDirect(ctx context.Context, payload value.Map) bool {
	if w.cfg.Mode != ModeDirect || w.backend == nil || !w.isOnline() {
		return false
	}
	if n, err := w.queue.Len(ctx); err != nil || n > 0 {
		return false
	}
	return !hasTempID(payload)
}

func hasTempID(v value.Value) bool {
	found := false
	value.Walk(v, func(n value.Value) bool {
		if IsTempID(n) {
			found = true
			return false
		}
		return true
	})
	return found
}

func (w *Writer) enqueue(ctx context.Context, table string, op Op, payload value.Map) (Result, error) {
	payload = payload.Clone()
	res := Result{Queued: true}

	if op == OpInsert {
		if value.IsNull(payload.ID()) {
			payload["id"] = NewTempID()
		}
		res.Temporary = IsTempID(payload.ID())
	}
	res.ID = payload.ID()

	rec, err := w.queue.Enqueue(ctx, table, op, payload)
	if err != nil {
		return Result{}, err
	}
	res.MutationID = rec.ID
	metrics.RecordWrite(table, string(op), true)

	if w.events != nil {
		if err := w.events.Publish(ctx, bus.Event{Type: bus.EventQueued, Table: table, MutationID: rec.ID}); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Uint64("mutation_id", rec.ID).Msg("Failed to publish queued event")
		}
	}
	if w.sync != nil {
		w.sync.Request()
	}
	return res, nil
}

// direct applies a write against the backend. Binary fields are uploaded
// once the record id is known and attached with a follow-up update.
func (w *Writer) direct(ctx context.Context, table string, op Op, payload value.Map) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.DirectTimeout)
	defer cancel()

	_, files := ExtractBinaries(payload)
	fields := payload.Clone()
	for _, f := range files {
		delete(fields, f.Field)
	}

	switch op {
	case OpInsert:
		row, err := w.backend.Insert(ctx, table, fields)
		if err != nil {
			return Result{}, err
		}
		id := row.ID()
		if len(files) > 0 {
			refs, err := UploadAll(ctx, w.backend, table, id, files)
			if err == nil {
				err = w.backend.Update(ctx, table, refs, remote.MatchID(id))
			}
			if err != nil {
				return w.keepAttachments(ctx, table, row, files, err)
			}
			for k, v := range refs {
				row[k] = v
			}
		}
		return Result{ID: id, Row: row}, nil

	case OpUpdate:
		id := payload.ID()
		if len(files) > 0 {
			refs, err := UploadAll(ctx, w.backend, table, id, files)
			if err != nil {
				return Result{}, err
			}
			for k, v := range refs {
				fields[k] = v
			}
		}
		if err := w.backend.Update(ctx, table, fields.Without("id"), remote.MatchID(id)); err != nil {
			return Result{}, err
		}
		return Result{ID: id}, nil

	case OpDelete:
		id := payload.ID()
		if err := w.backend.Delete(ctx, table, remote.MatchID(id)); err != nil {
			return Result{}, err
		}
		return Result{ID: id}, nil
	}
	return Result{}, fmt.Errorf("%w: %q", ErrInvalidOp, op)
}

// keepAttachments queues an update carrying the binaries of a row whose
// insert went through but whose attachments did not, so replay retries only
// the attachments instead of inserting the row twice.
func (w *Writer) keepAttachments(ctx context.Context, table string, row value.Map, files []Attachment, cause error) (Result, error) {
	id := row.ID()
	if !remote.IsTransient(cause) {
		return Result{}, fmt.Errorf("row %s inserted without attachments: %w", value.Text(id), cause)
	}
	payload := value.Map{"id": id}
	for _, f := range files {
		payload[f.Field] = f.Blob
	}
	queued, err := w.enqueue(context.WithoutCancel(ctx), table, OpUpdate, payload)
	if err != nil {
		return Result{}, errors.Join(cause, err)
	}
	logging.Ctx(ctx).Info().Err(cause).Str("table", table).Str("id", value.Text(id)).Msg("Row inserted, attachments queued for replay")
	return Result{ID: id, Row: row, Queued: true, MutationID: queued.MutationID}, nil
}

// UploadAll uploads attachments for record id and returns the reference
// values keyed by field.
func UploadAll(ctx context.Context, backend remote.Backend, table string, id value.Value, files []Attachment) (value.Map, error) {
	refs := make(value.Map, len(files))
	for _, f := range files {
		ref, err := backend.Upload(ctx, remote.UploadRequest{Table: table, RecordID: id, Field: f.Field, Blob: f.Blob})
		metrics.RecordAttachmentUpload(err)
		if err != nil {
			return nil, &AttachmentError{Field: f.Field, Err: err}
		}
		refs[f.Field] = ref
	}
	return refs, nil
}

// AttachmentError is an upload failure for one field.
type AttachmentError struct {
	Field string
	Err   error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Field, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }
