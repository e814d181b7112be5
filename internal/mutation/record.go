// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package mutation

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Op is a write operation.
type Op string

// Supported operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	switch Op(strings.ToLower(strings.TrimSpace(s))) {
	case OpInsert:
		return OpInsert, nil
	case OpUpdate:
		return OpUpdate, nil
	case OpDelete:
		return OpDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOp, s)
}

// Stage tracks how far replay got with a record.
type Stage string

const (
	// StagePending means nothing has been applied remotely yet.
	StagePending Stage = ""

	// StageAttachments means the remote insert succeeded (ResolvedID holds
	// the real id) and only the attachment uploads remain.
	StageAttachments Stage = "attachments"
)

// Record is one queued write.
type Record struct {
	ID            uint64
	Table         string
	Op            Op
	Payload       value.Map
	Timestamp     time.Time
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
	ResolvedID    value.Value
	Stage         Stage
}

type recordJSON struct {
	ID            uint64          `json:"id"`
	Table         string          `json:"table"`
	Op            Op              `json:"operation"`
	Payload       value.Map       `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	Attempts      int             `json:"attempts,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt,omitempty"`
	ResolvedID    json.RawMessage `json:"resolved_id,omitempty"`
	Stage         Stage           `json:"stage,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	w := recordJSON{
		ID:        r.ID,
		Table:     r.Table,
		Op:        r.Op,
		Payload:   r.Payload,
		Timestamp: r.Timestamp,
		Attempts:  r.Attempts,
		LastError: r.LastError,
		Stage:     r.Stage,
	}
	if !r.LastAttemptAt.IsZero() {
		t := r.LastAttemptAt
		w.LastAttemptAt = &t
	}
	if r.ResolvedID != nil {
		raw, err := value.Marshal(r.ResolvedID)
		if err != nil {
			return nil, err
		}
		w.ResolvedID = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		ID:        w.ID,
		Table:     w.Table,
		Op:        w.Op,
		Payload:   w.Payload,
		Timestamp: w.Timestamp,
		Attempts:  w.Attempts,
		LastError: w.LastError,
		Stage:     w.Stage,
	}
	if w.LastAttemptAt != nil {
		r.LastAttemptAt = *w.LastAttemptAt
	}
	if len(w.ResolvedID) > 0 {
		v, err := value.Parse(w.ResolvedID)
		if err != nil {
			return fmt.Errorf("resolved_id: %w", err)
		}
		if !value.IsNull(v) {
			r.ResolvedID = v
		}
	}
	return nil
}

// TargetID returns the id the record applies to: the payload id, or the
// resolved id once an insert has been applied remotely.
func (r Record) TargetID() value.Value {
	if r.ResolvedID != nil {
		return r.ResolvedID
	}
	return r.Payload.ID()
}

// Attachment is a binary field split out of a queued payload. Attachments
// are keyed <mutation id>/<attachment id> so the files of one record can be
// found and removed without reading any blob.
type Attachment struct {
	ID         uint64       `json:"id"`
	MutationID uint64       `json:"mutation_id"`
	Field      string       `json:"field"`
	Blob       value.Binary `json:"blob"`
	StoredAt   time.Time    `json:"stored_at"`
}

// Info describes the attachment without its content.
func (a Attachment) Info() AttachmentInfo {
	return AttachmentInfo{
		ID:          a.ID,
		Field:       a.Field,
		Name:        a.Blob.Name,
		ContentType: a.Blob.ContentType,
		Size:        len(a.Blob.Data),
	}
}

// AttachmentInfo is the metadata of an attachment.
type AttachmentInfo struct {
	ID          uint64 `json:"id"`
	Field       string `json:"field"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
}

// DeadLetter is a record given up on after too many failed attempts. The
// attachment contents are kept in the dead_files collection and returned
// by Queue.DeadLetterAttachments.
type DeadLetter struct {
	ID          uint64           `json:"id"`
	Record      Record           `json:"record"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
	Reason      string           `json:"reason"`
	At          time.Time        `json:"at"`
}

// attachmentPrefix is the key prefix of every attachment owned by owner.
func attachmentPrefix(owner uint64) string {
	return store.FormatID(owner) + "/"
}

func attachmentKey(owner, id uint64) string {
	return attachmentPrefix(owner) + store.FormatID(id)
}

// attachmentOwner parses the owning record id from an attachment key.
func attachmentOwner(key string) (uint64, bool) {
	owner, _, ok := strings.Cut(key, "/")
	if !ok {
		return 0, false
	}
	id, err := store.ParseID(owner)
	return id, err == nil
}

// TempIDPrefix marks client generated identifiers. Real identifiers never
// start with it.
const TempIDPrefix = "__tmp_"

var lastTempMillis atomic.Int64

// NewTempID returns a temporary identifier of the form __tmp_<unix millis>.
// Identifiers are strictly increasing within the process even when several
// are created in the same millisecond.
func NewTempID() value.String {
	now := time.Now().UnixMilli()
	for {
		last := lastTempMillis.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if lastTempMillis.CompareAndSwap(last, next) {
			return value.String(TempIDPrefix + strconv.FormatInt(next, 10))
		}
	}
}

// IsTempID reports whether v is a temporary identifier.
func IsTempID(v value.Value) bool {
	s, ok := v.(value.String)
	return ok && strings.HasPrefix(string(s), TempIDPrefix)
}

// placeholderKey is the field of the object left in a payload where a
// binary value was extracted.
const placeholderKey = "__file_pending"

// Placeholder returns the inert marker stored in place of a binary field.
func Placeholder() value.Map {
	return value.Map{placeholderKey: value.Bool(true)}
}

// IsPlaceholder reports whether v is the binary placeholder.
func IsPlaceholder(v value.Value) bool {
	m, ok := v.(value.Map)
	return ok && len(m) == 1 && value.Equal(m[placeholderKey], value.Bool(true))
}

// ExtractBinaries replaces every top-level Binary field of payload with a
// placeholder. It returns the rewritten payload and the extracted fields in
// key order. payload is not modified.
func ExtractBinaries(payload value.Map) (value.Map, []Attachment) {
	out := payload.Clone()
	var files []Attachment
	for _, k := range payload.Keys() {
		bin, ok := payload[k].(value.Binary)
		if !ok {
			continue
		}
		out[k] = Placeholder()
		files = append(files, Attachment{Field: k, Blob: bin})
	}
	return out, files
}
