// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package mutation implements the durable write queue and the write path.
//
// A queued write is a Record in the mutations collection. Binary fields of its
// payload are stored separately as Attachments in the files collection and
// replaced by a placeholder in the payload. Each attachment is written in its
// own store transaction before the record, so a payload with several large
// binaries never has to fit into one transaction. A record only becomes
// visible once all of its attachments are stored, and the record and its
// attachments are removed together. Attachments left behind by a crash
// between the two steps are removed by PruneOrphans.
//
// Writer decides between applying a write directly against the remote backend
// and queueing it for replay.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

var (
	// ErrInvalidOp is returned for unknown operations.
	ErrInvalidOp = errors.New("mutation: invalid operation")

	// ErrMissingTarget is returned for updates and deletes without an id.
	ErrMissingTarget = errors.New("mutation: update and delete need a target id")

	// ErrMissingTable is returned when no table is named.
	ErrMissingTable = errors.New("mutation: table is required")
)

// Queue is the durable mutation queue.
type Queue struct {
	store *store.Store
	now   func() time.Time
}

// NewQueue creates a queue over s.
func NewQueue(s *store.Store) *Queue {
	return &Queue{store: s, now: time.Now}
}

// Validate checks a write intent before it is queued or sent.
func Validate(table string, op Op, payload value.Map) error {
	if table == "" {
		return ErrMissingTable
	}
	switch op {
	case OpInsert:
		return nil
	case OpUpdate, OpDelete:
		if id := payload.ID(); value.IsNull(id) || value.Text(id) == "" {
			return ErrMissingTarget
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOp, op)
	}
}

// Enqueue durably records a write. Binary fields are moved to attachments
// linked to the new record. The attachments are stored first, one
// transaction each, and the record last; if storing fails the attachments
// already written are removed again.
func (q *Queue) Enqueue(ctx context.Context, table string, op Op, payload value.Map) (Record, error) {
	if err := Validate(table, op, payload); err != nil {
		return Record{}, err
	}

	stored, files := ExtractBinaries(payload)
	rec := Record{
		Table:     table,
		Op:        op,
		Payload:   stored,
		Timestamp: q.now().UTC(),
	}

	err := q.enqueue(ctx, &rec, files)
	metrics.RecordStoreOp(store.Mutations, "enqueue", err)
	if err != nil {
		return Record{}, fmt.Errorf("enqueue %s on %s: %w", op, table, err)
	}

	metrics.AttachmentsQueued.Add(float64(len(files)))
	q.updateDepth(ctx)
	logging.Debug().
		Uint64("mutation_id", rec.ID).
		Str("table", table).
		Str("operation", string(op)).
		Int("attachments", len(files)).
		Msg("Mutation queued")
	return rec, nil
}

func (q *Queue) enqueue(ctx context.Context, rec *Record, files []Attachment) error {
	id, err := q.store.NextID(store.Mutations)
	if err != nil {
		return err
	}
	rec.ID = id

	written := make([]string, 0, len(files))
	cleanup := func() {
		if len(written) == 0 {
			return
		}
		if err := q.store.DeleteKeys(context.WithoutCancel(ctx), store.Files, written); err != nil {
			logging.Warn().Err(err).Uint64("mutation_id", id).Msg("Failed to remove attachments of a failed enqueue")
		}
	}

	now := q.now().UTC()
	for i := range files {
		fid, err := q.store.NextID(store.Files)
		if err != nil {
			cleanup()
			return err
		}
		files[i].ID = fid
		files[i].MutationID = id
		files[i].StoredAt = now
		key := attachmentKey(id, fid)
		if err := q.store.Put(ctx, store.Files, key, files[i]); err != nil {
			cleanup()
			return err
		}
		written = append(written, key)
	}

	if err := q.store.Put(ctx, store.Mutations, store.FormatID(id), *rec); err != nil {
		cleanup()
		return err
	}
	return nil
}

// List returns every queued record ordered by timestamp, then id.
func (q *Queue) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := q.store.Scan(ctx, store.Mutations, func(_ string, data []byte) error {
		var r Record
		if err := store.Decode(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns the record with id, or store.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id uint64) (Record, error) {
	var r Record
	if err := q.store.Get(ctx, store.Mutations, store.FormatID(id), &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Attachments returns the attachments of one record in id order.
func (q *Queue) Attachments(ctx context.Context, mutationID uint64) ([]Attachment, error) {
	return q.attachments(ctx, store.Files, mutationID)
}

func (q *Queue) attachments(ctx context.Context, collection string, owner uint64) ([]Attachment, error) {
	var out []Attachment
	err := q.store.ScanPrefix(ctx, collection, attachmentPrefix(owner), func(_ string, data []byte) error {
		var a Attachment
		if err := store.Decode(data, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments of %d: %w", owner, err)
	}
	return out, nil
}

// Commit removes a record and its attachments in one transaction. It
// reports false when the record was already gone, which happens when another
// context replayed it first.
func (q *Queue) Commit(ctx context.Context, id uint64) (bool, error) {
	var removed bool
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		removed = false
		key := store.FormatID(id)
		ok, err := tx.Exists(store.Mutations, key)
		if err != nil || !ok {
			return err
		}
		if err := deleteAttachments(tx, id); err != nil {
			return err
		}
		if err := tx.Delete(store.Mutations, key); err != nil {
			return err
		}
		removed = true
		return nil
	})
	metrics.RecordStoreOp(store.Mutations, "commit", err)
	if err != nil {
		return false, fmt.Errorf("commit mutation %d: %w", id, err)
	}
	q.updateDepth(ctx)
	return removed, nil
}

// deleteAttachments removes the attachments of one record by key prefix.
// Only keys are read, never blobs.
func deleteAttachments(tx *store.Tx, mutationID uint64) error {
	keys, err := tx.KeysPrefix(store.Files, attachmentPrefix(mutationID))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(store.Files, k); err != nil {
			return err
		}
	}
	return nil
}

// update rewrites a record in place. Missing records are ignored.
func (q *Queue) update(ctx context.Context, id uint64, fn func(*Record)) error {
	return q.store.Update(ctx, func(tx *store.Tx) error {
		var r Record
		err := tx.Get(store.Mutations, store.FormatID(id), &r)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(&r)
		return tx.Put(store.Mutations, store.FormatID(id), r)
	})
}

// RecordFailure stores failure metadata on a record that stays queued.
func (q *Queue) RecordFailure(ctx context.Context, id uint64, cause error) error {
	now := q.now().UTC()
	return q.update(ctx, id, func(r *Record) {
		r.Attempts++
		r.LastAttemptAt = now
		if cause != nil {
			r.LastError = cause.Error()
		}
	})
}

// MarkInserted records that the remote insert of a record succeeded with
// realID while its attachments are still to be uploaded.
func (q *Queue) MarkInserted(ctx context.Context, id uint64, realID value.Value) error {
	return q.update(ctx, id, func(r *Record) {
		r.Stage = StageAttachments
		r.ResolvedID = realID
	})
}

// Remove drops a record and its attachments without replaying it.
func (q *Queue) Remove(ctx context.Context, id uint64) (bool, error) {
	removed, err := q.Commit(ctx, id)
	if removed {
		logging.Warn().Uint64("mutation_id", id).Msg("Mutation removed from queue without replay")
	}
	return removed, err
}

// DeadLetter moves a record and its attachments to the dead letter
// collections. Attachments are copied to dead_files one transaction each;
// the dead letter is then written and the record and its attachments removed
// in a final transaction. A record that disappears meanwhile, because another
// context replayed it, is left alone.
func (q *Queue) DeadLetter(ctx context.Context, id uint64, reason string) error {
	err := q.deadLetter(ctx, id, reason)
	if errors.Is(err, errGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dead letter mutation %d: %w", id, err)
	}
	metrics.DeadLetters.Inc()
	q.updateDepth(ctx)
	logging.Warn().Uint64("mutation_id", id).Str("reason", reason).Msg("Mutation moved to dead letters")
	return nil
}

var errGone = errors.New("mutation gone")

func (q *Queue) deadLetter(ctx context.Context, id uint64, reason string) error {
	r, err := q.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errGone
	}
	if err != nil {
		return err
	}

	did, err := q.store.NextID(store.DeadLetters)
	if err != nil {
		return err
	}
	keys, err := q.store.KeysPrefix(ctx, store.Files, attachmentPrefix(id))
	if err != nil {
		return err
	}

	var copied []string
	cleanup := func() {
		if len(copied) == 0 {
			return
		}
		if err := q.store.DeleteKeys(context.WithoutCancel(ctx), store.DeadFiles, copied); err != nil {
			logging.Warn().Err(err).Uint64("dead_letter_id", did).Msg("Failed to remove copied dead letter attachments")
		}
	}

	infos := make([]AttachmentInfo, 0, len(keys))
	for _, key := range keys {
		var a Attachment
		err := q.store.Update(ctx, func(tx *store.Tx) error {
			if err := tx.Get(store.Files, key, &a); err != nil {
				return err
			}
			// Restamped so PruneOrphans spares the copy until the dead letter exists.
			a.StoredAt = q.now().UTC()
			return tx.Put(store.DeadFiles, attachmentKey(did, a.ID), a)
		})
		if err != nil {
			cleanup()
			if errors.Is(err, store.ErrNotFound) {
				return errGone
			}
			return err
		}
		copied = append(copied, attachmentKey(did, a.ID))
		infos = append(infos, a.Info())
	}

	err = q.store.Update(ctx, func(tx *store.Tx) error {
		ok, err := tx.Exists(store.Mutations, store.FormatID(id))
		if err != nil {
			return err
		}
		if !ok {
			return errGone
		}
		if err := tx.Put(store.DeadLetters, store.FormatID(did), DeadLetter{
			ID:          did,
			Record:      r,
			Attachments: infos,
			Reason:      reason,
			At:          q.now().UTC(),
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if err := tx.Delete(store.Files, key); err != nil {
				return err
			}
		}
		return tx.Delete(store.Mutations, store.FormatID(id))
	})
	if err != nil {
		cleanup()
	}
	return err
}

// DeadLetterAttachments returns the attachments kept with a dead letter.
func (q *Queue) DeadLetterAttachments(ctx context.Context, deadLetterID uint64) ([]Attachment, error) {
	return q.attachments(ctx, store.DeadFiles, deadLetterID)
}

// PruneOrphans removes attachments whose record no longer exists, in both
// the queue and the dead letters. They are left behind when a process dies
// between storing attachments and storing their record. Attachments younger
// than grace are kept because their record may still be on its way.
func (q *Queue) PruneOrphans(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := q.now().Add(-grace)
	total := 0
	for _, c := range []struct{ files, owners string }{
		{store.Files, store.Mutations},
		{store.DeadFiles, store.DeadLetters},
	} {
		n, err := q.pruneOrphans(ctx, c.files, c.owners, cutoff)
		total += n
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", c.files, err)
		}
	}
	if total > 0 {
		logging.Info().Int("removed", total).Msg("Removed orphaned attachments")
	}
	return total, nil
}

func (q *Queue) pruneOrphans(ctx context.Context, files, owners string, cutoff time.Time) (int, error) {
	keys, err := q.store.Keys(ctx, files)
	if err != nil {
		return 0, err
	}

	var orphans []string
	exists := make(map[uint64]bool)
	err = q.store.View(ctx, func(tx *store.Tx) error {
		for _, key := range keys {
			owner, ok := attachmentOwner(key)
			if !ok {
				orphans = append(orphans, key)
				continue
			}
			found, seen := exists[owner]
			if !seen {
				var err error
				found, err = tx.Exists(owners, store.FormatID(owner))
				if err != nil {
					return err
				}
				exists[owner] = found
			}
			if found {
				continue
			}
			var meta struct {
				StoredAt time.Time `json:"stored_at"`
			}
			if err := tx.Get(files, key, &meta); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if meta.StoredAt.Before(cutoff) {
				orphans = append(orphans, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := q.store.DeleteKeys(ctx, files, orphans); err != nil {
		return 0, err
	}
	return len(orphans), nil
}

// DeadLetters returns every dead lettered record.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.store.Scan(ctx, store.DeadLetters, func(_ string, data []byte) error {
		var d DeadLetter
		if err := store.Decode(data, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// Len returns the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.Count(ctx, store.Mutations)
}

// Clear drops every queued record and attachment.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.store.Clear(ctx, store.Mutations, store.Files); err != nil {
		return err
	}
	metrics.QueueDepth.Set(0)
	return nil
}

func (q *Queue) updateDepth(ctx context.Context) {
	if n, err := q.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}
