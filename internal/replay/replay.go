// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

// Package replay drains the mutation queue against the remote backend.
//
// A pass walks the queue in enqueue order, one record at a time. Temporary
// identifiers are replaced by the server ids resolved earlier (in this pass
// or a previous one, the map is persisted) anywhere in a payload. A record
// that still references the temporary id of an insert that has not gone
// through is left queued as blocked. A failed record is left queued and the
// pass moves on; the record is retried on the next pass.
//
// A record is committed (removed together with its attachments) only after
// the backend confirmed it. An insert that went through but whose
// attachments did not is marked with its server id so the next pass retries
// only the uploads.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tomtom215/offlinesync/internal/bus"
	"github.com/tomtom215/offlinesync/internal/logging"
	"github.com/tomtom215/offlinesync/internal/metrics"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/remote"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

// Config tunes retry behaviour. The zero value retries failed records on
// every pass, forever.
type Config struct {
	// MaxAttempts moves a record to the dead letter collection after this
	// many failed attempts. Zero means unlimited.
	MaxAttempts int `koanf:"max_attempts" validate:"gte=0"`

	// RetryBackoff delays the next attempt of a failed record by
	// RetryBackoff * 2^(attempts-1), capped at MaxBackoff. Zero disables.
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"gte=0"`
	MaxBackoff   time.Duration `koanf:"max_backoff" validate:"gte=0"`
}

// DefaultConfig returns replay defaults.
func DefaultConfig() Config {
	return Config{MaxBackoff: 5 * time.Minute}
}

// Publisher broadcasts sync events.
type Publisher interface {
	Publish(ctx context.Context, e bus.Event) error
}

// Report summarizes one pass.
type Report struct {
	CorrelationID string            `json:"correlation_id"`
	Processed     int               `json:"processed"`
	Succeeded     []uint64          `json:"succeeded"`
	Failed        []uint64          `json:"failed"`
	Blocked       []uint64          `json:"blocked"`
	Deferred      []uint64          `json:"deferred"`
	Skipped       []uint64          `json:"skipped"`
	DeadLettered  []uint64          `json:"dead_lettered"`
	Errors        []*MutationError  `json:"-"`
	Remaining     int               `json:"remaining"`
	IDMap         map[string]string `json:"id_map"`
	Duration      time.Duration     `json:"duration"`
}

// Engine replays queued mutations.
type Engine struct {
	cfg     Config
	store   *store.Store
	queue   *mutation.Queue
	backend remote.Backend
	events  Publisher
	now     func() time.Time
	running atomic.Bool
}

// New creates a replay engine.
func New(cfg Config, s *store.Store, q *mutation.Queue, backend remote.Backend) *Engine {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Engine{cfg: cfg, store: s, queue: q, backend: backend, now: time.Now}
}

// SetPublisher sets where sync events are announced.
func (e *Engine) SetPublisher(p Publisher) { e.events = p }

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// pass holds the state of one drain.
type pass struct {
	ctx     context.Context
	remote  context.Context
	idMap   map[string]value.Value
	pending map[string]uint64
	report  *Report
}

// Sync runs one pass over the queue. Failures of individual records are
// reported through events and the Report; the error is reserved for
// failures of the pass itself. Cancelling ctx stops the pass between
// records; a remote call already issued runs to completion.
func (e *Engine) Sync(ctx context.Context) (report Report, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	drain := e.store.DrainLock()
	if !drain.TryLock() {
		return Report{}, ErrSyncInProgress
	}
	defer drain.Unlock()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx)
	start := time.Now()
	report = Report{CorrelationID: logging.CorrelationIDFromContext(ctx)}
	defer func() {
		report.Duration = time.Since(start)
		metrics.SyncPassDuration.Observe(report.Duration.Seconds())
	}()

	records, err := e.queue.List(ctx)
	if err != nil {
		return report, fmt.Errorf("load queue: %w", err)
	}
	idMap, err := e.loadIDMap(ctx)
	if err != nil {
		return report, err
	}

	p := &pass{
		ctx:     ctx,
		remote:  context.WithoutCancel(ctx),
		idMap:   idMap,
		pending: make(map[string]uint64),
		report:  &report,
	}
	for _, rec := range records {
		if rec.Op != mutation.OpInsert {
			continue
		}
		tmp, ok := tempKey(rec.Payload.ID())
		if !ok {
			continue
		}
		if rec.Stage == mutation.StageAttachments && rec.ResolvedID != nil {
			p.idMap[tmp] = rec.ResolvedID
			continue
		}
		p.pending[tmp] = rec.ID
	}

	if len(records) > 0 {
		log.Info().Int("records", len(records)).Msg("Sync pass started")
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			log.Info().Err(err).Msg("Sync pass interrupted")
			break
		}
		e.process(p, rec)
	}

	report.Remaining, err = e.queue.Len(ctx)
	if err != nil {
		return report, fmt.Errorf("count queue: %w", err)
	}
	report.IDMap = make(map[string]string, len(p.idMap))
	for k, v := range p.idMap {
		report.IDMap[k] = value.Text(v)
	}

	if report.Remaining == 0 {
		if len(p.idMap) > 0 {
			if err := e.store.Clear(ctx, store.IDMap); err != nil {
				log.Warn().Err(err).Msg("Failed to clear identifier map")
			}
		}
		idMapValue := make(value.Map, len(p.idMap))
		for k, v := range p.idMap {
			idMapValue[k] = v
		}
		e.publish(ctx, bus.Event{Type: bus.EventSynced, IDMap: idMapValue})
	}

	if report.Processed > 0 {
		log.Info().
			Int("succeeded", len(report.Succeeded)).
			Int("failed", len(report.Failed)).
			Int("blocked", len(report.Blocked)).
			Int("remaining", report.Remaining).
			Dur("duration", time.Since(start)).
			Msg("Sync pass finished")
	}
	return report, nil
}

// process replays a single record and commits or records the failure.
func (e *Engine) process(p *pass, queued mutation.Record) {
	log := logging.Ctx(p.ctx)

	// Another context may have replayed or updated the record since the
	// queue was loaded.
	rec, err := e.queue.Get(p.ctx, queued.ID)
	if errors.Is(err, store.ErrNotFound) {
		p.report.Skipped = append(p.report.Skipped, queued.ID)
		if tmp, ok := tempKey(queued.Payload.ID()); ok && queued.Op == mutation.OpInsert {
			delete(p.pending, tmp)
			e.adoptMapping(p, tmp)
		}
		return
	}
	if err != nil {
		e.fail(p, queued, err, false)
		return
	}

	if wait := e.backoff(rec); wait > 0 {
		log.Debug().Uint64("mutation_id", rec.ID).Dur("retry_in", wait).Msg("Mutation in retry backoff")
		p.report.Deferred = append(p.report.Deferred, rec.ID)
		return
	}

	p.report.Processed++
	err = e.apply(p, rec)
	metrics.RecordReplay(string(rec.Op), err)
	if err != nil {
		e.fail(p, rec, err, errors.Is(err, ErrBlocked))
		return
	}

	if _, err := e.queue.Commit(p.ctx, rec.ID); err != nil {
		// The remote write happened; the next pass replays it again.
		log.Error().Err(err).Uint64("mutation_id", rec.ID).Msg("Failed to remove replayed mutation")
		e.fail(p, rec, err, false)
		return
	}
	p.report.Succeeded = append(p.report.Succeeded, rec.ID)
	log.Debug().Uint64("mutation_id", rec.ID).Str("table", rec.Table).Str("operation", string(rec.Op)).Msg("Mutation replayed")
}

func (e *Engine) fail(p *pass, rec mutation.Record, cause error, blocked bool) {
	merr := &MutationError{MutationID: rec.ID, Table: rec.Table, Op: rec.Op, Err: cause}
	p.report.Errors = append(p.report.Errors, merr)
	if blocked {
		p.report.Blocked = append(p.report.Blocked, rec.ID)
	} else {
		p.report.Failed = append(p.report.Failed, rec.ID)
	}

	logging.Ctx(p.ctx).Warn().Err(cause).
		Uint64("mutation_id", rec.ID).
		Str("table", rec.Table).
		Str("operation", string(rec.Op)).
		Bool("blocked", blocked).
		Msg("Mutation replay failed, keeping it queued")

	e.publish(p.ctx, bus.Event{Type: bus.EventSyncError, Table: rec.Table, MutationID: rec.ID, Error: merr.Error()})

	if blocked {
		return
	}
	if err := e.queue.RecordFailure(p.ctx, rec.ID, cause); err != nil {
		logging.Ctx(p.ctx).Warn().Err(err).Uint64("mutation_id", rec.ID).Msg("Failed to record mutation failure")
		return
	}
	if e.cfg.MaxAttempts > 0 && rec.Attempts+1 >= e.cfg.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts: %v", rec.Attempts+1, cause)
		if err := e.queue.DeadLetter(p.ctx, rec.ID, reason); err != nil {
			logging.Ctx(p.ctx).Error().Err(err).Uint64("mutation_id", rec.ID).Msg("Failed to dead letter mutation")
			return
		}
		p.report.DeadLettered = append(p.report.DeadLettered, rec.ID)
	}
}

// backoff returns how long rec still has to wait before its next attempt.
func (e *Engine) backoff(rec mutation.Record) time.Duration {
	if e.cfg.RetryBackoff <= 0 || rec.Attempts == 0 || rec.LastAttemptAt.IsZero() {
		return 0
	}
	delay := e.cfg.RetryBackoff
	for i := 1; i < rec.Attempts && delay < e.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > e.cfg.MaxBackoff {
		delay = e.cfg.MaxBackoff
	}
	if wait := rec.LastAttemptAt.Add(delay).Sub(e.now()); wait > 0 {
		return wait
	}
	return 0
}

// apply sends one record to the backend.
func (e *Engine) apply(p *pass, rec mutation.Record) error {
	payload := substitute(rec.Payload, p.idMap)
	files, err := e.queue.Attachments(p.ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}

	switch rec.Op {
	case mutation.OpInsert:
		return e.applyInsert(p, rec, payload, files)

	case mutation.OpUpdate:
		target := payload.ID()
		fields := stripPlaceholders(payload).Without("id")
		if err := p.checkRefs(rec.ID, value.List{target, fields}); err != nil {
			return err
		}
		if len(files) > 0 {
			refs, err := mutation.UploadAll(p.remote, e.backend, rec.Table, target, files)
			if err != nil {
				return err
			}
			for k, v := range refs {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			return nil
		}
		return e.backend.Update(p.remote, rec.Table, fields, remote.MatchID(target))

	case mutation.OpDelete:
		target := payload.ID()
		if err := p.checkRefs(rec.ID, target); err != nil {
			return err
		}
		return e.backend.Delete(p.remote, rec.Table, remote.MatchID(target))
	}
	return fmt.Errorf("%w: %q", mutation.ErrInvalidOp, rec.Op)
}

func (e *Engine) applyInsert(p *pass, rec mutation.Record, payload value.Map, files []mutation.Attachment) error {
	tmp, hasTemp := tempKey(rec.Payload.ID())

	realID := rec.ResolvedID
	if rec.Stage != mutation.StageAttachments || realID == nil {
		body := stripPlaceholders(payload)
		if hasTemp {
			delete(body, "id")
		}
		if err := p.checkRefs(rec.ID, body); err != nil {
			return err
		}
		row, err := e.backend.Insert(p.remote, rec.Table, body)
		if err != nil {
			return err
		}
		realID = row.ID()
		if value.IsNull(realID) {
			return ErrNoServerID
		}
		if len(files) > 0 {
			if err := e.queue.MarkInserted(p.ctx, rec.ID, realID); err != nil {
				logging.Ctx(p.ctx).Warn().Err(err).Uint64("mutation_id", rec.ID).Msg("Failed to mark insert as applied")
			}
		}
	}

	if hasTemp {
		p.idMap[tmp] = realID
		delete(p.pending, tmp)
		if err := e.store.Put(p.ctx, store.IDMap, tmp, realID); err != nil {
			logging.Ctx(p.ctx).Warn().Err(err).Str("temp_id", tmp).Msg("Failed to persist identifier mapping")
		}
	}

	if len(files) == 0 {
		return nil
	}
	refs, err := mutation.UploadAll(p.remote, e.backend, rec.Table, realID, files)
	if err != nil {
		return err
	}
	return e.backend.Update(p.remote, rec.Table, refs, remote.MatchID(realID))
}

// checkRefs fails when v still contains a temporary id after substitution.
func (p *pass) checkRefs(self uint64, v value.Value) error {
	var ref string
	value.Walk(v, func(n value.Value) bool {
		if tmp, ok := tempKey(n); ok {
			ref = tmp
			return false
		}
		return true
	})
	if ref == "" {
		return nil
	}
	if owner, ok := p.pending[ref]; ok && owner != self {
		return fmt.Errorf("%w: %s (mutation %d)", ErrBlocked, ref, owner)
	}
	return fmt.Errorf("%w: %s", ErrUnresolved, ref)
}

func (e *Engine) publish(ctx context.Context, ev bus.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to publish sync event")
	}
}

// adoptMapping picks up the server id another context stored for tmp.
func (e *Engine) adoptMapping(p *pass, tmp string) {
	var raw any
	if err := e.store.Get(p.ctx, store.IDMap, tmp, &raw); err != nil {
		return
	}
	if v, err := value.FromAny(raw); err == nil && !value.IsNull(v) {
		p.idMap[tmp] = v
	}
}

func (e *Engine) loadIDMap(ctx context.Context) (map[string]value.Value, error) {
	out := make(map[string]value.Value)
	err := e.store.Scan(ctx, store.IDMap, func(key string, data []byte) error {
		v, err := value.Parse(data)
		if err != nil {
			return err
		}
		out[key] = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load identifier map: %w", err)
	}
	return out, nil
}

func tempKey(v value.Value) (string, bool) {
	if !mutation.IsTempID(v) {
		return "", false
	}
	return string(v.(value.String)), true
}

// substitute replaces every string equal to a resolved temporary id with
// the server id, at any depth.
func substitute(payload value.Map, idMap map[string]value.Value) value.Map {
	if len(idMap) == 0 {
		return payload.Clone()
	}
	out := value.Transform(payload, func(v value.Value) value.Value {
		if s, ok := v.(value.String); ok {
			if real, ok := idMap[string(s)]; ok {
				return value.Clone(real)
			}
		}
		return v
	})
	return out.(value.Map)
}

// stripPlaceholders drops attachment placeholders from the top level of a
// payload; the attachments are sent separately.
func stripPlaceholders(payload value.Map) value.Map {
	out := payload.Clone()
	if out == nil {
		out = value.Map{}
	}
	for k, v := range out {
		if mutation.IsPlaceholder(v) {
			delete(out, k)
		}
	}
	return out
}
