// Package export commits verified rows to a register exactly once per
// idempotency key.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zombor/irys/internal/audit"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/store"
	"github.com/zombor/irys/internal/sys"
)

var (
	ErrInvalidRequest      = errors.New("invalid export request")
	ErrValidation          = errors.New("rows failed validation")
	ErrIdempotencyConflict = errors.New("idempotency key was already used for different content")
	ErrAlreadyExported     = errors.New("session was already exported")
	ErrInvalidState        = errors.New("session is not ready for export")
	ErrPersistence         = errors.New("export could not be saved")
)

// DefaultRetryDelay is the pause before the single commit retry
const DefaultRetryDelay = 200 * time.Millisecond

// ValidationError lists the row problems that blocked an export
type ValidationError struct {
	Violations []schema.Violation
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "rows failed validation: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError is returned when the commit failed after its retry
type PersistenceError struct {
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("exporting session %s: %v", e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Request is one export attempt
type Request struct {
	SessionID      string
	EventName      string
	Rows           []map[string]string
	IdempotencyKey string
}

// Result is the outcome of a committed or replayed export
type Result struct {
	SessionID    string `json:"sessionId"`
	ExportID     string `json:"exportId"`
	RowsInserted int    `json:"rowsInserted"`
	Replayed     bool   `json:"replayed"`
}

// Gate dedupes and commits exports
type Gate struct {
	store       store.Store
	recorder    *audit.Recorder
	idGenerator sys.IDGenerator
	timeSource  sys.TimeSource
	retryDelay  time.Duration
	flights     singleflight.Group
}

// NewGate creates a Gate with random IDs and the wall clock
func NewGate(st store.Store, recorder *audit.Recorder) *Gate {
	return NewGateWithDeps(st, recorder, sys.UUIDGenerator{}, sys.Clock{}, DefaultRetryDelay)
}

// NewGateWithDeps creates a Gate with custom dependencies for testing
func NewGateWithDeps(st store.Store, recorder *audit.Recorder, idGen sys.IDGenerator, timeSrc sys.TimeSource, retryDelay time.Duration) *Gate {
	return &Gate{
		store:       st,
		recorder:    recorder,
		idGenerator: idGen,
		timeSource:  timeSrc,
		retryDelay:  retryDelay,
	}
}

// RequestHash fingerprints an export by event name and row cells in order
func RequestHash(eventName string, cells [][]string) string {
	payload, _ := json.Marshal(struct {
		EventName string     `json:"eventName"`
		Rows      [][]string `json:"rows"`
	}{eventName, cells})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// plan is a validated request ready to commit
type plan struct {
	req    Request
	target *schema.Schema
	bind   bool
	rows   []map[string]string
	hash   string
}

// Export validates req and commits its rows, or replays the result already
// recorded under its idempotency key.
func (g *Gate) Export(ctx context.Context, req Request) (*Result, error) {
	req.EventName = strings.TrimSpace(req.EventName)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.SessionID == "":
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	case req.EventName == "":
		return nil, fmt.Errorf("%w: eventName is required", ErrInvalidRequest)
	case req.IdempotencyKey == "":
		return nil, fmt.Errorf("%w: idempotencyKey is required", ErrInvalidRequest)
	case len(req.Rows) == 0:
		return nil, fmt.Errorf("%w: no rows to export", ErrInvalidRequest)
	}

	p, err := g.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	flight := strings.Join([]string{p.req.IdempotencyKey, p.req.SessionID, p.hash}, "\x00")
	// Callers sharing a flight must not be failed by the leader's cancellation.
	v, err, _ := g.flights.Do(flight, func() (any, error) {
		return g.export(context.WithoutCancel(ctx), p)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (g *Gate) plan(ctx context.Context, req Request) (*plan, error) {
	sess, err := g.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", req.SessionID, err)
	}
	own, err := g.store.GetSchema(ctx, sess.SchemaID)
	if err != nil {
		return nil, fmt.Errorf("getting schema for session %s: %w", req.SessionID, err)
	}

	p := &plan{req: req, target: own}
	switch {
	case own.EventName == req.EventName:
	case own.EventName != "":
		return nil, &ValidationError{Message: fmt.Sprintf("session belongs to register %q, not %q", own.EventName, req.EventName)}
	default:
		registered, err := g.store.GetSchemaByEvent(ctx, req.EventName)
		switch {
		case errors.Is(err, store.ErrNotFound):
			p.bind = true
		case err != nil:
			return nil, fmt.Errorf("getting register %s: %w", req.EventName, err)
		case !registered.SameNames(own.Names()):
			return nil, &ValidationError{Message: fmt.Sprintf(
				"register %q has columns %v, session has %v",
				req.EventName, registered.Names(), own.Names())}
		default:
			p.target = registered
		}
	}

	rows, violations := p.target.Canonicalize(req.Rows)
	violations = append(violations, p.target.Validate(rows)...)
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	p.rows = rows
	p.hash = RequestHash(req.EventName, p.target.Cells(rows))
	return p, nil
}

func (g *Gate) export(ctx context.Context, p *plan) (*Result, error) {
	if res, err := g.lookup(ctx, p); res != nil || err != nil {
		return res, err
	}

	sess, err := g.store.GetSession(ctx, p.req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", p.req.SessionID, err)
	}
	switch sess.Status {
	case session.StatusExporting:
		slog.Warn("Joining export already in progress", "session_id", sess.ID)
	case session.StatusExtracted, session.StatusExportFailed:
		err := g.store.UpdateSession(ctx, store.StatusUpdate{
			ID: sess.ID,
			To: session.StatusExporting,
			At: g.timeSource.Now(),
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleStatus) {
				return g.export(ctx, p)
			}
			return nil, fmt.Errorf("starting export: %w", err)
		}
		g.recorder.Record(ctx, sess.ID, audit.ActionExportStarted, map[string]any{
			"idempotencyKey": p.req.IdempotencyKey,
			"eventName":      p.req.EventName,
		})
	default:
		if sess.Status.Terminal() {
			return nil, fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExported)
		}
		return nil, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrInvalidState)
	}

	res, err := g.commit(ctx, p)
	if err != nil && retryable(err) {
		slog.Warn("Retrying export commit", "session_id", p.req.SessionID, "error", err)
		time.Sleep(g.retryDelay)
		res, err = g.commit(ctx, p)
	}
	if err == nil {
		return res, nil
	}

	if !errors.Is(err, ErrAlreadyExported) {
		g.fail(ctx, p, err)
	}
	if retryable(err) {
		return nil, &PersistenceError{SessionID: p.req.SessionID, Err: err}
	}
	return nil, err
}

// lookup returns the recorded result for the request's key, if any
func (g *Gate) lookup(ctx context.Context, p *plan) (*Result, error) {
	rec, err := g.store.GetExportRecord(ctx, p.req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting export record: %w", err)
	}
	return replay(rec, p)
}

func replay(rec *store.ExportRecord, p *plan) (*Result, error) {
	if rec.SessionID != p.req.SessionID || rec.RequestHash != p.hash {
		return nil, fmt.Errorf("key %q: %w", p.req.IdempotencyKey, ErrIdempotencyConflict)
	}
	return &Result{
		SessionID:    rec.SessionID,
		ExportID:     rec.ExportID,
		RowsInserted: rec.RowsInserted,
		Replayed:     true,
	}, nil
}

// commit writes the record, rows, status and audit event as one transaction
func (g *Gate) commit(ctx context.Context, p *plan) (*Result, error) {
	var res *Result
	err := g.store.InTx(ctx, p.req.IdempotencyKey, func(tx store.Tx) error {
		rec, err := tx.GetExportRecord(ctx, p.req.IdempotencyKey)
		if err == nil {
			res, err = replay(rec, p)
			return err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("getting export record: %w", err)
		}

		if p.bind {
			if err := tx.BindSchema(ctx, p.target.ID, p.req.EventName); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return &ValidationError{Message: fmt.Sprintf("register %q was created by another export; retry", p.req.EventName)}
				}
				return err
			}
		}

		rec = &store.ExportRecord{
			IdempotencyKey: p.req.IdempotencyKey,
			ExportID:       g.idGenerator.Generate(),
			SessionID:      p.req.SessionID,
			EventName:      p.req.EventName,
			RequestHash:    p.hash,
			RowsInserted:   len(p.rows),
			CreatedAt:      g.timeSource.Now(),
		}
		if err := tx.InsertExportRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.InsertRegisterRows(ctx, rec, p.rows); err != nil {
			return err
		}
		err = tx.UpdateSession(ctx, store.StatusUpdate{
			ID:   p.req.SessionID,
			From: []session.Status{session.StatusExporting},
			To:   session.StatusExported,
			At:   rec.CreatedAt,
		})
		if err != nil {
			if errors.Is(err, store.ErrStaleStatus) {
				return fmt.Errorf("session %s: %w", p.req.SessionID, ErrAlreadyExported)
			}
			return err
		}
		if err := g.recorder.RecordTx(ctx, tx, p.req.SessionID, audit.ActionExportCommitted, map[string]any{
			"exportId":       rec.ExportID,
			"idempotencyKey": rec.IdempotencyKey,
			"eventName":      rec.EventName,
			"rowsInserted":   rec.RowsInserted,
		}); err != nil {
			return err
		}

		res = &Result{SessionID: rec.SessionID, ExportID: rec.ExportID, RowsInserted: rec.RowsInserted}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Another writer committed the same key between our lookup and insert.
		if res, lookupErr := g.lookup(ctx, p); res != nil || lookupErr != nil {
			return res, lookupErr
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// fail moves a session this attempt put into exporting to export_failed
func (g *Gate) fail(ctx context.Context, p *plan, cause error) {
	err := g.store.UpdateSession(ctx, store.StatusUpdate{
		ID:           p.req.SessionID,
		From:         []session.Status{session.StatusExporting},
		To:           session.StatusExportFailed,
		ErrorMessage: cause.Error(),
		At:           g.timeSource.Now(),
	})
	if err != nil {
		slog.Error("Failed to mark export as failed", "session_id", p.req.SessionID, "error", err)
		return
	}
	g.recorder.Record(ctx, p.req.SessionID, audit.ActionExportFailed, map[string]any{
		"idempotencyKey": p.req.IdempotencyKey,
		"error":          cause.Error(),
	})
}

// retryable reports whether err is a persistence failure rather than an
// outcome of the request itself
func retryable(err error) bool {
	return !errors.Is(err, ErrIdempotencyConflict) &&
		!errors.Is(err, ErrAlreadyExported) &&
		!errors.Is(err, ErrValidation)
}
