// Package pipeline runs capture sessions end to end: image in, schema
// aligned rows out, and verified rows committed to a register.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/irys/internal/audit"
	"github.com/zombor/irys/internal/export"
	"github.com/zombor/irys/internal/normalize"
	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/readiness"
	"github.com/zombor/irys/internal/reconcile"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/store"
	"github.com/zombor/irys/internal/sys"
	"github.com/zombor/irys/internal/table"
)

const (
	DefaultOCRTimeout = 120 * time.Second
	DefaultRetryDelay = 200 * time.Millisecond
)

// Options tunes a Service
type Options struct {
	OCRTimeout    time.Duration
	MaxImageBytes int64
	RetryDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.OCRTimeout <= 0 {
		o.OCRTimeout = DefaultOCRTimeout
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = ocr.DefaultMaxImageBytes
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	return o
}

// Service handles extraction, export and history operations
type Service struct {
	store       store.Store
	provider    ocr.Provider
	normalizer  *normalize.Normalizer
	ready       *readiness.Gate
	gate        *export.Gate
	recorder    *audit.Recorder
	idGenerator sys.IDGenerator
	timeSource  sys.TimeSource
	opts        Options
}

// NewService creates a Service with random IDs and the wall clock
func NewService(st store.Store, provider ocr.Provider, n *normalize.Normalizer, ready *readiness.Gate, opts Options) *Service {
	return NewServiceWithDeps(st, provider, n, ready, opts, sys.UUIDGenerator{}, sys.Clock{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(st store.Store, provider ocr.Provider, n *normalize.Normalizer, ready *readiness.Gate, opts Options, idGen sys.IDGenerator, timeSrc sys.TimeSource) *Service {
	opts = opts.withDefaults()
	recorder := audit.NewRecorderWithDeps(st, idGen, timeSrc)
	return &Service{
		store:       st,
		provider:    provider,
		normalizer:  n,
		ready:       ready,
		gate:        export.NewGateWithDeps(st, recorder, idGen, timeSrc, opts.RetryDelay),
		recorder:    recorder,
		idGenerator: idGen,
		timeSource:  timeSrc,
		opts:        opts,
	}
}

// ProviderName names the configured OCR provider
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Ready reports whether extraction requests can be served
func (s *Service) Ready(ctx context.Context) error {
	if err := s.ready.Check(); err != nil {
		return err
	}
	return s.store.Ping(ctx)
}

// Readiness returns the engine readiness snapshot
func (s *Service) Readiness() readiness.Snapshot {
	return s.ready.Status()
}

// ExtractRequest is one uploaded capture
type ExtractRequest struct {
	Image       []byte
	ContentType string
	// Columns names the register columns in order. Optional when EventName
	// names a register or SessionID retries a failed session.
	Columns   []string
	EventName string
	// SessionID retries a session whose extraction failed.
	SessionID string
}

// RowConfidence is the confidence of one extracted row
type RowConfidence struct {
	Fields map[string]float64 `json:"fields"`
	Row    float64            `json:"row"`
}

// ExtractResult is a normalized table bound to its session
type ExtractResult struct {
	SessionID   string          `json:"sessionId"`
	Table       table.Table     `json:"table"`
	Confidence  []RowConfidence `json:"confidence"`
	RowCount    int             `json:"rowCount"`
	ColumnCount int             `json:"columnCount"`
	OCRProvider string          `json:"ocrProvider"`
	Format      ocr.Format      `json:"format"`
	Warnings    []string        `json:"warnings"`
}

// Extract reads a register image into rows aligned to its schema
func (s *Service) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	if err := s.ready.Check(); err != nil {
		return nil, Classify(err, req.SessionID)
	}

	img := ocr.Image{Data: req.Image, ContentType: ocr.ContentType(req.ContentType, req.Image)}
	if err := ocr.Validate(img, s.opts.MaxImageBytes); err != nil {
		return nil, Classify(err, req.SessionID)
	}

	sch, sess, err := s.begin(ctx, req)
	if err != nil {
		return nil, Classify(err, req.SessionID)
	}
	img.Hints = sch.Names()

	logger := slog.With("session_id", sess.ID, "provider", s.provider.Name())
	logger.Info("Extracting register", "content_type", img.ContentType, "image_size", len(img.Data))

	res, err := s.read(ctx, img, sch)
	if err != nil {
		logger.Error("Extraction failed", "error", err)
		s.failExtract(ctx, sess.ID, err)
		return nil, Classify(err, sess.ID)
	}

	if err := s.saveExtraction(ctx, sess.ID, res); err != nil {
		logger.Error("Failed to save extraction", "error", err)
		s.failExtract(ctx, sess.ID, err)
		return nil, &Error{
			Code:      CodePersistenceFailed,
			Message:   "the extracted rows could not be saved",
			SessionID: sess.ID,
			Retryable: true,
			Err:       err,
		}
	}
	logger.Info("Extracted register", "rows", len(res.Rows), "warnings", len(res.Warnings))

	out := &ExtractResult{
		SessionID:   sess.ID,
		Table:       res.Table(),
		Confidence:  make([]RowConfidence, len(res.Rows)),
		RowCount:    len(res.Rows),
		ColumnCount: len(res.Headers),
		OCRProvider: s.provider.Name(),
		Format:      res.Format,
		Warnings:    res.Warnings,
	}
	for i, r := range res.Rows {
		out.Confidence[i] = RowConfidence{Fields: r.Confidence, Row: r.RowConfidence}
	}
	return out, nil
}

// begin resolves the schema and moves the session into extracting
func (s *Service) begin(ctx context.Context, req ExtractRequest) (*schema.Schema, *session.Session, error) {
	sch, sess, err := s.resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	if sess == nil {
		if sch.ID == "" {
			sch.ID = s.idGenerator.Generate()
			sch.CreatedAt = s.timeSource.Now()
			if err := s.store.CreateSchema(ctx, sch); err != nil {
				return nil, nil, fmt.Errorf("creating schema: %w", err)
			}
		}
		now := s.timeSource.Now()
		sess = &session.Session{
			ID:          s.idGenerator.Generate(),
			SchemaID:    sch.ID,
			Status:      session.StatusCreated,
			OCRProvider: s.provider.Name(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			return nil, nil, fmt.Errorf("creating session: %w", err)
		}
		s.recorder.Record(ctx, sess.ID, audit.ActionSessionCreated, map[string]any{
			"schemaId":  sch.ID,
			"eventName": sch.EventName,
		})
	}

	err = s.store.UpdateSession(ctx, store.StatusUpdate{
		ID: sess.ID,
		To: session.StatusExtracting,
		At:   s.timeSource.Now(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting extraction: %w", err)
	}
	s.recorder.Record(ctx, sess.ID, audit.ActionExtractStarted, map[string]any{
		"provider": s.provider.Name(),
		"retry":    req.SessionID != "",
	})
	return sch, sess, nil
}

// resolve finds the schema for req, and the session when req is a retry.
// A schema without an ID is ad hoc and not yet stored.
func (s *Service) resolve(ctx context.Context, req ExtractRequest) (*schema.Schema, *session.Session, error) {
	eventName := strings.TrimSpace(req.EventName)

	if req.SessionID != "" {
		sess, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting session %s: %w", req.SessionID, err)
		}
		if sess.Status != session.StatusExtractFailed {
			return nil, nil, fmt.Errorf("session %s is %s; only failed extractions can be retried: %w",
				sess.ID, sess.Status, session.ErrInvalidTransition)
		}
		sch, err := s.store.GetSchema(ctx, sess.SchemaID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting schema: %w", err)
		}
		if len(req.Columns) > 0 && !sch.SameNames(req.Columns) {
			return nil, nil, invalid("columns %v do not match the session's columns %v", req.Columns, sch.Names())
		}
		return sch, sess, nil
	}

	if eventName != "" {
		sch, err := s.store.GetSchemaByEvent(ctx, eventName)
		switch {
		case err == nil:
			if len(req.Columns) > 0 && !sch.SameNames(req.Columns) {
				return nil, nil, invalid("columns %v do not match register %q columns %v", req.Columns, eventName, sch.Names())
			}
			return sch, nil, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, nil, fmt.Errorf("getting register %s: %w", eventName, err)
		}
	}

	if len(req.Columns) == 0 {
		return nil, nil, invalid("columns are required")
	}
	sch, err := schema.New("", schema.TextColumns(req.Columns))
	if err != nil {
		return nil, nil, err
	}
	return sch, nil, nil
}

// read runs OCR and normalization under the OCR timeout
func (s *Service) read(ctx context.Context, img ocr.Image, sch *schema.Schema) (*normalize.Result, error) {
	ocrCtx, cancel := context.WithTimeout(ctx, s.opts.OCRTimeout)
	defer cancel()

	raw, err := s.provider.Extract(ocrCtx, img)
	if err != nil {
		return nil, ocr.Classify(ocrCtx, s.provider.Name(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.normalizer.Normalize(ctx, raw, sch)
}

// saveExtraction stores rows and marks the session extracted in one
// transaction, retrying once.
func (s *Service) saveExtraction(ctx context.Context, sessionID string, res *normalize.Result) error {
	ctx = context.WithoutCancel(ctx)
	save := func() error {
		return s.store.InTx(ctx, "", func(tx store.Tx) error {
			if err := tx.InsertExtractedRows(ctx, sessionID, res.Rows); err != nil {
				return err
			}
			count := len(res.Rows)
			err := tx.UpdateSession(ctx, store.StatusUpdate{
				ID:       sessionID,
				From:     []session.Status{session.StatusExtracting},
				To:       session.StatusExtracted,
				RowCount: &count,
				At:       s.timeSource.Now(),
			})
			if err != nil {
				return err
			}
			return s.recorder.RecordTx(ctx, tx, sessionID, audit.ActionExtractSucceeded, map[string]any{
				"rowCount": count,
				"warnings": len(res.Warnings),
				"format":   string(res.Format),
			})
		})
	}

	err := save()
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		slog.Warn("Retrying extraction save", "session_id", sessionID, "error", err)
		time.Sleep(s.opts.RetryDelay)
		err = save()
	}
	return err
}

// failExtract moves the session to extract_failed. It runs even when the
// caller has gone away.
func (s *Service) failExtract(ctx context.Context, sessionID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	switch {
	case errors.Is(cause, context.Canceled):
		reason = session.ReasonCancelled
	case errors.Is(cause, ocr.ErrTimeout), errors.Is(cause, reconcile.ErrTimeout):
		reason = session.ReasonTimeout
	}

	err := s.store.UpdateSession(ctx, store.StatusUpdate{
		ID:           sessionID,
		From:         []session.Status{session.StatusExtracting},
		To:           session.StatusExtractFailed,
		ErrorMessage: reason,
		At:           s.timeSource.Now(),
	})
	if err != nil {
		slog.Error("Failed to mark extraction as failed", "session_id", sessionID, "error", err)
		return
	}
	s.recorder.Record(ctx, sessionID, audit.ActionExtractFailed, map[string]any{
		"reason": reason,
		"code":   string(Classify(cause, sessionID).Code),
	})
}
