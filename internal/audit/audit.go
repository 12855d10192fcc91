// Package audit records an append-only trail of session transitions.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/irys/internal/sys"
)

// Action names a recorded transition
type Action string

const (
	ActionSessionCreated   Action = "session_created"
	ActionExtractStarted   Action = "extract_started"
	ActionExtractSucceeded Action = "extract_succeeded"
	ActionExtractFailed    Action = "extract_failed"
	ActionExportStarted    Action = "export_started"
	ActionExportCommitted  Action = "export_committed"
	ActionExportFailed     Action = "export_failed"
)

// Event is one immutable audit entry
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Action    Action         `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// Appender persists events; both the store and its transactions satisfy it
type Appender interface {
	AppendAudit(ctx context.Context, e Event) error
}

// Recorder builds and appends audit events
type Recorder struct {
	store       Appender
	idGenerator sys.IDGenerator
	timeSource  sys.TimeSource
}

// NewRecorder creates a Recorder with random IDs and the wall clock
func NewRecorder(store Appender) *Recorder {
	return NewRecorderWithDeps(store, sys.UUIDGenerator{}, sys.Clock{})
}

// NewRecorderWithDeps creates a Recorder with custom dependencies for testing
func NewRecorderWithDeps(store Appender, idGen sys.IDGenerator, timeSrc sys.TimeSource) *Recorder {
	return &Recorder{store: store, idGenerator: idGen, timeSource: timeSrc}
}

func (r *Recorder) event(sessionID string, action Action, metadata map[string]any) Event {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Event{
		ID:        r.idGenerator.Generate(),
		SessionID: sessionID,
		Action:    action,
		Metadata:  metadata,
		Timestamp: r.timeSource.Now(),
	}
}

// Record appends an event outside any transaction. It survives caller
// cancellation, and a failure is logged rather than returned.
func (r *Recorder) Record(ctx context.Context, sessionID string, action Action, metadata map[string]any) {
	e := r.event(sessionID, action, metadata)
	if err := r.store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		slog.Error("Failed to record audit event",
			"session_id", sessionID,
			"action", action,
			"error", err,
		)
	}
}

// RecordTx appends an event through tx so it commits or rolls back with the
// transition it describes.
func (r *Recorder) RecordTx(ctx context.Context, tx Appender, sessionID string, action Action, metadata map[string]any) error {
	if err := tx.AppendAudit(ctx, r.event(sessionID, action, metadata)); err != nil {
		return fmt.Errorf("appending audit event %s: %w", action, err)
	}
	return nil
}
