package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/irys/internal/audit"
	"github.com/zombor/irys/internal/export"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/store"
	"github.com/zombor/irys/internal/table"
)

// ExportResult is the outcome of an export call
type ExportResult struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId"`
	ExportID     string `json:"exportId"`
	RowsInserted int    `json:"rowsInserted"`
	Replayed     bool   `json:"replayed"`
	Message      string `json:"message"`
}

// Export commits verified rows for a session, or replays an earlier commit
// made under the same idempotency key
func (s *Service) Export(ctx context.Context, req export.Request) (*ExportResult, error) {
	res, err := s.gate.Export(ctx, req)
	if err != nil {
		slog.Error("Export failed",
			"session_id", req.SessionID,
			"event_name", req.EventName,
			"idempotency_key", req.IdempotencyKey,
			"error", err,
		)
		return nil, Classify(err, req.SessionID)
	}

	msg := fmt.Sprintf("Exported %d row(s) to %s", res.RowsInserted, strings.TrimSpace(req.EventName))
	if res.Replayed {
		msg = fmt.Sprintf("Already exported %d row(s) to %s", res.RowsInserted, strings.TrimSpace(req.EventName))
	}
	slog.Info("Export complete",
		"session_id", res.SessionID,
		"export_id", res.ExportID,
		"rows", res.RowsInserted,
		"replayed", res.Replayed,
	)
	return &ExportResult{
		Success:      true,
		SessionID:    res.SessionID,
		ExportID:     res.ExportID,
		RowsInserted: res.RowsInserted,
		Replayed:     res.Replayed,
		Message:      msg,
	}, nil
}

// ListExports returns the export batches of a register, newest first
func (s *Service) ListExports(ctx context.Context, eventName string) ([]store.ExportSummary, error) {
	exports, err := s.store.ListExports(ctx, eventName)
	if err != nil {
		return nil, Classify(err, "")
	}
	return exports, nil
}

// GetExportRows returns the rows committed by one export
func (s *Service) GetExportRows(ctx context.Context, eventName, exportID string) ([]map[string]string, error) {
	rows, err := s.store.GetExportRows(ctx, eventName, exportID)
	if err != nil {
		return nil, Classify(err, "")
	}
	return rows, nil
}

// CreateRegister registers typed columns under eventName
func (s *Service) CreateRegister(ctx context.Context, eventName string, columns []schema.Column) (*schema.Schema, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, Classify(invalid("eventName is required"), "")
	}
	sch, err := schema.New(eventName, columns)
	if err != nil {
		return nil, Classify(err, "")
	}
	sch.ID = s.idGenerator.Generate()
	sch.CreatedAt = s.timeSource.Now()
	if err := s.store.CreateSchema(ctx, sch); err != nil {
		e := Classify(err, "")
		if e.Code == CodeAlreadyExists {
			e.Message = fmt.Sprintf("register %q already exists", eventName)
		}
		return nil, e
	}
	slog.Info("Created register", "event_name", eventName, "columns", len(sch.Columns))
	return sch, nil
}

// GetRegister returns the schema registered under eventName
func (s *Service) GetRegister(ctx context.Context, eventName string) (*schema.Schema, error) {
	sch, err := s.store.GetSchemaByEvent(ctx, eventName)
	if err != nil {
		return nil, Classify(err, "")
	}
	return sch, nil
}

// SessionDetail is a session with its rows and audit trail
type SessionDetail struct {
	Session *session.Session `json:"session"`
	Schema  *schema.Schema   `json:"schema"`
	Rows    []table.Row      `json:"rows"`
	Audit   []audit.Event    `json:"audit"`
}

// GetSession returns a session with its rows and audit trail
func (s *Service) GetSession(ctx context.Context, id string) (*SessionDetail, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, Classify(err, id)
	}
	sch, err := s.store.GetSchema(ctx, sess.SchemaID)
	if err != nil {
		return nil, Classify(err, id)
	}
	rows, err := s.store.GetExtractedRows(ctx, id)
	if err != nil {
		return nil, Classify(err, id)
	}
	events, err := s.store.ListAudit(ctx, id)
	if err != nil {
		return nil, Classify(err, id)
	}
	return &SessionDetail{Session: sess, Schema: sch, Rows: rows, Audit: events}, nil
}
