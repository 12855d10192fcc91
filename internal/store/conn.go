package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/irys/internal/audit"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/table"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against either the pool or an open transaction
type conn struct {
	q queryer
	d dialect
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

func (c *conn) duplicate(err error, what string) error {
	if c.d.isUnique(err) {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateSchema inserts s. A taken event name returns ErrDuplicate.
func (c *conn) CreateSchema(ctx context.Context, s *schema.Schema) error {
	cols, err := json.Marshal(s.Columns)
	if err != nil {
		return fmt.Errorf("encoding columns: %w", err)
	}
	_, err = c.exec(ctx, `
		INSERT INTO schemas (id, event_name, columns, created_at) VALUES (?, ?, ?, ?)
	`, s.ID, nullable(s.EventName), string(cols), nanos(s.CreatedAt))
	if err != nil {
		return c.duplicate(err, "schema "+s.EventName)
	}
	return nil
}

// BindSchema attaches an ad-hoc schema to eventName
func (c *conn) BindSchema(ctx context.Context, id, eventName string) error {
	res, err := c.exec(ctx, `
		UPDATE schemas SET event_name = ? WHERE id = ? AND event_name IS NULL
	`, eventName, id)
	if err != nil {
		if c.d.isUnique(err) {
			return fmt.Errorf("binding schema to %s: %w", eventName, ErrDuplicate)
		}
		return fmt.Errorf("binding schema: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	s, err := c.GetSchema(ctx, id)
	if err != nil {
		return err
	}
	if s.EventName != eventName {
		return fmt.Errorf("schema %s is bound to %s: %w", id, s.EventName, ErrDuplicate)
	}
	return nil
}

func (c *conn) scanSchema(row *sql.Row) (*schema.Schema, error) {
	var (
		s         schema.Schema
		eventName sql.NullString
		cols      string
		created   int64
	)
	if err := row.Scan(&s.ID, &eventName, &cols, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	if err := json.Unmarshal([]byte(cols), &s.Columns); err != nil {
		return nil, fmt.Errorf("decoding columns: %w", err)
	}
	s.EventName = eventName.String
	s.CreatedAt = fromNanos(created)
	return &s, nil
}

// GetSchema returns the schema with id
func (c *conn) GetSchema(ctx context.Context, id string) (*schema.Schema, error) {
	return c.scanSchema(c.queryRow(ctx, `
		SELECT id, event_name, columns, created_at FROM schemas WHERE id = ?
	`, id))
}

// GetSchemaByEvent returns the schema registered under eventName
func (c *conn) GetSchemaByEvent(ctx context.Context, eventName string) (*schema.Schema, error) {
	return c.scanSchema(c.queryRow(ctx, `
		SELECT id, event_name, columns, created_at FROM schemas WHERE event_name = ?
	`, eventName))
}

// CreateSession inserts s
func (c *conn) CreateSession(ctx context.Context, s *session.Session) error {
	_, err := c.exec(ctx, `
		INSERT INTO sessions (id, schema_id, status, ocr_provider, row_count, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SchemaID, string(s.Status), s.OCRProvider, s.RowCount, s.ErrorMessage,
		nanos(s.CreatedAt), nanos(s.UpdatedAt))
	if err != nil {
		return c.duplicate(err, "session "+s.ID)
	}
	return nil
}

// GetSession returns the session with id
func (c *conn) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		s                session.Session
		status           string
		created, updated int64
	)
	err := c.queryRow(ctx, `
		SELECT id, schema_id, status, ocr_provider, row_count, error_message, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.SchemaID, &status, &s.OCRProvider, &s.RowCount, &s.ErrorMessage, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}
	s.Status = session.Status(status)
	s.CreatedAt = fromNanos(created)
	s.UpdatedAt = fromNanos(updated)
	return &s, nil
}

// UpdateSession applies u as a compare-and-set on the session status.
// Every From → To edge must be legal.
func (c *conn) UpdateSession(ctx context.Context, u StatusUpdate) error {
	if len(u.From) == 0 {
		u.From = session.Sources(u.To)
	}
	if len(u.From) == 0 {
		return fmt.Errorf("updating session %s: nothing moves to %s: %w", u.ID, u.To, session.ErrInvalidTransition)
	}
	args := []any{string(u.To), u.ErrorMessage, nanos(u.At)}
	set := "status = ?, error_message = ?, updated_at = ?"
	if u.RowCount != nil {
		set += ", row_count = ?"
		args = append(args, *u.RowCount)
	}
	args = append(args, u.ID)

	marks := make([]string, len(u.From))
	for i, from := range u.From {
		if err := session.CheckTransition(from, u.To); err != nil {
			return err
		}
		marks[i] = "?"
		args = append(args, string(from))
	}

	res, err := c.exec(ctx,
		"UPDATE sessions SET "+set+" WHERE id = ? AND status IN ("+strings.Join(marks, ", ")+")",
		args...)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session %s: %w", u.ID, err)
	}
	if n == 1 {
		return nil
	}

	current, err := c.GetSession(ctx, u.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s, cannot move to %s: %w", u.ID, current.Status, u.To, ErrStaleStatus)
}

// InsertExtractedRows stores rows for sessionID, replacing any earlier attempt
func (c *conn) InsertExtractedRows(ctx context.Context, sessionID string, rows []table.Row) error {
	if _, err := c.exec(ctx, `DELETE FROM extracted_rows WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing extracted rows: %w", err)
	}
	for _, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encoding fields: %w", err)
		}
		conf, err := json.Marshal(r.Confidence)
		if err != nil {
			return fmt.Errorf("encoding confidence: %w", err)
		}
		_, err = c.exec(ctx, `
			INSERT INTO extracted_rows (session_id, position, fields, confidence, row_confidence)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, r.Position, string(fields), string(conf), r.RowConfidence)
		if err != nil {
			return c.duplicate(err, "extracted row")
		}
	}
	return nil
}

// GetExtractedRows returns the rows of sessionID in position order
func (c *conn) GetExtractedRows(ctx context.Context, sessionID string) ([]table.Row, error) {
	rs, err := c.query(ctx, `
		SELECT position, fields, confidence, row_confidence
		FROM extracted_rows WHERE session_id = ? ORDER BY position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying extracted rows: %w", err)
	}
	defer rs.Close()

	rows := []table.Row{}
	for rs.Next() {
		var (
			r            table.Row
			fields, conf string
		)
		if err := rs.Scan(&r.Position, &fields, &conf, &r.RowConfidence); err != nil {
			return nil, fmt.Errorf("scanning extracted row: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields: %w", err)
		}
		if err := json.Unmarshal([]byte(conf), &r.Confidence); err != nil {
			return nil, fmt.Errorf("decoding confidence: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

// InsertExportRecord stores rec. A taken idempotency key returns ErrDuplicate.
func (c *conn) InsertExportRecord(ctx context.Context, rec *ExportRecord) error {
	_, err := c.exec(ctx, `
		INSERT INTO export_records (idempotency_key, export_id, session_id, event_name, request_hash, rows_inserted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.IdempotencyKey, rec.ExportID, rec.SessionID, rec.EventName, rec.RequestHash,
		rec.RowsInserted, nanos(rec.CreatedAt))
	if err != nil {
		return c.duplicate(err, "export record "+rec.IdempotencyKey)
	}
	return nil
}

// GetExportRecord returns the record stored under idempotencyKey
func (c *conn) GetExportRecord(ctx context.Context, idempotencyKey string) (*ExportRecord, error) {
	var (
		rec     ExportRecord
		created int64
	)
	err := c.queryRow(ctx, `
		SELECT idempotency_key, export_id, session_id, event_name, request_hash, rows_inserted, created_at
		FROM export_records WHERE idempotency_key = ?
	`, idempotencyKey).Scan(&rec.IdempotencyKey, &rec.ExportID, &rec.SessionID, &rec.EventName,
		&rec.RequestHash, &rec.RowsInserted, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading export record: %w", err)
	}
	rec.CreatedAt = fromNanos(created)
	return &rec, nil
}

// InsertRegisterRows appends rows to the register under rec's export id
func (c *conn) InsertRegisterRows(ctx context.Context, rec *ExportRecord, rows []map[string]string) error {
	for i, r := range rows {
		fields, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding register row: %w", err)
		}
		_, err = c.exec(ctx, `
			INSERT INTO register_rows (export_id, position, event_name, session_id, fields, exported_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ExportID, i, rec.EventName, rec.SessionID, string(fields), nanos(rec.CreatedAt))
		if err != nil {
			return c.duplicate(err, "register row")
		}
	}
	return nil
}

// ListExports returns the export batches of eventName, newest first
func (c *conn) ListExports(ctx context.Context, eventName string) ([]ExportSummary, error) {
	rs, err := c.query(ctx, `
		SELECT export_id, created_at, rows_inserted FROM export_records
		WHERE event_name = ? ORDER BY created_at DESC, export_id DESC
	`, eventName)
	if err != nil {
		return nil, fmt.Errorf("querying exports: %w", err)
	}
	defer rs.Close()

	exports := []ExportSummary{}
	for rs.Next() {
		var (
			e       ExportSummary
			created int64
		)
		if err := rs.Scan(&e.ExportID, &created, &e.RowCount); err != nil {
			return nil, fmt.Errorf("scanning export: %w", err)
		}
		e.ExportedAt = fromNanos(created)
		exports = append(exports, e)
	}
	return exports, rs.Err()
}

// GetExportRows returns the rows of one export batch in insertion order
func (c *conn) GetExportRows(ctx context.Context, eventName, exportID string) ([]map[string]string, error) {
	var exists int
	err := c.queryRow(ctx, `
		SELECT 1 FROM export_records WHERE export_id = ? AND event_name = ?
	`, exportID, eventName).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading export: %w", err)
	}

	rs, err := c.query(ctx, `
		SELECT fields FROM register_rows WHERE export_id = ? ORDER BY position
	`, exportID)
	if err != nil {
		return nil, fmt.Errorf("querying register rows: %w", err)
	}
	defer rs.Close()

	rows := []map[string]string{}
	for rs.Next() {
		var fields string
		if err := rs.Scan(&fields); err != nil {
			return nil, fmt.Errorf("scanning register row: %w", err)
		}
		var r map[string]string
		if err := json.Unmarshal([]byte(fields), &r); err != nil {
			return nil, fmt.Errorf("decoding register row: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

// AppendAudit stores e
func (c *conn) AppendAudit(ctx context.Context, e audit.Event) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}
	_, err = c.exec(ctx, `
		INSERT INTO audit_events (id, session_id, action, metadata, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, string(e.Action), string(meta), nanos(e.Timestamp))
	if err != nil {
		return c.duplicate(err, "audit event")
	}
	return nil
}

// ListAudit returns the audit trail of sessionID in append order
func (c *conn) ListAudit(ctx context.Context, sessionID string) ([]audit.Event, error) {
	rs, err := c.query(ctx, `
		SELECT id, session_id, action, metadata, created_at
		FROM audit_events WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rs.Close()

	events := []audit.Event{}
	for rs.Next() {
		var (
			e       audit.Event
			action  string
			meta    string
			created int64
		)
		if err := rs.Scan(&e.ID, &e.SessionID, &action, &meta, &created); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding audit metadata: %w", err)
		}
		e.Action = audit.Action(action)
		e.Timestamp = fromNanos(created)
		events = append(events, e)
	}
	return events, rs.Err()
}
