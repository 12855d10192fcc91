// Package store persists schemas, sessions, extracted rows, committed
// exports and the audit trail in PostgreSQL or SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zombor/irys/internal/audit"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/session"
	"github.com/zombor/irys/internal/table"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("duplicate key")
	// ErrStaleStatus is returned when a status update finds the session in
	// a status other than the expected ones
	ErrStaleStatus = errors.New("stale session status")
)

// ExportRecord is the durable result of one committed export
type ExportRecord struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	ExportID       string    `json:"exportId"`
	SessionID      string    `json:"sessionId"`
	EventName      string    `json:"eventName"`
	RequestHash    string    `json:"requestHash"`
	RowsInserted   int       `json:"rowsInserted"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ExportSummary describes one export batch in an event's register
type ExportSummary struct {
	ExportID   string    `json:"exportId"`
	ExportedAt time.Time `json:"exportedAt"`
	RowCount   int       `json:"rowCount"`
}

// StatusUpdate moves a session to To only if it is currently in one of From.
// An empty From means every status with an edge into To.
type StatusUpdate struct {
	ID           string
	From         []session.Status
	To           session.Status
	ErrorMessage string
	RowCount     *int
	At           time.Time
}

// Reader holds the queries available both on the store and inside a transaction
type Reader interface {
	GetSchema(ctx context.Context, id string) (*schema.Schema, error)
	GetSchemaByEvent(ctx context.Context, eventName string) (*schema.Schema, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	GetExtractedRows(ctx context.Context, sessionID string) ([]table.Row, error)
	GetExportRecord(ctx context.Context, idempotencyKey string) (*ExportRecord, error)
	ListExports(ctx context.Context, eventName string) ([]ExportSummary, error)
	GetExportRows(ctx context.Context, eventName, exportID string) ([]map[string]string, error)
	ListAudit(ctx context.Context, sessionID string) ([]audit.Event, error)
}

// Writer holds the mutations available both on the store and inside a transaction
type Writer interface {
	CreateSchema(ctx context.Context, s *schema.Schema) error
	BindSchema(ctx context.Context, id, eventName string) error
	CreateSession(ctx context.Context, s *session.Session) error
	UpdateSession(ctx context.Context, u StatusUpdate) error
	InsertExtractedRows(ctx context.Context, sessionID string, rows []table.Row) error
	InsertExportRecord(ctx context.Context, rec *ExportRecord) error
	InsertRegisterRows(ctx context.Context, rec *ExportRecord, rows []map[string]string) error
	AppendAudit(ctx context.Context, e audit.Event) error
}

// Tx is a unit of work that commits or rolls back as a whole
type Tx interface {
	Reader
	Writer
}

// Store is the persistence interface used by the pipeline
type Store interface {
	Tx
	// InTx runs fn in a transaction. A non-empty lockKey serializes every
	// transaction holding the same key until commit or rollback.
	InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store over database/sql
type SQLStore struct {
	*conn
	db *sql.DB
}

// Open connects to driver ("postgres" or "sqlite") at dsn, applies the
// schema and fails fast if the database is unreachable.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.name, err)
	}
	if d.setup != nil {
		if err := d.setup(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring %s database: %w", d.name, err)
		}
	}

	s := &SQLStore{conn: &conn{q: db, d: d}, db: db}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema applies the embedded schema. Safe to run multiple times.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.schema); err != nil {
		return fmt.Errorf("applying %s schema: %w", s.d.name, err)
	}
	return nil
}

// Ping validates database connectivity for readiness checks
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging %s database: %w", s.d.name, err)
	}
	return nil
}

// Close shuts down the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction, rolling back when fn returns an error.
func (s *SQLStore) InTx(ctx context.Context, lockKey string, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &conn{q: sqlTx, d: s.d}
	if lockKey != "" {
		if err := s.d.lock(ctx, sqlTx, lockKey); err != nil {
			return fmt.Errorf("acquiring lock %q: %w", lockKey, err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
