package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

// PgErrUniqueViolation is the SQLSTATE for unique_violation
const PgErrUniqueViolation = "23505"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// dialect carries what differs between the supported databases
type dialect struct {
	name     string
	driver   string
	schema   string
	rebind   func(query string) string
	lock     func(ctx context.Context, tx execer, key string) error
	isUnique func(err error) bool
	setup    func(ctx context.Context, db *sql.DB) error
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return postgres, nil
	case "sqlite", "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

var postgres = dialect{
	name:   "postgres",
	driver: "pgx",
	schema: postgresSchema,
	rebind: dollarPlaceholders,
	lock: func(ctx context.Context, tx execer, key string) error {
		_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
		return err
	},
	isUnique: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == PgErrUniqueViolation
	},
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: sqliteSchema,
	rebind: func(q string) string { return q },
	// Writing a row takes the database write lock for the rest of the
	// transaction, which serializes every holder of any key.
	lock: func(ctx context.Context, tx execer, key string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO export_locks (lock_key, acquired_at) VALUES (?, ?)
			ON CONFLICT (lock_key) DO UPDATE SET acquired_at = excluded.acquired_at
		`, key, time.Now().UnixNano())
		return err
	},
	isUnique: func(err error) bool {
		var sqliteErr *sqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
		}
		return false
	},
	setup: func(ctx context.Context, db *sql.DB) error {
		// One connection keeps in-memory databases shared and avoids
		// SQLITE_BUSY between pooled writers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	},
}

// dollarPlaceholders rewrites ? placeholders as $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
