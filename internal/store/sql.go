// ABOUTME: database/sql implementation of the Store interface for SQLite and Postgres
// ABOUTME: Opens the driver, creates the schema and rebinds placeholders per dialect

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// SQLStore implements the Store interface on database/sql
type SQLStore struct {
	db       *sql.DB
	logger   *slog.Logger
	postgres bool
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Compile-time check
var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(DriverSQLite, path)
}

// Open connects to the database with the named driver and creates the schema if needed.
// For the SQLite drivers dsn is a file path; parent directories are created.
func Open(driver, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case DriverSQLite, DriverSQLite3:
		if dir := filepath.Dir(dsn); dir != "" && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLStore{
		db:       db,
		logger:   logger,
		postgres: driver == DriverPostgres,
	}

	if !s.postgres {
		// A single connection serializes writers and keeps pragmas in effect.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store initialized", "driver", driver)
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id                   TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		name                 TEXT NOT NULL,
		email                TEXT NOT NULL DEFAULT '',
		department           TEXT NOT NULL DEFAULT '',
		skills_json          TEXT NOT NULL DEFAULT '[]',
		state                TEXT NOT NULL,
		max_concurrent_chats INTEGER NOT NULL,
		active_conversations INTEGER NOT NULL DEFAULT 0,
		status_message       TEXT NOT NULL DEFAULT '',
		last_activity        TEXT,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL,

		CHECK (state IN ('Available', 'Busy', 'Away', 'DoNotDisturb', 'Offline')),
		CHECK (max_concurrent_chats >= 0),
		CHECK (active_conversations >= 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_tenant_department ON agents(tenant_id, department)`,

	`CREATE TABLE IF NOT EXISTS agent_sessions (
		id                   TEXT PRIMARY KEY,
		agent_id             TEXT NOT NULL REFERENCES agents(id),
		tenant_id            TEXT NOT NULL,
		state                TEXT NOT NULL,
		status_message       TEXT NOT NULL DEFAULT '',
		session_started      TEXT NOT NULL,
		last_heartbeat       TEXT NOT NULL,
		active_conversations INTEGER NOT NULL DEFAULT 0,
		session_ended        TEXT,
		end_reason           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_sessions_one_open
		ON agent_sessions(agent_id) WHERE session_ended IS NULL`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id                     TEXT PRIMARY KEY,
		tenant_id              TEXT NOT NULL,
		department             TEXT NOT NULL DEFAULT '',
		required_skills_json   TEXT NOT NULL DEFAULT '[]',
		priority               TEXT NOT NULL DEFAULT 'Normal',
		state                  TEXT NOT NULL,
		assigned_agent_id      TEXT,
		is_transfer_requested  INTEGER NOT NULL DEFAULT 0,
		transfer_reason        TEXT NOT NULL DEFAULT '',
		transferred_at         TEXT,
		transfer_completed_at  TEXT,
		transfer_summary       TEXT NOT NULL DEFAULT '',
		version                BIGINT NOT NULL DEFAULT 1,
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL,

		CHECK (state IN ('Unassigned', 'PendingTransfer', 'Assigned', 'Released'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_tenant_state ON conversations(tenant_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent_id)`,

	`CREATE TABLE IF NOT EXISTS conversation_transfers (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		from_agent_id   TEXT,
		to_agent_id     TEXT,
		transfer_reason TEXT NOT NULL,
		priority        TEXT NOT NULL DEFAULT 'Normal',
		status          TEXT NOT NULL,
		department      TEXT NOT NULL DEFAULT '',
		requested_by    TEXT NOT NULL DEFAULT '',
		transferred_at  TEXT NOT NULL,
		completed_at    TEXT,
		released_at     TEXT,
		release_reason  TEXT NOT NULL DEFAULT '',
		notes           TEXT NOT NULL DEFAULT '',
		commit_version  BIGINT NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,

		CHECK (status IN ('Pending', 'Completed', 'Rejected', 'Cancelled'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_one_pending
		ON conversation_transfers(conversation_id) WHERE status = 'Pending'`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_conversation
		ON conversation_transfers(conversation_id, commit_version)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id    TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL DEFAULT '',
		actor       TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		ts          TEXT NOT NULL,
		detail_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_target ON audit_log(target_type, target_id)`,
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// rebind rewrites ? placeholders to $n for Postgres
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
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

func (s *SQLStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn inside a transaction, rolling back on error
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if an error is a uniqueness or check constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is fixed-width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullTime converts an optional time into a nullable column value
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

// nullZeroTime stores the zero time as NULL
func nullZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// nullString converts empty strings to NULL for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
