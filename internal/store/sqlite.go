// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Handles schema creation, migrations, and driver selection

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open
const (
	DriverModernc = "sqlite"  // pure Go, the default
	DriverCGo     = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the store interfaces using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path with the
// default pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store using the named database/sql driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGo:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps per-connection
	// pragmas (and :memory: databases) consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS function_versions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			name         TEXT NOT NULL,
			module_group TEXT NOT NULL,
			version      INTEGER NOT NULL,
			code         TEXT NOT NULL,
			test_code    TEXT,
			description  TEXT,
			active       INTEGER NOT NULL DEFAULT 0,
			test_status  TEXT NOT NULL DEFAULT 'untested',
			test_output  TEXT,
			created_at   TEXT NOT NULL,
			activated_at TEXT,

			UNIQUE(name, version),
			CHECK (test_status IN ('untested', 'passed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_function_versions_group
			ON function_versions(module_group, name);

		-- At most one active version per function name
		CREATE UNIQUE INDEX IF NOT EXISTS idx_function_versions_active
			ON function_versions(name) WHERE active = 1;

		CREATE TABLE IF NOT EXISTS module_preambles (
			module_group TEXT PRIMARY KEY,
			code         TEXT NOT NULL,
			description  TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT,
			group_id        TEXT,
			started_at      TEXT NOT NULL,
			ended_at        TEXT,
			success         INTEGER,
			func_names      TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id);

		CREATE TABLE IF NOT EXISTS usage_log (
			id            TEXT PRIMARY KEY,
			session_id    TEXT REFERENCES sessions(id),
			func_name     TEXT NOT NULL,
			func_version  INTEGER NOT NULL DEFAULT 0,
			module_group  TEXT,
			provider      TEXT,
			called_at     TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			success       INTEGER NOT NULL,
			error_message TEXT,
			args_summary  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_usage_log_session ON usage_log(session_id);
		CREATE INDEX IF NOT EXISTS idx_usage_log_func ON usage_log(func_name, called_at);

		CREATE TABLE IF NOT EXISTS servers (
			name            TEXT PRIMARY KEY,
			command         TEXT NOT NULL,
			args            TEXT NOT NULL DEFAULT '[]',
			env             TEXT NOT NULL DEFAULT '{}',
			enabled         INTEGER NOT NULL DEFAULT 1,
			allow_listed    INTEGER NOT NULL DEFAULT 0,
			package         TEXT,
			package_manager TEXT,
			description     TEXT,
			added_at        TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tool_preferences (
			tool_name  TEXT PRIMARY KEY,
			provider   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "usage_log",
			column: "provider",
			apply:  `ALTER TABLE usage_log ADD COLUMN provider TEXT`,
		},
		{
			table:  "servers",
			column: "allow_listed",
			apply:  `ALTER TABLE servers ADD COLUMN allow_listed INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements the store interfaces.
var (
	_ FunctionStore   = (*SQLiteStore)(nil)
	_ SessionStore    = (*SQLiteStore)(nil)
	_ ServerStore     = (*SQLiteStore)(nil)
	_ PreferenceStore = (*SQLiteStore)(nil)
)
