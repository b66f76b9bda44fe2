// Package store provides persistent storage for toolhost using SQLite.
//
// # Architecture
//
// The store package exposes small interfaces, one per consumer:
//
//   - FunctionStore: versioned function source and module preambles
//   - SessionStore: execution sessions and per-call usage rows
//   - ServerStore: the external tool server catalog
//   - PreferenceStore: operator-pinned tool providers
//
// SQLiteStore implements all of them in a single struct.
//
// # Function Versions
//
// Each function name owns a monotonically increasing sequence of versions.
// Rows are never rewritten except for the active flag, the activation
// timestamp, and the test fields. A partial unique index guarantees that at
// most one version per name is active, and ActivateFunctionVersion performs
// the deactivate/activate pair inside one transaction, so readers never see
// zero or two active versions mid-flip.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Two drivers are supported through Open:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateServer: Server name already in the catalog
//   - ErrSessionClosed: Session already ended
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Tests use a temporary database file per test:
//
//	store, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
package store
