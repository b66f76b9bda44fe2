// ABOUTME: Tests for SQLite store construction and schema management
// ABOUTME: Covers directory creation, driver selection, and idempotent migrations

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(tmpDir, "subdir", "nested"))
	assert.NoError(t, err)
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Schema creation and migrations must be idempotent.
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestOpen_MemoryDatabase(t *testing.T) {
	store, err := Open(DriverModernc, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	servers, err := store.ListServers(t.Context())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}
