// ABOUTME: SQLite persistence for the external tool server catalog
// ABOUTME: Supports add, lookup, search, enable/disable, and removal

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const serverColumns = `
	name, command, args, env, enabled, allow_listed,
	package, package_manager, description, added_at
`

// CreateServer adds a server to the catalog.
// Returns ErrDuplicateServer if the name is taken.
func (s *SQLiteStore) CreateServer(ctx context.Context, server *Server) error {
	args, err := json.Marshal(nonNil(server.Args))
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env := server.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}
	if server.AddedAt.IsZero() {
		server.AddedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		server.Name,
		server.Command,
		string(args),
		string(envJSON),
		boolToInt(server.Enabled),
		boolToInt(server.AllowListed),
		nullString(server.Package),
		nullString(server.PackageManager),
		nullString(server.Description),
		formatTime(server.AddedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Info("added server", "name", server.Name, "command", server.Command)
	return nil
}

// GetServer retrieves a catalog entry by name.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetServer(ctx context.Context, name string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	server, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return server, err
}

// ListServers returns every catalog entry ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	return s.queryServers(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
}

// SearchServers returns entries whose name, package, or description contains query.
func (s *SQLiteStore) SearchServers(ctx context.Context, query string) ([]*Server, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	return s.queryServers(ctx, `
		SELECT `+serverColumns+` FROM servers
		WHERE lower(name) LIKE ? OR lower(COALESCE(package, '')) LIKE ? OR lower(COALESCE(description, '')) LIKE ?
		ORDER BY name
	`, pattern, pattern, pattern)
}

// SetServerEnabled toggles whether a server is started on initialization.
func (s *SQLiteStore) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE servers SET enabled = ? WHERE name = ?`, boolToInt(enabled), name,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	return expectOneRow(result)
}

// DeleteServer removes a catalog entry.
func (s *SQLiteStore) DeleteServer(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	s.logger.Info("removed server", "name", name)
	return nil
}

func (s *SQLiteStore) queryServers(ctx context.Context, query string, args ...any) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return servers, nil
}

func scanServer(row rowScanner) (*Server, error) {
	var server Server
	var argsJSON, envJSON, addedAtStr string
	var enabled, allowListed int
	var pkg, pkgManager, description sql.NullString

	err := row.Scan(
		&server.Name,
		&server.Command,
		&argsJSON,
		&envJSON,
		&enabled,
		&allowListed,
		&pkg,
		&pkgManager,
		&description,
		&addedAtStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning server: %w", err)
	}

	if err := json.Unmarshal([]byte(argsJSON), &server.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &server.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	server.Enabled = enabled == 1
	server.AllowListed = allowListed == 1
	server.Package = pkg.String
	server.PackageManager = pkgManager.String
	server.Description = description.String

	if server.AddedAt, err = parseTime(addedAtStr); err != nil {
		return nil, fmt.Errorf("parsing added_at: %w", err)
	}
	return &server, nil
}
