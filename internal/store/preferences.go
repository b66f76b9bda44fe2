// ABOUTME: SQLite persistence for operator tool provider preferences
// ABOUTME: One row per tool name, replaced on every update

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetToolPreference creates or replaces the preferred provider for a tool.
func (s *SQLiteStore) SetToolPreference(ctx context.Context, pref *ToolPreference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_preferences (tool_name, provider, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tool_name) DO UPDATE SET
			provider = excluded.provider,
			updated_at = excluded.updated_at
	`, pref.ToolName, pref.Provider, formatTime(pref.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving tool preference: %w", err)
	}
	return nil
}

// GetToolPreference returns the preference for a tool.
// Returns ErrNotFound if none is set.
func (s *SQLiteStore) GetToolPreference(ctx context.Context, toolName string) (*ToolPreference, error) {
	var pref ToolPreference
	var updatedAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT tool_name, provider, updated_at FROM tool_preferences WHERE tool_name = ?`, toolName,
	).Scan(&pref.ToolName, &pref.Provider, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool preference: %w", err)
	}
	if pref.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &pref, nil
}

// ListToolPreferences returns every stored preference ordered by tool name.
func (s *SQLiteStore) ListToolPreferences(ctx context.Context) ([]*ToolPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, provider, updated_at FROM tool_preferences ORDER BY tool_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tool preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prefs []*ToolPreference
	for rows.Next() {
		var pref ToolPreference
		var updatedAtStr string
		if err := rows.Scan(&pref.ToolName, &pref.Provider, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning tool preference: %w", err)
		}
		if pref.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		prefs = append(prefs, &pref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool preferences: %w", err)
	}
	return prefs, nil
}

// DeleteToolPreference removes the preference for a tool.
func (s *SQLiteStore) DeleteToolPreference(ctx context.Context, toolName string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_preferences WHERE tool_name = ?`, toolName)
	if err != nil {
		return fmt.Errorf("deleting tool preference: %w", err)
	}
	return expectOneRow(result)
}
