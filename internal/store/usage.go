// ABOUTME: SQLite implementation for execution sessions and tool usage tracking
// ABOUTME: Stores per-call usage rows and aggregates them into statistics

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateSession stores a new open session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	names, err := json.Marshal(nonNil(session.FuncNames))
	if err != nil {
		return fmt.Errorf("encoding func names: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, group_id, started_at, func_names)
		VALUES (?, ?, ?, ?, ?)
	`,
		session.ID,
		nullString(session.ConversationID),
		nullString(session.GroupID),
		formatTime(session.StartedAt),
		string(names),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "conversation_id", session.ConversationID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	var conversationID, groupID, endedAt sql.NullString
	var success sql.NullInt64
	var startedAtStr, namesJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, group_id, started_at, ended_at, success, func_names
		FROM sessions WHERE id = ?
	`, id).Scan(
		&session.ID,
		&conversationID,
		&groupID,
		&startedAtStr,
		&endedAt,
		&success,
		&namesJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.ConversationID = conversationID.String
	session.GroupID = groupID.String
	if success.Valid {
		ok := success.Int64 == 1
		session.Success = &ok
	}
	if session.StartedAt, err = parseTime(startedAtStr); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if session.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	if err := json.Unmarshal([]byte(namesJSON), &session.FuncNames); err != nil {
		return nil, fmt.Errorf("decoding func names: %w", err)
	}
	return &session, nil
}

// EndSession closes a session. Returns ErrNotFound for unknown sessions and
// ErrSessionClosed when the session already ended.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, success bool, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, success = ?
		WHERE id = ? AND ended_at IS NULL
	`, formatTime(endedAt), boolToInt(success), id)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
		return ErrSessionClosed
	}
	return nil
}

// UpdateSessionFuncNames replaces the distinct function names of an open session.
func (s *SQLiteStore) UpdateSessionFuncNames(ctx context.Context, id string, names []string) error {
	data, err := json.Marshal(nonNil(names))
	if err != nil {
		return fmt.Errorf("encoding func names: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET func_names = ? WHERE id = ? AND ended_at IS NULL`, string(data), id,
	)
	if err != nil {
		return fmt.Errorf("updating session func names: %w", err)
	}
	return expectOneRow(result)
}

// SaveUsageEntry stores a usage record.
func (s *SQLiteStore) SaveUsageEntry(ctx context.Context, entry *UsageEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (
			id, session_id, func_name, func_version, module_group, provider,
			called_at, duration_ms, success, error_message, args_summary
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		nullString(entry.SessionID),
		entry.FuncName,
		entry.FuncVersion,
		nullString(entry.ModuleGroup),
		nullString(entry.Provider),
		formatTime(entry.CalledAt),
		entry.DurationMS,
		boolToInt(entry.Success),
		nullString(entry.ErrorMessage),
		nullString(entry.ArgsSummary),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved tool usage",
		"id", entry.ID,
		"session_id", entry.SessionID,
		"func_name", entry.FuncName,
		"success", entry.Success,
	)
	return nil
}

// ListUsageEntries returns usage records, oldest first.
func (s *SQLiteStore) ListUsageEntries(ctx context.Context, filter UsageFilter, limit int) ([]*UsageEntry, error) {
	where, args := filter.clause()
	query := `
		SELECT id, session_id, func_name, func_version, module_group, provider,
		       called_at, duration_ms, success, error_message, args_summary
		FROM usage_log
		WHERE 1=1` + where + `
		ORDER BY called_at ASC, rowid ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*UsageEntry
	for rows.Next() {
		entry, err := scanUsageEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return entries, nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where, args := filter.clause()
	query := `
		SELECT func_name,
		       COUNT(*) AS calls,
		       COALESCE(SUM(success), 0) AS successes,
		       COALESCE(SUM(duration_ms), 0) AS total_duration
		FROM usage_log
		WHERE 1=1` + where + `
		GROUP BY func_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &UsageStats{ByFunction: make(map[string]*FunctionUsage)}
	var totalDuration int64
	for rows.Next() {
		var name string
		var calls, successes, duration int64
		if err := rows.Scan(&name, &calls, &successes, &duration); err != nil {
			return nil, fmt.Errorf("scanning usage stats: %w", err)
		}
		stats.ByFunction[name] = &FunctionUsage{
			Calls:         calls,
			Successes:     successes,
			AvgDurationMS: float64(duration) / float64(calls),
		}
		stats.TotalCalls += calls
		stats.Successes += successes
		totalDuration += duration
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage stats: %w", err)
	}

	if stats.TotalCalls > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.TotalCalls)
		stats.AvgDurationMS = float64(totalDuration) / float64(stats.TotalCalls)
	}
	return stats, nil
}

func (f UsageFilter) clause() (string, []any) {
	var where string
	args := []any{}
	if f.SessionID != nil {
		where += " AND session_id = ?"
		args = append(args, *f.SessionID)
	}
	if f.FuncName != nil {
		where += " AND func_name = ?"
		args = append(args, *f.FuncName)
	}
	if f.Since != nil {
		where += " AND called_at >= ?"
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		where += " AND called_at < ?"
		args = append(args, formatTime(*f.Until))
	}
	return where, args
}

// scanUsageEntry scans a single usage row into a UsageEntry struct.
func scanUsageEntry(rows *sql.Rows) (*UsageEntry, error) {
	var entry UsageEntry
	var sessionID, moduleGroup, provider, errorMessage, argsSummary sql.NullString
	var success int
	var calledAtStr string

	err := rows.Scan(
		&entry.ID,
		&sessionID,
		&entry.FuncName,
		&entry.FuncVersion,
		&moduleGroup,
		&provider,
		&calledAtStr,
		&entry.DurationMS,
		&success,
		&errorMessage,
		&argsSummary,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}

	entry.SessionID = sessionID.String
	entry.ModuleGroup = moduleGroup.String
	entry.Provider = provider.String
	entry.ErrorMessage = errorMessage.String
	entry.ArgsSummary = argsSummary.String
	entry.Success = success == 1

	entry.CalledAt, err = parseTime(calledAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing called_at: %w", err)
	}
	return &entry, nil
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
