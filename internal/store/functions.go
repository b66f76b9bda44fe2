// ABOUTME: SQLite persistence for versioned function source and module preambles
// ABOUTME: Activation flips happen inside a single transaction per function name

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const functionColumns = `
	id, name, module_group, version, code, test_code, description,
	active, test_status, test_output, created_at, activated_at
`

// CreateFunctionVersion inserts fv as the next version of fv.Name and fills in
// fv.ID and fv.Version.
func (s *SQLiteStore) CreateFunctionVersion(ctx context.Context, fv *FunctionVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM function_versions WHERE name = ?`, fv.Name,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("querying latest version: %w", err)
	}

	if fv.CreatedAt.IsZero() {
		fv.CreatedAt = time.Now().UTC()
	}
	if fv.TestStatus == "" {
		fv.TestStatus = TestStatusUntested
	}
	fv.Version = maxVersion + 1

	var activatedAt any
	if fv.Active {
		if _, err := tx.ExecContext(ctx,
			`UPDATE function_versions SET active = 0 WHERE name = ? AND active = 1`, fv.Name,
		); err != nil {
			return fmt.Errorf("deactivating previous versions: %w", err)
		}
		now := time.Now().UTC()
		fv.ActivatedAt = &now
		activatedAt = formatTime(now)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO function_versions (
			name, module_group, version, code, test_code, description,
			active, test_status, test_output, created_at, activated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fv.Name,
		fv.ModuleGroup,
		fv.Version,
		fv.Code,
		nullString(fv.TestCode),
		nullString(fv.Description),
		boolToInt(fv.Active),
		fv.TestStatus,
		nullString(fv.TestOutput),
		formatTime(fv.CreatedAt),
		activatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting function version: %w", err)
	}

	fv.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting inserted id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing function version: %w", err)
	}

	s.logger.Debug("created function version",
		"name", fv.Name,
		"version", fv.Version,
		"module_group", fv.ModuleGroup,
		"active", fv.Active,
	)
	return nil
}

// GetFunctionVersion retrieves one version of a function.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetFunctionVersion(ctx context.Context, name string, version int) (*FunctionVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+functionColumns+` FROM function_versions WHERE name = ? AND version = ?`,
		name, version,
	)
	fv, err := scanFunctionVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return fv, err
}

// GetActiveFunction retrieves the active version of a function.
// Returns ErrNotFound if no version is active.
func (s *SQLiteStore) GetActiveFunction(ctx context.Context, name string) (*FunctionVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+functionColumns+` FROM function_versions WHERE name = ? AND active = 1`,
		name,
	)
	fv, err := scanFunctionVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return fv, err
}

// ListFunctionVersions returns every version of a function, newest first.
func (s *SQLiteStore) ListFunctionVersions(ctx context.Context, name string) ([]*FunctionVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+functionColumns+` FROM function_versions WHERE name = ? ORDER BY version DESC`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("querying function versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanFunctionVersions(rows)
}

// ListFunctions returns function versions ordered by group, name, and version.
func (s *SQLiteStore) ListFunctions(ctx context.Context, filter FunctionFilter) ([]*FunctionVersion, error) {
	query := `SELECT ` + functionColumns + ` FROM function_versions WHERE 1=1`
	args := []any{}

	if filter.ModuleGroup != "" {
		query += " AND module_group = ?"
		args = append(args, filter.ModuleGroup)
	}
	if filter.ActiveOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY module_group, name, version DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying functions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanFunctionVersions(rows)
}

// ActivateFunctionVersion makes version the only active version of name.
// Returns ErrNotFound if the version doesn't exist; nothing changes in that case.
func (s *SQLiteStore) ActivateFunctionVersion(ctx context.Context, name string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM function_versions WHERE name = ? AND version = ?`, name, version,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying function version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE function_versions SET active = 0 WHERE name = ? AND active = 1 AND id != ?`, name, id,
	); err != nil {
		return fmt.Errorf("deactivating versions: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE function_versions SET active = 1, activated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id,
	); err != nil {
		return fmt.Errorf("activating version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing activation: %w", err)
	}

	s.logger.Info("activated function version", "name", name, "version", version)
	return nil
}

// UpdateFunctionTestCode replaces the test source of a version and resets its
// test status to untested.
func (s *SQLiteStore) UpdateFunctionTestCode(ctx context.Context, name string, version int, testCode string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE function_versions
		SET test_code = ?, test_status = ?, test_output = NULL
		WHERE name = ? AND version = ?
	`, nullString(testCode), TestStatusUntested, name, version)
	if err != nil {
		return fmt.Errorf("updating test code: %w", err)
	}
	return expectOneRow(result)
}

// SetFunctionTestResult records the outcome of a test run.
func (s *SQLiteStore) SetFunctionTestResult(ctx context.Context, name string, version int, status, output string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE function_versions SET test_status = ?, test_output = ?
		WHERE name = ? AND version = ?
	`, status, nullString(output), name, version)
	if err != nil {
		return fmt.Errorf("updating test result: %w", err)
	}
	return expectOneRow(result)
}

// SetPreamble creates or replaces the preamble of a module group.
func (s *SQLiteStore) SetPreamble(ctx context.Context, p *ModulePreamble) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_preambles (module_group, code, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(module_group) DO UPDATE SET
			code = excluded.code,
			description = excluded.description,
			updated_at = excluded.updated_at
	`,
		p.ModuleGroup,
		p.Code,
		nullString(p.Description),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving preamble: %w", err)
	}

	s.logger.Debug("saved module preamble", "module_group", p.ModuleGroup)
	return nil
}

// GetPreamble retrieves the preamble of a module group.
// Returns ErrNotFound if the group has none.
func (s *SQLiteStore) GetPreamble(ctx context.Context, group string) (*ModulePreamble, error) {
	var p ModulePreamble
	var description sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT module_group, code, description, created_at, updated_at
		FROM module_preambles WHERE module_group = ?
	`, group).Scan(&p.ModuleGroup, &p.Code, &description, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying preamble: %w", err)
	}

	p.Description = description.String
	if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunctionVersion(row rowScanner) (*FunctionVersion, error) {
	var fv FunctionVersion
	var testCode, description, testOutput, activatedAt sql.NullString
	var active int
	var createdAtStr string

	err := row.Scan(
		&fv.ID,
		&fv.Name,
		&fv.ModuleGroup,
		&fv.Version,
		&fv.Code,
		&testCode,
		&description,
		&active,
		&fv.TestStatus,
		&testOutput,
		&createdAtStr,
		&activatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning function version: %w", err)
	}

	fv.TestCode = testCode.String
	fv.Description = description.String
	fv.TestOutput = testOutput.String
	fv.Active = active == 1

	if fv.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if fv.ActivatedAt, err = parseNullTime(activatedAt); err != nil {
		return nil, fmt.Errorf("parsing activated_at: %w", err)
	}
	return &fv, nil
}

func scanFunctionVersions(rows *sql.Rows) ([]*FunctionVersion, error) {
	var out []*FunctionVersion
	for rows.Next() {
		fv, err := scanFunctionVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating function rows: %w", err)
	}
	return out, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
