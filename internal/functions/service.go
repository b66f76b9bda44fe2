// ABOUTME: Function version store service: register, activate, test, and list
// ABOUTME: Validates source before persisting and gates activation on passing tests

package functions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/2389/toolhost/internal/script"
	"github.com/2389/toolhost/internal/store"
)

// ErrFunctionNotDefined indicates the code does not define the function being registered.
var ErrFunctionNotDefined = errors.New("code does not define the named function")

// ErrInvalidName indicates a function or group name is not a valid identifier.
var ErrInvalidName = errors.New("invalid name")

// ErrNoActiveVersion indicates an operation needed an active version and none exists.
var ErrNoActiveVersion = errors.New("no active version")

// ErrNoTestCode indicates a test run was requested for a version without tests.
var ErrNoTestCode = errors.New("version has no test code")

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TestRunner executes a function version's tests.
type TestRunner interface {
	Run(ctx context.Context, req script.TestRequest) (*script.TestResult, error)
}

// Service manages versioned function source.
type Service struct {
	store  store.FunctionStore
	runner TestRunner
	logger *slog.Logger
}

// New creates a function Service.
func New(st store.FunctionStore, runner TestRunner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		runner: runner,
		logger: logger.With("component", "functions"),
	}
}

// RegisterRequest describes a new function version.
type RegisterRequest struct {
	Name        string
	ModuleGroup string
	Code        string
	TestCode    string
	Description string
	// SkipTests stores TestCode without running it; the version stays inactive.
	SkipTests bool
}

// RegisterResult reports the version created by Register.
type RegisterResult struct {
	Name       string
	Version    int
	Activated  bool
	TestStatus string
	TestOutput string
}

// TestOutcome reports a test run against a stored version.
type TestOutcome struct {
	Name      string
	Version   int
	Passed    bool
	Activated bool
	Status    string
	Output    string
}

// Register validates and stores a new version of a function.
//
// A syntax fault returns a *script.SyntaxError and writes nothing. With test
// code the version is activated only if its tests pass; without test code it
// is activated immediately. A test failure is reported in the result, not as
// an error.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if !identifierRe.MatchString(req.Name) {
		return nil, fmt.Errorf("%w: function %q", ErrInvalidName, req.Name)
	}
	if !identifierRe.MatchString(req.ModuleGroup) {
		return nil, fmt.Errorf("%w: module group %q", ErrInvalidName, req.ModuleGroup)
	}

	defs, _, err := script.Split(req.Code, req.Name, func(name string) bool { return name == req.Name })
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotDefined, req.Name)
	}

	hasTests := strings.TrimSpace(req.TestCode) != ""
	if hasTests {
		if err := script.Validate(req.TestCode, req.Name+" tests"); err != nil {
			return nil, err
		}
	}

	description := req.Description
	if description == "" {
		description = defs[0].Doc
	}

	fv := &store.FunctionVersion{
		Name:        req.Name,
		ModuleGroup: req.ModuleGroup,
		Code:        req.Code,
		TestCode:    req.TestCode,
		Description: description,
		Active:      !hasTests,
		TestStatus:  store.TestStatusUntested,
	}
	if err := s.store.CreateFunctionVersion(ctx, fv); err != nil {
		return nil, fmt.Errorf("storing function version: %w", err)
	}

	result := &RegisterResult{
		Name:       fv.Name,
		Version:    fv.Version,
		Activated:  fv.Active,
		TestStatus: fv.TestStatus,
	}

	if hasTests && !req.SkipTests {
		outcome, err := s.runAndRecord(ctx, fv, true)
		if err != nil {
			return nil, err
		}
		result.Activated = outcome.Activated
		result.TestStatus = outcome.Status
		result.TestOutput = outcome.Output
	}

	s.logger.Info("=== FUNCTION REGISTERED ===",
		"name", result.Name,
		"version", result.Version,
		"module_group", req.ModuleGroup,
		"activated", result.Activated,
		"test_status", result.TestStatus,
	)
	return result, nil
}

// GetActive returns the active version of name, or nil if none is active.
func (s *Service) GetActive(ctx context.Context, name string) (*store.FunctionVersion, error) {
	fv, err := s.store.GetActiveFunction(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active version: %w", err)
	}
	return fv, nil
}

// List returns stored function versions ordered by group and name.
func (s *Service) List(ctx context.Context, filter store.FunctionFilter) ([]*store.FunctionVersion, error) {
	return s.store.ListFunctions(ctx, filter)
}

// Versions returns every version of name, newest first.
func (s *Service) Versions(ctx context.Context, name string) ([]*store.FunctionVersion, error) {
	return s.store.ListFunctionVersions(ctx, name)
}

// Activate makes version the active version of name.
// Returns store.ErrNotFound if the version doesn't exist.
func (s *Service) Activate(ctx context.Context, name string, version int) error {
	if err := s.store.ActivateFunctionVersion(ctx, name, version); err != nil {
		return fmt.Errorf("activating %s v%d: %w", name, version, err)
	}
	return nil
}

// UpdateTestOptions controls UpdateTestCode.
type UpdateTestOptions struct {
	// Version selects the version to update; zero means the active version.
	Version   int
	SkipTests bool
}

// UpdateTestCode replaces the tests of a version, resets its status to
// untested, and unless skipped runs the new tests. A pass activates the
// version.
func (s *Service) UpdateTestCode(ctx context.Context, name, testCode string, opts UpdateTestOptions) (*TestOutcome, error) {
	fv, err := s.resolveVersion(ctx, name, opts.Version)
	if err != nil {
		return nil, err
	}

	hasTests := strings.TrimSpace(testCode) != ""
	if hasTests {
		if err := script.Validate(testCode, name+" tests"); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateFunctionTestCode(ctx, fv.Name, fv.Version, testCode); err != nil {
		return nil, fmt.Errorf("updating test code: %w", err)
	}
	fv.TestCode = testCode
	fv.TestStatus = store.TestStatusUntested

	if !hasTests || opts.SkipTests {
		return &TestOutcome{
			Name:      fv.Name,
			Version:   fv.Version,
			Activated: fv.Active,
			Status:    store.TestStatusUntested,
		}, nil
	}
	return s.runAndRecord(ctx, fv, true)
}

// RunTests re-runs the stored tests of a version and records the result
// without changing which version is active. Version zero means the active one.
func (s *Service) RunTests(ctx context.Context, name string, version int) (*TestOutcome, error) {
	fv, err := s.resolveVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(fv.TestCode) == "" {
		return nil, fmt.Errorf("%s v%d: %w", fv.Name, fv.Version, ErrNoTestCode)
	}
	return s.runAndRecord(ctx, fv, false)
}

// SetPreamble validates and stores the shared setup code of a module group.
func (s *Service) SetPreamble(ctx context.Context, group, code, description string) error {
	if !identifierRe.MatchString(group) {
		return fmt.Errorf("%w: module group %q", ErrInvalidName, group)
	}
	if err := script.Validate(code, group+" preamble"); err != nil {
		return err
	}
	if err := s.store.SetPreamble(ctx, &store.ModulePreamble{
		ModuleGroup: group,
		Code:        code,
		Description: description,
	}); err != nil {
		return fmt.Errorf("storing preamble: %w", err)
	}
	s.logger.Info("module preamble set", "module_group", group)
	return nil
}

// Preamble returns the preamble of a module group, or "" if none is set.
func (s *Service) Preamble(ctx context.Context, group string) (string, error) {
	p, err := s.store.GetPreamble(ctx, group)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting preamble: %w", err)
	}
	return p.Code, nil
}

func (s *Service) resolveVersion(ctx context.Context, name string, version int) (*store.FunctionVersion, error) {
	if version == 0 {
		fv, err := s.GetActive(ctx, name)
		if err != nil {
			return nil, err
		}
		if fv == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrNoActiveVersion)
		}
		return fv, nil
	}
	fv, err := s.store.GetFunctionVersion(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("getting %s v%d: %w", name, version, err)
	}
	return fv, nil
}

// runAndRecord runs the tests of fv, stores the outcome, and activates fv on
// a pass when activate is set.
func (s *Service) runAndRecord(ctx context.Context, fv *store.FunctionVersion, activate bool) (*TestOutcome, error) {
	preamble, err := s.Preamble(ctx, fv.ModuleGroup)
	if err != nil {
		return nil, err
	}

	outcome := &TestOutcome{Name: fv.Name, Version: fv.Version, Activated: fv.Active}

	res, err := s.runner.Run(ctx, script.TestRequest{
		Name:     fv.Name,
		Preamble: preamble,
		Code:     fv.Code,
		TestCode: fv.TestCode,
	})
	switch {
	case err != nil:
		outcome.Status = store.TestStatusFailed
		outcome.Output = err.Error()
	case res.Passed:
		outcome.Passed = true
		outcome.Status = store.TestStatusPassed
		outcome.Output = res.Output
	default:
		outcome.Status = store.TestStatusFailed
		outcome.Output = res.Output
	}

	if err := s.store.SetFunctionTestResult(ctx, fv.Name, fv.Version, outcome.Status, outcome.Output); err != nil {
		return nil, fmt.Errorf("recording test result: %w", err)
	}

	if outcome.Passed && activate && !fv.Active {
		if err := s.store.ActivateFunctionVersion(ctx, fv.Name, fv.Version); err != nil {
			return nil, fmt.Errorf("activating after tests: %w", err)
		}
		outcome.Activated = true
	}

	if !outcome.Passed {
		s.logger.Warn("function tests failed",
			"name", fv.Name,
			"version", fv.Version,
		)
	}
	return outcome, nil
}
