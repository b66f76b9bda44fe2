// ABOUTME: Test runner that executes stored test routines against a function version
// ABOUTME: Runs preamble, code, and tests as one program under a timeout

package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

// DefaultTestTimeout bounds a single test run.
const DefaultTestTimeout = 60 * time.Second

// ErrNoTests indicates a test run found no test routines to call.
var ErrNoTests = errors.New("no test routines found")

// TestRequest carries the source units that make up one test run.
type TestRequest struct {
	Name     string
	Preamble string
	Code     string
	TestCode string
}

// TestResult is the outcome of a test run.
type TestResult struct {
	Passed bool
	Output string
	Ran    []string
}

// TestRunner runs stored test routines in the embedded interpreter.
type TestRunner struct {
	opts    Options
	timeout time.Duration
	logger  *slog.Logger
}

// NewTestRunner creates a TestRunner. A zero timeout uses DefaultTestTimeout.
func NewTestRunner(opts Options, timeout time.Duration) *TestRunner {
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	return &TestRunner{
		opts:    opts,
		timeout: timeout,
		logger:  slog.Default().With("component", "test-runner"),
	}
}

// Run executes the request. Failing tests are reported through the result;
// an error is returned only when the request itself cannot be run.
func (r *TestRunner) Run(ctx context.Context, req TestRequest) (*TestResult, error) {
	if strings.TrimSpace(req.TestCode) == "" {
		return nil, fmt.Errorf("%s: %w", req.Name, ErrNoTests)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out strings.Builder
	opts := r.opts
	opts.Print = func(msg string) {
		out.WriteString(msg)
		out.WriteString("\n")
	}

	src := strings.Join([]string{req.Preamble, req.Code, req.TestCode}, "\n")
	globals, err := Exec(ctx, "test_"+req.Name, src, opts)
	if err != nil {
		fmt.Fprintf(&out, "ERROR loading tests: %s\n", Backtrace(err))
		return &TestResult{Passed: false, Output: out.String()}, nil
	}

	defined, err := DefinedFunctions(req.TestCode, "test_"+req.Name)
	if err != nil {
		fmt.Fprintf(&out, "ERROR loading tests: %s\n", err)
		return &TestResult{Passed: false, Output: out.String()}, nil
	}

	tests := collectTests(globals, defined)
	if len(tests) == 0 {
		out.WriteString("ERROR no test routines found\n")
		return &TestResult{Passed: false, Output: out.String()}, nil
	}

	result := &TestResult{Passed: true}
	for _, fn := range tests {
		result.Ran = append(result.Ran, fn.Name())
		if _, err := Call(ctx, fn, nil, opts); err != nil {
			result.Passed = false
			fmt.Fprintf(&out, "FAIL %s: %s\n", fn.Name(), Backtrace(err))
			continue
		}
		fmt.Fprintf(&out, "PASS %s\n", fn.Name())
	}
	fmt.Fprintf(&out, "%d run, passed=%t\n", len(tests), result.Passed)
	result.Output = out.String()

	r.logger.Debug("test run finished",
		"function", req.Name,
		"tests", len(tests),
		"passed", result.Passed,
	)
	return result, nil
}

// collectTests returns the zero-argument test routines among names, in
// source order. Functions from the preamble or the code under test are never
// run even when their names look like tests.
func collectTests(globals starlark.StringDict, names []string) []*starlark.Function {
	var tests []*starlark.Function
	for _, name := range names {
		fn, ok := globals[name].(*starlark.Function)
		if !ok || !IsTestName(name) || fn.NumParams() != 0 {
			continue
		}
		tests = append(tests, fn)
	}
	sort.Slice(tests, func(i, j int) bool {
		return tests[i].Position().Line < tests[j].Position().Line
	})
	return tests
}
