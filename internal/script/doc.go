// Package script hosts the embedded interpreter that stored functions run in.
//
// # Language
//
// Stored function bodies, module preambles, and test routines are written in
// Starlark, a deterministic dialect of Python provided by go.starlark.net.
// Starlark programs have no access to the filesystem, network, or operating
// system, so a stored function can only compute over its arguments and the
// modules predeclared here.
//
// # Predeclared Modules
//
// Every program sees the following names without a load statement:
//
//   - json: encode, decode, indent (go.starlark.net/lib/json)
//   - math: floor, sqrt, pi, ... (go.starlark.net/lib/math)
//   - time: now, parse_duration, ... (go.starlark.net/lib/time)
//   - struct: keyword-argument record constructor
//   - assert: eq, ne, true, fails helpers for test routines
//
// # Validation
//
// Validate parses source without executing it and returns a *SyntaxError
// carrying the label, line, and column of the first fault. It is a syntax
// check only; undefined names surface when the program is executed.
//
// # Execution
//
// Exec runs a whole program and returns its frozen globals. Call invokes a
// callable from those globals with keyword arguments converted from Go
// values. Both honour context cancellation and an execution step budget.
//
// # Tests
//
// TestRunner executes preamble, function, and test source as one program and
// then calls every zero-argument top-level function whose name starts with
// "test" or "Test". A run passes when at least one test ran and none failed.
package script
