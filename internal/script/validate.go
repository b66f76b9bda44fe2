// ABOUTME: Syntax validation for stored function source without executing it
// ABOUTME: Produces SyntaxError values labelled with the function or preamble name

package script

import (
	"errors"
	"fmt"

	"go.starlark.net/syntax"
)

// SyntaxError reports the first parse fault found in a unit of source.
type SyntaxError struct {
	Label  string
	Line   int
	Col    int
	Detail string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("syntax error in %s at line %d, col %d: %s", e.Label, e.Line, e.Col, e.Detail)
	}
	return fmt.Sprintf("syntax error in %s: %s", e.Label, e.Detail)
}

// FileOptions returns the dialect options every stored program is parsed and
// executed with.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Validate checks that source parses. It returns nil or a *SyntaxError.
func Validate(source, label string) error {
	_, err := parse(source, label)
	return err
}

func parse(source, label string) (*syntax.File, error) {
	f, err := FileOptions().Parse(label, source, syntax.RetainComments)
	if err != nil {
		return nil, asSyntaxError(err, label)
	}
	return f, nil
}

func asSyntaxError(err error, label string) *SyntaxError {
	var serr syntax.Error
	if errors.As(err, &serr) {
		return &SyntaxError{
			Label:  label,
			Line:   int(serr.Pos.Line),
			Col:    int(serr.Pos.Col),
			Detail: serr.Msg,
		}
	}
	return &SyntaxError{Label: label, Detail: err.Error()}
}
