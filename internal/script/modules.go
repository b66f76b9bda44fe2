// ABOUTME: Predeclared modules visible to every stored program
// ABOUTME: Wires the go.starlark.net json, math, and time libraries plus an assert helper

package script

import (
	"fmt"
	"regexp"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Predeclared returns a fresh set of globals available to all stored programs.
func Predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json":   json.Module,
		"math":   math.Module,
		"time":   time.Module,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"assert": assertModule,
	}
}

var assertModule = &starlarkstruct.Module{
	Name: "assert",
	Members: starlark.StringDict{
		"eq":    starlark.NewBuiltin("assert.eq", assertEq),
		"ne":    starlark.NewBuiltin("assert.ne", assertNe),
		"true":  starlark.NewBuiltin("assert.true", assertTrue),
		"fails": starlark.NewBuiltin("assert.fails", assertFails),
	},
}

func assertEq(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var got, want starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "got", &got, "want", &want, "msg?", &msg); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(got, want)
	if err != nil {
		return nil, err
	}
	if !eq {
		return nil, assertionError(msg, "%s != %s", got.String(), want.String())
	}
	return starlark.None, nil
}

func assertNe(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var got, unwanted starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "got", &got, "unwanted", &unwanted, "msg?", &msg); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(got, unwanted)
	if err != nil {
		return nil, err
	}
	if eq {
		return nil, assertionError(msg, "%s == %s", got.String(), unwanted.String())
	}
	return starlark.None, nil
}

func assertTrue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if !cond.Truth() {
		return nil, assertionError(msg, "%s is not truthy", cond.String())
	}
	return starlark.None, nil
}

// assertFails calls fn and requires it to fail with an error matching pattern.
func assertFails(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var pattern string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn, "pattern", &pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern: %w", b.Name(), err)
	}
	if _, err := starlark.Call(thread, fn, nil, nil); err == nil {
		return nil, assertionError("", "%s did not fail", fn.Name())
	} else if !re.MatchString(err.Error()) {
		return nil, assertionError("", "error %q does not match %q", err.Error(), pattern)
	}
	return starlark.None, nil
}

func assertionError(msg, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if msg != "" {
		detail = msg + ": " + detail
	}
	return fmt.Errorf("assertion failed: %s", detail)
}
