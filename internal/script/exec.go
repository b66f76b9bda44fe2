// ABOUTME: Program execution and function calls on the embedded interpreter
// ABOUTME: Binds context cancellation and step budgets to interpreter threads

package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// DefaultMaxSteps bounds the work a single Exec or Call may perform.
const DefaultMaxSteps uint64 = 50_000_000

// Options controls interpreter threads created by Exec and Call.
type Options struct {
	// MaxSteps is the execution step budget; zero means DefaultMaxSteps.
	MaxSteps uint64
	// Logger receives print() output at debug level.
	Logger *slog.Logger
	// Print, when set, receives print() output instead of Logger.
	Print func(msg string)
}

func (o Options) thread(name string) *starlark.Thread {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	thread := &starlark.Thread{
		Name: name,
		Print: func(t *starlark.Thread, msg string) {
			if o.Print != nil {
				o.Print(msg)
				return
			}
			logger.Debug("script print", "thread", t.Name, "msg", msg)
		},
	}
	steps := o.MaxSteps
	if steps == 0 {
		steps = DefaultMaxSteps
	}
	thread.SetMaxExecutionSteps(steps)
	return thread
}

// Exec runs src as a complete program and returns its frozen globals.
func Exec(ctx context.Context, filename, src string, opts Options) (starlark.StringDict, error) {
	thread := opts.thread(filename)
	stop := cancelOnDone(ctx, thread)
	defer stop()

	globals, err := starlark.ExecFileOptions(FileOptions(), thread, filename, src, Predeclared())
	if err != nil {
		return nil, evalError(ctx, filename, err)
	}
	globals.Freeze()
	return globals, nil
}

// Call invokes fn with keyword arguments and converts the result to Go.
func Call(ctx context.Context, fn starlark.Callable, args map[string]any, opts Options) (any, error) {
	kwargs, err := Kwargs(args)
	if err != nil {
		return nil, err
	}

	thread := opts.thread(fn.Name())
	stop := cancelOnDone(ctx, thread)
	defer stop()

	v, err := starlark.Call(thread, fn, nil, kwargs)
	if err != nil {
		return nil, evalError(ctx, fn.Name(), err)
	}
	return FromValue(v), nil
}

// cancelOnDone cancels thread when ctx ends. The returned func releases the watcher.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(context.Cause(ctx).Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func evalError(ctx context.Context, label string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var serr syntax.Error
	if errors.As(err, &serr) {
		return asSyntaxError(err, label)
	}
	return err
}

// Backtrace renders an interpreter error with its call stack when available.
func Backtrace(err error) string {
	var eerr *starlark.EvalError
	if errors.As(err, &eerr) {
		return eerr.Backtrace()
	}
	return err.Error()
}
