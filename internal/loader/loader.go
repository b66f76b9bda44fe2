// ABOUTME: Module loader that turns a group's active versions into callables
// ABOUTME: All-or-nothing per group: one invalid unit rejects the whole group

package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/2389/toolhost/internal/script"
	"github.com/2389/toolhost/internal/store"
)

// LoadError reports why a module group could not be loaded.
type LoadError struct {
	Group string
	Label string
	Err   error
}

func (e *LoadError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("loading module group %s: %s: %v", e.Group, e.Label, e.Err)
	}
	return fmt.Sprintf("loading module group %s: %v", e.Group, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrInvalidGroup indicates a module group name that is not an identifier.
var ErrInvalidGroup = errors.New("invalid module group name")

var groupNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Source is what the loader needs from the function store.
type Source interface {
	ListFunctions(ctx context.Context, filter store.FunctionFilter) ([]*store.FunctionVersion, error)
	GetPreamble(ctx context.Context, group string) (*store.ModulePreamble, error)
}

// Function is a live callable materialized from a stored function version.
type Function struct {
	Name        string
	Group       string
	Version     int
	Description string

	fn   starlark.Callable
	opts script.Options
}

// Call invokes the function with keyword arguments.
func (f *Function) Call(ctx context.Context, args map[string]any) (any, error) {
	return script.Call(ctx, f.fn, args, f.opts)
}

// Config holds loader settings.
type Config struct {
	CacheDir string
	MaxSteps uint64
	Logger   *slog.Logger
}

// Loader loads module groups from a function store.
type Loader struct {
	source   Source
	cacheDir string
	opts     script.Options
	logger   *slog.Logger
}

// New creates a Loader.
func New(source Source, cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loader")
	return &Loader{
		source:   source,
		cacheDir: cfg.CacheDir,
		opts:     script.Options{MaxSteps: cfg.MaxSteps, Logger: logger},
		logger:   logger,
	}
}

// Load returns the active functions of group keyed by name. An empty group
// yields an empty map.
func (l *Loader) Load(ctx context.Context, group string) (map[string]*Function, error) {
	preamble, versions, err := l.fetch(ctx, group)
	if err != nil {
		return nil, err
	}

	if err := script.Validate(preamble, group+" preamble"); err != nil {
		return nil, &LoadError{Group: group, Label: "preamble", Err: err}
	}
	for _, fv := range versions {
		if err := script.Validate(fv.Code, fv.Name); err != nil {
			return nil, &LoadError{Group: group, Label: versionLabel(fv), Err: err}
		}
	}

	globals, err := script.Exec(ctx, group, assemble(preamble, versions), l.opts)
	if err != nil {
		return nil, &LoadError{Group: group, Err: err}
	}

	loaded := make(map[string]*Function, len(versions))
	for _, fv := range versions {
		callable, ok := globals[fv.Name].(starlark.Callable)
		if !ok {
			l.logger.Warn("registered function not callable after load",
				"module_group", group,
				"name", fv.Name,
				"version", fv.Version,
			)
			continue
		}
		description := fv.Description
		if description == "" {
			if sf, ok := callable.(*starlark.Function); ok {
				description = strings.TrimSpace(sf.Doc())
			}
		}
		loaded[fv.Name] = &Function{
			Name:        fv.Name,
			Group:       group,
			Version:     fv.Version,
			Description: description,
			fn:          callable,
			opts:        l.opts,
		}
	}

	l.logger.Info("module group loaded", "module_group", group, "functions", len(loaded))
	return loaded, nil
}

// Dump writes the assembled program for group to the cache directory and
// returns the written path.
func (l *Loader) Dump(ctx context.Context, group string) (string, error) {
	if l.cacheDir == "" {
		return "", errors.New("no cache directory configured")
	}
	if !groupNameRe.MatchString(group) {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroup, group)
	}
	preamble, versions, err := l.fetch(ctx, group)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(l.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Module group %q generated by toolhost at %s.\n", group, time.Now().UTC().Format(time.RFC3339))
	b.WriteString("# Do not edit; changes are overwritten on the next dump.\n")
	for _, fv := range versions {
		fmt.Fprintf(&b, "#   %s v%d\n", fv.Name, fv.Version)
	}
	b.WriteString("\n")
	b.WriteString(assemble(preamble, versions))

	path := filepath.Join(l.cacheDir, group+".star")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing module cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replacing module cache: %w", err)
	}

	l.logger.Debug("module group dumped", "module_group", group, "path", path)
	return path, nil
}

func (l *Loader) fetch(ctx context.Context, group string) (string, []*store.FunctionVersion, error) {
	var preamble string
	p, err := l.source.GetPreamble(ctx, group)
	switch {
	case err == nil:
		preamble = p.Code
	case errors.Is(err, store.ErrNotFound):
	default:
		return "", nil, &LoadError{Group: group, Err: fmt.Errorf("getting preamble: %w", err)}
	}

	versions, err := l.source.ListFunctions(ctx, store.FunctionFilter{ModuleGroup: group, ActiveOnly: true})
	if err != nil {
		return "", nil, &LoadError{Group: group, Err: fmt.Errorf("listing functions: %w", err)}
	}
	return preamble, versions, nil
}

// assemble concatenates preamble and bodies in a stable order.
func assemble(preamble string, versions []*store.FunctionVersion) string {
	var b strings.Builder
	if strings.TrimSpace(preamble) != "" {
		b.WriteString(strings.TrimRight(preamble, "\n"))
		b.WriteString("\n\n")
	}
	for _, fv := range versions {
		fmt.Fprintf(&b, "# %s v%d\n", fv.Name, fv.Version)
		b.WriteString(strings.TrimRight(fv.Code, "\n"))
		b.WriteString("\n\n")
	}
	return b.String()
}

func versionLabel(fv *store.FunctionVersion) string {
	return fmt.Sprintf("%s v%d", fv.Name, fv.Version)
}
