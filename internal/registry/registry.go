// ABOUTME: Tool registry merging local module functions and remote server tools
// ABOUTME: Tracks providers per name, applies aliases and operator preferences

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/loader"
	"github.com/2389/toolhost/internal/servers"
	"github.com/2389/toolhost/internal/store"
	"github.com/2389/toolhost/internal/usage"
)

// ErrNotReady indicates the registry is not in the Ready state.
var ErrNotReady = errors.New("registry not ready")

// ErrInvalidState indicates a lifecycle call made from the wrong state.
var ErrInvalidState = errors.New("invalid registry state")

// ErrToolNotFound indicates no provider serves the requested name.
var ErrToolNotFound = errors.New("tool not found")

// ErrProviderNotAvailable indicates a preference names a provider that does
// not currently serve the tool.
var ErrProviderNotAvailable = errors.New("provider not available for tool")

// DefaultTimeout is the default timeout for a single tool call.
const DefaultTimeout = 30 * time.Second

// State is a registry lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind distinguishes in-process functions from remote server tools.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Handler executes a tool with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a resolved, callable tool.
type Tool struct {
	Name        string
	Provider    string // module group or server name
	Kind        Kind
	Description string
	Version     int // zero for remote tools

	handler Handler
}

// Call runs the tool directly, without the timeout or usage logging Invoke
// adds.
func (t *Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.handler(ctx, args)
}

// ModuleLoader materializes a module group.
type ModuleLoader interface {
	Load(ctx context.Context, group string) (map[string]*loader.Function, error)
}

// ServerManager owns external server sessions.
type ServerManager interface {
	Initialize(ctx context.Context, entries []config.ServerConfig) *servers.Report
	Tools() []*servers.RemoteTool
	Shutdown()
}

// UsageLogger records tool calls.
type UsageLogger interface {
	Log(ctx context.Context, entry usage.Entry) error
}

// Config contains configuration options for the Registry.
type Config struct {
	Loader      ModuleLoader
	Servers     ServerManager
	Preferences store.PreferenceStore
	Usage       UsageLogger
	Logger      *slog.Logger

	Groups        []string
	ServerEntries []config.ServerConfig
	Aliases       map[string]string
	CallTimeout   time.Duration
}

// InitReport summarizes an Initialize run.
type InitReport struct {
	Groups      map[string]int   // group -> function count
	GroupErrors map[string]error // group -> load failure
	Servers     *servers.Report
}

// FailedGroups returns the groups that failed to load, sorted.
func (r *InitReport) FailedGroups() []string {
	return slices.Sorted(maps.Keys(r.GroupErrors))
}

// FailedServers returns the servers that failed to connect, sorted.
func (r *InitReport) FailedServers() []string {
	if r.Servers == nil {
		return nil
	}
	return r.Servers.FailedNames()
}

// Registry maintains the merged tool name space.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	state       State
	local       map[string][]*Tool // name -> tools in group order
	remote      map[string][]*Tool // name -> tools in server order
	preferences map[string]string  // name -> provider
}

// New creates a Registry. Loader, Servers, Preferences, and Usage are
// optional.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultTimeout
	}
	return &Registry{
		cfg:         cfg,
		logger:      logger.With("component", "registry"),
		local:       make(map[string][]*Tool),
		remote:      make(map[string][]*Tool),
		preferences: make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Initialize loads every module group and connects every server. Partial
// failures are recorded in the report; an error is returned only when the
// registry is not Uninitialized or is shut down while initializing.
func (r *Registry) Initialize(ctx context.Context) (*InitReport, error) {
	r.mu.Lock()
	if r.state != StateUninitialized {
		state := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: initialize called while %s", ErrInvalidState, state)
	}
	r.state = StateInitializing
	r.mu.Unlock()

	report := &InitReport{
		Groups:      make(map[string]int),
		GroupErrors: make(map[string]error),
	}
	local := make(map[string][]*Tool)
	remote := make(map[string][]*Tool)

	if r.cfg.Loader != nil {
		for _, group := range r.cfg.Groups {
			fns, err := r.cfg.Loader.Load(ctx, group)
			if err != nil {
				report.GroupErrors[group] = err
				r.logger.Error("module group failed to load", "group", group, "error", err)
				continue
			}
			for _, name := range slices.Sorted(maps.Keys(fns)) {
				fn := fns[name]
				local[name] = append(local[name], &Tool{
					Name:        name,
					Provider:    group,
					Kind:        KindLocal,
					Description: fn.Description,
					Version:     fn.Version,
					handler:     fn.Call,
				})
			}
			report.Groups[group] = len(fns)
		}
	}

	if r.cfg.Servers != nil {
		report.Servers = r.cfg.Servers.Initialize(ctx, r.cfg.ServerEntries)
		for _, rt := range r.cfg.Servers.Tools() {
			remote[rt.Name] = append(remote[rt.Name], &Tool{
				Name:        rt.Name,
				Provider:    rt.Server,
				Kind:        KindRemote,
				Description: rt.Description,
				handler:     rt.Call,
			})
		}
	}

	preferences := make(map[string]string)
	if r.cfg.Preferences != nil {
		prefs, err := r.cfg.Preferences.ListToolPreferences(ctx)
		if err != nil {
			r.logger.Warn("failed to load tool preferences", "error", err)
		}
		for _, p := range prefs {
			preferences[p.ToolName] = p.Provider
		}
	}

	r.mu.Lock()
	if r.state != StateInitializing {
		r.mu.Unlock()
		return report, fmt.Errorf("%w: shut down during initialize", ErrInvalidState)
	}
	r.local = local
	r.remote = remote
	r.preferences = preferences
	r.state = StateReady
	duplicates := len(r.duplicatesLocked())
	r.mu.Unlock()

	r.logger.Info("=== REGISTRY READY ===",
		"local_tools", len(local),
		"remote_tools", len(remote),
		"failed_groups", len(report.GroupErrors),
		"failed_servers", len(report.FailedServers()),
		"duplicates", duplicates,
	)
	for _, name := range report.FailedServers() {
		r.logger.Warn("server excluded", "server", name, "error", report.Servers.Failed[name])
	}

	return report, nil
}

// Shutdown disconnects all servers and clears the registry. Safe to call in
// any state and more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.state == StateShuttingDown || r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = StateShuttingDown
	r.mu.Unlock()

	if r.cfg.Servers != nil {
		r.cfg.Servers.Shutdown()
	}

	r.mu.Lock()
	localCount, remoteCount := len(r.local), len(r.remote)
	r.local = make(map[string][]*Tool)
	r.remote = make(map[string][]*Tool)
	r.state = StateClosed
	r.mu.Unlock()

	r.logger.Info("registry closed", "local_cleared", localCount, "remote_cleared", remoteCount)
}

// GetTool resolves name to a tool, or returns nil if nothing serves it or
// the registry is not Ready.
func (r *Registry) GetTool(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != StateReady {
		r.logger.Warn("tool lookup before registry ready", "tool_name", name, "state", r.state)
		return nil
	}
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) *Tool {
	if t := r.preferredLocked(name); t != nil {
		return t
	}
	if tools := r.local[name]; len(tools) > 0 {
		return tools[0]
	}
	if canonical, ok := r.cfg.Aliases[name]; ok {
		if t := r.preferredLocked(canonical); t != nil {
			return t
		}
		if tools := r.local[canonical]; len(tools) > 0 {
			return tools[0]
		}
		if tools := r.remote[canonical]; len(tools) > 0 {
			return tools[0]
		}
	}
	if tools := r.remote[name]; len(tools) > 0 {
		return tools[0]
	}
	return nil
}

// preferredLocked returns the preferred provider's tool when name has two or
// more providers and the preference is still one of them.
func (r *Registry) preferredLocked(name string) *Tool {
	provider, ok := r.preferences[name]
	if !ok {
		return nil
	}
	if len(r.providersLocked(name)) < 2 {
		return nil
	}
	for _, t := range r.local[name] {
		if t.Provider == provider {
			return t
		}
	}
	for _, t := range r.remote[name] {
		if t.Provider == provider {
			return t
		}
	}
	return nil
}

// Providers returns the sorted provider ids able to serve name.
func (r *Registry) Providers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providersLocked(name)
}

func (r *Registry) providersLocked(name string) []string {
	set := make(map[string]struct{})
	for _, t := range r.local[name] {
		set[t.Provider] = struct{}{}
	}
	for _, t := range r.remote[name] {
		set[t.Provider] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Duplicates returns every name served by two or more providers.
func (r *Registry) Duplicates() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.duplicatesLocked()
}

func (r *Registry) duplicatesLocked() map[string][]string {
	dups := make(map[string][]string)
	for _, name := range r.namesLocked() {
		if providers := r.providersLocked(name); len(providers) >= 2 {
			dups[name] = providers
		}
	}
	return dups
}

// SetPreference pins name to provider. The provider must currently serve the
// name. The preference is persisted when a preference store is configured.
func (r *Registry) SetPreference(ctx context.Context, name, provider string) error {
	r.mu.RLock()
	state := r.state
	providers := r.providersLocked(name)
	r.mu.RUnlock()

	if state != StateReady {
		return ErrNotReady
	}
	if !slices.Contains(providers, provider) {
		return fmt.Errorf("%w: %s does not provide %s (providers: %v)", ErrProviderNotAvailable, provider, name, providers)
	}

	if r.cfg.Preferences != nil {
		err := r.cfg.Preferences.SetToolPreference(ctx, &store.ToolPreference{
			ToolName:  name,
			Provider:  provider,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("saving preference: %w", err)
		}
	}

	r.mu.Lock()
	r.preferences[name] = provider
	r.mu.Unlock()

	r.logger.Info("=== PREFERENCE SET ===", "tool_name", name, "provider", provider)
	return nil
}

// ClearPreference removes any preference for name.
func (r *Registry) ClearPreference(ctx context.Context, name string) error {
	if r.cfg.Preferences != nil {
		err := r.cfg.Preferences.DeleteToolPreference(ctx, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting preference: %w", err)
		}
	}

	r.mu.Lock()
	delete(r.preferences, name)
	r.mu.Unlock()
	return nil
}

// Descriptions returns the description of every resolvable name, or of only
// the names in allowed when allowed is non-nil. Allowed names may be aliases.
func (r *Registry) Descriptions(allowed []string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	if r.state != StateReady {
		return out
	}

	names := allowed
	if names == nil {
		names = r.namesLocked()
	}
	for _, name := range names {
		if t := r.resolveLocked(name); t != nil {
			out[name] = t.Description
		}
	}
	return out
}

// Tools returns the resolved tool for every name, sorted by name.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != StateReady {
		return nil
	}
	names := r.namesLocked()
	tools := make([]*Tool, 0, len(names))
	for _, name := range names {
		if t := r.resolveLocked(name); t != nil {
			tools = append(tools, t)
		}
	}
	return tools
}

// namesLocked returns every local and remote tool name, sorted.
func (r *Registry) namesLocked() []string {
	set := make(map[string]struct{}, len(r.local)+len(r.remote))
	for name := range r.local {
		set[name] = struct{}{}
	}
	for name := range r.remote {
		set[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
