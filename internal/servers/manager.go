// ABOUTME: Lifecycle manager for external MCP tool servers
// ABOUTME: Connects servers in parallel, enumerates their tools, and shuts them down

package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/2389/toolhost/internal/config"
)

// ErrNotAllowed indicates a server command is not on the allow-list.
var ErrNotAllowed = errors.New("command not allowed")

// ErrConnectTimeout indicates a server did not finish connecting in time.
var ErrConnectTimeout = errors.New("connect timed out")

// ErrAlreadyConnected indicates a server with the same name is already live.
var ErrAlreadyConnected = errors.New("server already connected")

// ErrManagerClosed indicates the manager has been shut down.
var ErrManagerClosed = errors.New("server manager closed")

// ErrToolFailed indicates a remote tool reported an error result.
var ErrToolFailed = errors.New("remote tool failed")

// TransportFactory builds the transport used to reach a server.
type TransportFactory func(ctx context.Context, cfg config.ServerConfig) (mcp.Transport, error)

// Options configures a Manager.
type Options struct {
	ConnectTimeout  time.Duration
	CallTimeout     time.Duration
	MaxParallel     int
	AllowedCommands []string
	// WorkDir replaces "." and "$CWD" arguments; defaults to the process
	// working directory.
	WorkDir string
	// Transport overrides how servers are reached; defaults to spawning the
	// command and speaking over its stdio.
	Transport TransportFactory
}

// Report summarizes an Initialize run.
type Report struct {
	Connected map[string]int   // server name -> tool count
	Failed    map[string]error // server name -> reason
	Skipped   []string         // disabled entries
}

// FailedNames returns the names of servers that failed, sorted.
func (r *Report) FailedNames() []string {
	return slices.Sorted(maps.Keys(r.Failed))
}

// RemoteTool is a tool served by an external server.
type RemoteTool struct {
	Name        string
	Server      string
	Description string
	InputSchema any

	session *mcp.ClientSession
	timeout time.Duration
}

// Call invokes the tool and returns its result. Structured content is
// returned as-is when present; otherwise text content blocks are joined.
// A result flagged as an error is returned as an error wrapping ErrToolFailed.
func (t *RemoteTool) Call(ctx context.Context, args map[string]any) (any, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	if args == nil {
		args = map[string]any{}
	}
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", t.Name, t.Server, err)
	}

	text := joinText(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("%w: %s on %s: %s", ErrToolFailed, t.Name, t.Server, text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func joinText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// connection is a live session with one server.
type connection struct {
	name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// Manager owns the sessions with external tool servers.
type Manager struct {
	opts   Options
	client *mcp.Client
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*connection
	closed bool
}

// NewManager creates a Manager.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = config.DefaultMaxParallel
	}
	m := &Manager{
		opts:   opts,
		client: mcp.NewClient(&mcp.Implementation{Name: "toolhost", Version: "1.0.0"}, nil),
		logger: logger.With("component", "servers"),
		conns:  make(map[string]*connection),
	}
	if m.opts.Transport == nil {
		m.opts.Transport = m.commandTransport
	}
	return m
}

// Initialize connects every enabled entry. Failures are recorded in the
// returned Report and never abort the other connections.
func (m *Manager) Initialize(ctx context.Context, entries []config.ServerConfig) *Report {
	report := &Report{
		Connected: make(map[string]int),
		Failed:    make(map[string]error),
	}
	var reportMu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(m.opts.MaxParallel)

	for _, entry := range entries {
		if !entry.IsEnabled() {
			report.Skipped = append(report.Skipped, entry.Name)
			continue
		}
		g.Go(func() error {
			count, err := m.connect(ctx, entry)

			reportMu.Lock()
			defer reportMu.Unlock()
			if err != nil {
				report.Failed[entry.Name] = err
				m.logger.Warn("server failed to start",
					"server", entry.Name,
					"command", entry.Command,
					"error", err,
				)
				return nil
			}
			report.Connected[entry.Name] = count
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("=== SERVERS INITIALIZED ===",
		"connected", len(report.Connected),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
	)
	return report
}

// connect starts one server and records its session. It returns the number
// of tools the server offers.
func (m *Manager) connect(ctx context.Context, cfg config.ServerConfig) (int, error) {
	if !m.Allowed(cfg) {
		return 0, fmt.Errorf("%w: %s", ErrNotAllowed, cfg.Command)
	}

	m.mu.RLock()
	closed := m.closed
	_, exists := m.conns[cfg.Name]
	m.mu.RUnlock()
	if closed {
		return 0, ErrManagerClosed
	}
	if exists {
		return 0, ErrAlreadyConnected
	}

	session, tools, err := m.open(ctx, cfg)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = session.Close()
		return 0, ErrManagerClosed
	}
	if _, exists := m.conns[cfg.Name]; exists {
		_ = session.Close()
		return 0, ErrAlreadyConnected
	}
	m.conns[cfg.Name] = &connection{name: cfg.Name, session: session, tools: tools}

	m.logger.Info("=== SERVER CONNECTED ===",
		"server", cfg.Name,
		"tool_count", len(tools),
	)
	return len(tools), nil
}

// open performs spawn, handshake, and tool listing under the connect timeout.
func (m *Manager) open(ctx context.Context, cfg config.ServerConfig) (*mcp.ClientSession, []*mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	transport, err := m.opts.Transport(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating transport: %w", err)
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, connectError(ctx, "handshake", err)
	}

	var tools []*mcp.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, nil, connectError(ctx, "listing tools", err)
		}
		tools = append(tools, tool)
	}
	slices.SortFunc(tools, func(a, b *mcp.Tool) int { return strings.Compare(a.Name, b.Name) })
	return session, tools, nil
}

func connectError(ctx context.Context, step string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", step, ErrConnectTimeout)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// commandTransport spawns the server command and talks to it over stdio.
func (m *Manager) commandTransport(_ context.Context, cfg config.ServerConfig) (mcp.Transport, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", cfg.Command, err)
	}

	// The process must outlive the connect timeout, so it is not bound to ctx.
	cmd := exec.Command(path, m.resolveArgs(cfg.Args)...)
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
	}
	cmd.Stderr = newStderrLogger(m.logger, cfg.Name)

	return &mcp.CommandTransport{Command: cmd, TerminateDuration: 5 * time.Second}, nil
}

// resolveArgs replaces working directory placeholders.
func (m *Manager) resolveArgs(args []string) []string {
	workDir := m.opts.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	out := make([]string, len(args))
	for i, arg := range args {
		switch arg {
		case ".", "$CWD":
			out[i] = workDir
		default:
			out[i] = strings.ReplaceAll(arg, "$CWD", workDir)
		}
	}
	return out
}

// Allowed reports whether cfg may be started.
func (m *Manager) Allowed(cfg config.ServerConfig) bool {
	if cfg.AllowListed {
		return true
	}
	base := filepath.Base(cfg.Command)
	for _, allowed := range m.opts.AllowedCommands {
		if allowed == cfg.Command || allowed == base {
			return true
		}
	}
	return false
}

// Tools returns every tool of every live server, ordered by server then name.
func (m *Manager) Tools() []*RemoteTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []*RemoteTool
	for _, name := range slices.Sorted(maps.Keys(m.conns)) {
		conn := m.conns[name]
		for _, t := range conn.tools {
			tools = append(tools, &RemoteTool{
				Name:        t.Name,
				Server:      conn.name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				session:     conn.session,
				timeout:     m.opts.CallTimeout,
			})
		}
	}
	return tools
}

// Servers returns the names of live servers, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.conns))
}

// Shutdown closes every live session. Safe to call multiple times.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*connection)
	wasClosed := m.closed
	m.closed = true
	m.mu.Unlock()

	for name, conn := range conns {
		if err := conn.session.Close(); err != nil {
			// The process may already be gone.
			m.logger.Debug("closing server session", "server", name, "error", err)
		}
	}

	if !wasClosed {
		m.logger.Info("servers shut down", "sessions_closed", len(conns))
	}
}

// Probe connects to a server, lists its tools, and disconnects. It does not
// consult the allow-list and leaves no session behind.
func (m *Manager) Probe(ctx context.Context, cfg config.ServerConfig) ([]*mcp.Tool, error) {
	session, tools, err := m.open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", cfg.Name, err)
	}
	if err := session.Close(); err != nil {
		m.logger.Debug("closing probe session", "server", cfg.Name, "error", err)
	}
	return tools, nil
}

// OverlapReport returns, for each name in newTools that already has
// providers in existing, the sorted list of those providers.
func OverlapReport(newTools []string, existing map[string][]string) map[string][]string {
	overlap := make(map[string][]string)
	for _, name := range newTools {
		providers := existing[name]
		if len(providers) == 0 {
			continue
		}
		overlap[name] = slices.Sorted(slices.Values(providers))
	}
	return overlap
}
