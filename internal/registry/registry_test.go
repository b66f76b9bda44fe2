// ABOUTME: Tests for the tool registry
// ABOUTME: Uses a real SQLite store, the Starlark loader, and in-process MCP servers

package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhost/internal/loader"
	"github.com/2389/toolhost/internal/servers"
	"github.com/2389/toolhost/internal/servers/serverstest"
	"github.com/2389/toolhost/internal/store"
	"github.com/2389/toolhost/internal/usage"
)

func setupStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func addFunction(t *testing.T, st *store.SQLiteStore, group, name, code string) {
	t.Helper()
	require.NoError(t, st.CreateFunctionVersion(context.Background(), &store.FunctionVersion{
		Name:        name,
		ModuleGroup: group,
		Code:        code,
		Active:      true,
	}))
}

type testEnv struct {
	store   *store.SQLiteStore
	servers map[string]*mcp.Server
	cfg     Config
}

func newTestEnv(t *testing.T) *testEnv {
	st := setupStore(t)
	return &testEnv{
		store:   st,
		servers: make(map[string]*mcp.Server),
		cfg: Config{
			Loader:      loader.New(st, loader.Config{}),
			Preferences: st,
		},
	}
}

func (e *testEnv) serve(name string, tools ...serverstest.Tool) {
	e.servers[name] = serverstest.NewServer(name, tools...)
	e.cfg.ServerEntries = append(e.cfg.ServerEntries, serverstest.Entry(name))
}

func (e *testEnv) build(t *testing.T) *Registry {
	t.Helper()
	cfg := e.cfg
	cfg.Servers = servers.NewManager(servers.Options{
		ConnectTimeout: 500 * time.Millisecond,
		Transport:      serverstest.Factory(t, e.servers),
	}, nil)
	r := New(cfg)
	t.Cleanup(r.Shutdown)
	return r
}

func (e *testEnv) ready(t *testing.T) (*Registry, *InitReport) {
	t.Helper()
	r := e.build(t)
	report, err := r.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateReady, r.State())
	return r, report
}

func TestRegistry_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	r := env.build(t)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, r.State())
	assert.Nil(t, r.GetTool("anything"))
	_, err := r.Invoke(ctx, "anything", nil)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Empty(t, r.Descriptions(nil))

	_, err = r.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, r.State())

	_, err = r.Initialize(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))

	r.Shutdown()
	assert.Equal(t, StateClosed, r.State())
	r.Shutdown()
	assert.Equal(t, StateClosed, r.State())

	_, err = r.Initialize(ctx)
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = r.Invoke(ctx, "anything", nil)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestRegistry_ShutdownBeforeInitialize(t *testing.T) {
	r := newTestEnv(t).build(t)
	r.Shutdown()
	assert.Equal(t, StateClosed, r.State())
}

func TestRegistry_ResolutionOrder(t *testing.T) {
	env := newTestEnv(t)
	addFunction(t, env.store, "utils", "status", "def status():\n    \"\"\"Local status.\"\"\"\n    return \"local\"\n")
	addFunction(t, env.store, "utils", "shout", "def shout(text):\n    return text.upper()\n")
	env.serve("fs",
		serverstest.Tool{Name: "status", Description: "Remote status", Handler: serverstest.Text("remote")},
		serverstest.Tool{Name: "read_file", Description: "Read a file", Handler: serverstest.Text("contents")},
	)
	env.cfg.Groups = []string{"utils"}
	env.cfg.Aliases = map[string]string{
		"yell":      "shout",
		"cat":       "read_file",
		"read_file": "shout", // exact remote match loses to the alias
	}
	r, _ := env.ready(t)
	ctx := context.Background()

	t.Run("exact local wins over remote", func(t *testing.T) {
		tool := r.GetTool("status")
		require.NotNil(t, tool)
		assert.Equal(t, KindLocal, tool.Kind)
		assert.Equal(t, "utils", tool.Provider)
		assert.Equal(t, 1, tool.Version)
	})

	t.Run("alias to local", func(t *testing.T) {
		got, err := r.Invoke(ctx, "yell", map[string]any{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "HI", got)
	})

	t.Run("alias to remote", func(t *testing.T) {
		tool := r.GetTool("cat")
		require.NotNil(t, tool)
		assert.Equal(t, KindRemote, tool.Kind)
		assert.Equal(t, "fs", tool.Provider)
	})

	t.Run("alias before exact remote", func(t *testing.T) {
		tool := r.GetTool("read_file")
		require.NotNil(t, tool)
		assert.Equal(t, "shout", tool.Name)
	})

	t.Run("unknown resolves to nil", func(t *testing.T) {
		assert.Nil(t, r.GetTool("nope"))
		_, err := r.Invoke(ctx, "nope", nil)
		assert.True(t, errors.Is(err, ErrToolNotFound))
	})

	t.Run("uniform invoke", func(t *testing.T) {
		got, err := r.Invoke(ctx, "status", nil)
		require.NoError(t, err)
		assert.Equal(t, "local", got)

		out, err := r.InvokeJSON(ctx, "cat", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"contents"`, string(out))
	})
}

// Two servers share a tool name and the operator picks one.
func TestRegistry_DuplicatesAndPreference(t *testing.T) {
	env := newTestEnv(t)
	env.serve("fs", serverstest.Tool{Name: "status", Handler: serverstest.Text("fs status")})
	env.serve("git", serverstest.Tool{Name: "status", Handler: serverstest.Text("git status")})
	env.serve("web", serverstest.Tool{Name: "fetch"})
	r, _ := env.ready(t)
	ctx := context.Background()

	assert.Equal(t, []string{"fs", "git"}, r.Providers("status"))
	assert.Equal(t, map[string][]string{"status": {"fs", "git"}}, r.Duplicates())
	assert.NotContains(t, r.Duplicates(), "fetch")

	err := r.SetPreference(ctx, "status", "web")
	assert.True(t, errors.Is(err, ErrProviderNotAvailable))
	err = r.SetPreference(ctx, "missing", "fs")
	assert.True(t, errors.Is(err, ErrProviderNotAvailable))

	require.NoError(t, r.SetPreference(ctx, "status", "git"))
	tool := r.GetTool("status")
	require.NotNil(t, tool)
	assert.Equal(t, "git", tool.Provider)

	got, err := r.Invoke(ctx, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, "git status", got)

	pref, err := env.store.GetToolPreference(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "git", pref.Provider)

	require.NoError(t, r.ClearPreference(ctx, "status"))
	assert.Equal(t, "fs", r.GetTool("status").Provider)
}

func TestRegistry_PreferenceSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	env.serve("fs", serverstest.Tool{Name: "status"})
	env.serve("git", serverstest.Tool{Name: "status"})

	first, _ := env.ready(t)
	require.NoError(t, first.SetPreference(context.Background(), "status", "git"))
	first.Shutdown()

	second, _ := env.ready(t)
	assert.Equal(t, "git", second.GetTool("status").Provider)
}

func TestRegistry_PreferenceIgnoredWhenNoLongerDuplicate(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SetToolPreference(context.Background(), &store.ToolPreference{
		ToolName: "status",
		Provider: "git",
	}))
	env.serve("fs", serverstest.Tool{Name: "status"})
	r, _ := env.ready(t)

	tool := r.GetTool("status")
	require.NotNil(t, tool)
	assert.Equal(t, "fs", tool.Provider)
}

// One unreachable server out of three.
func TestRegistry_UnreachableServer(t *testing.T) {
	env := newTestEnv(t)
	env.serve("fs", serverstest.Tool{Name: "read_file"})
	env.serve("git", serverstest.Tool{Name: "log"})
	env.cfg.ServerEntries = append(env.cfg.ServerEntries, serverstest.Entry("dead"))
	r, report := env.ready(t)

	assert.Equal(t, []string{"dead"}, report.FailedServers())
	assert.Nil(t, r.GetTool("dead_only_tool"))
	assert.NotNil(t, r.GetTool("read_file"))
	assert.NotNil(t, r.GetTool("log"))
}

func TestRegistry_BrokenGroupSkipped(t *testing.T) {
	env := newTestEnv(t)
	addFunction(t, env.store, "good", "one", "def one():\n    return 1\n")
	addFunction(t, env.store, "broken", "two", "def two(:\n    return 2\n")
	addFunction(t, env.store, "broken", "three", "def three():\n    return 3\n")
	env.cfg.Groups = []string{"broken", "good"}
	r, report := env.ready(t)

	assert.Equal(t, []string{"broken"}, report.FailedGroups())
	var lerr *loader.LoadError
	require.True(t, errors.As(report.GroupErrors["broken"], &lerr))
	assert.Equal(t, map[string]int{"good": 1}, report.Groups)

	assert.NotNil(t, r.GetTool("one"))
	assert.Nil(t, r.GetTool("three"), "no partial group")
}

func TestRegistry_Descriptions(t *testing.T) {
	env := newTestEnv(t)
	addFunction(t, env.store, "utils", "add", "def add(a, b):\n    \"\"\"Add two numbers.\"\"\"\n    return a + b\n")
	env.serve("web", serverstest.Tool{Name: "fetch", Description: "Fetch a URL"})
	env.cfg.Groups = []string{"utils"}
	env.cfg.Aliases = map[string]string{"get": "fetch"}
	r, _ := env.ready(t)

	assert.Equal(t, map[string]string{
		"add":   "Add two numbers.",
		"fetch": "Fetch a URL",
	}, r.Descriptions(nil))

	assert.Equal(t, map[string]string{
		"get": "Fetch a URL",
	}, r.Descriptions([]string{"get", "unknown"}))

	assert.Empty(t, r.Descriptions([]string{}))
}

func TestRegistry_InvokeRecordsUsage(t *testing.T) {
	env := newTestEnv(t)
	addFunction(t, env.store, "math_ops", "div", "def div(a, b):\n    return a // b\n")
	env.serve("web", serverstest.Tool{Name: "fetch", Handler: serverstest.Echo("fetched")})
	env.cfg.Groups = []string{"math_ops"}
	tracker := usage.NewTracker(env.store, 0, nil)
	env.cfg.Usage = tracker
	r, _ := env.ready(t)
	ctx := context.Background()

	sessionID, err := tracker.Start(ctx, "conv-1", "math_ops")
	require.NoError(t, err)
	sctx := usage.WithSession(ctx, sessionID)

	got, err := r.Invoke(sctx, "div", map[string]any{"a": 7, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	_, err = r.Invoke(sctx, "div", map[string]any{"a": 1, "b": 0})
	require.Error(t, err)

	_, err = r.Invoke(sctx, "fetch", map[string]any{"url": "x"})
	require.NoError(t, err)

	entries, err := env.store.ListUsageEntries(ctx, store.UsageFilter{SessionID: &sessionID}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "div", entries[0].FuncName)
	assert.Equal(t, "math_ops", entries[0].ModuleGroup)
	assert.Equal(t, 1, entries[0].FuncVersion)
	assert.True(t, entries[0].Success)

	assert.False(t, entries[1].Success)
	assert.NotEmpty(t, entries[1].ErrorMessage)

	assert.Equal(t, "web", entries[2].Provider)
	assert.Empty(t, entries[2].ModuleGroup)

	names, err := tracker.Names(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"div", "fetch"}, names)
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	env := newTestEnv(t)
	addFunction(t, env.store, "slow", "spin", "def spin():\n    while True:\n        pass\n")
	env.cfg.Groups = []string{"slow"}
	env.cfg.CallTimeout = 100 * time.Millisecond
	r, _ := env.ready(t)

	_, err := r.Invoke(context.Background(), "spin", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRegistry_Tools(t *testing.T) {
	env := newTestEnv(t)
	addFunction(t, env.store, "utils", "b_local", "def b_local():\n    return 1\n")
	env.serve("srv", serverstest.Tool{Name: "a_remote"})
	env.cfg.Groups = []string{"utils"}
	r, _ := env.ready(t)

	tools := r.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a_remote", tools[0].Name)
	assert.Equal(t, KindRemote, tools[0].Kind)
	assert.Equal(t, "b_local", tools[1].Name)
	assert.Equal(t, KindLocal, tools[1].Kind)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "state(42)", State(42).String())
}

var _ ServerManager = (*servers.Manager)(nil)
var _ ModuleLoader = (*loader.Loader)(nil)
var _ UsageLogger = (*usage.Tracker)(nil)
