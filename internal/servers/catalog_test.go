// ABOUTME: Tests for the persistent server catalog
// ABOUTME: Covers command-line parsing, enable/disable, search, and config merging

package servers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/store"
)

func setupCatalog(t *testing.T) *Catalog {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewCatalog(st, nil)
}

func TestCatalog_AddCommandLine(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	server, err := c.AddCommandLine(ctx, "fs", `npx -y @modelcontextprotocol/server-filesystem "/home/me/My Docs"`, "Files")
	require.NoError(t, err)
	assert.Equal(t, "npx", server.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-filesystem", "/home/me/My Docs"}, server.Args)
	assert.Equal(t, "npx", server.PackageManager)
	assert.Equal(t, "@modelcontextprotocol/server-filesystem", server.Package)

	got, err := c.Get(ctx, "fs")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, server.Args, got.Args)

	words, err := shellquote.Split(CommandLine(got))
	require.NoError(t, err)
	assert.Equal(t, append([]string{"npx"}, server.Args...), words)
}

func TestCatalog_AddCommandLine_Invalid(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	_, err := c.AddCommandLine(ctx, "x", `npx "unterminated`, "")
	assert.True(t, errors.Is(err, ErrInvalidServer))

	_, err = c.AddCommandLine(ctx, "x", "   ", "")
	assert.True(t, errors.Is(err, ErrInvalidServer))

	err = c.Add(ctx, &store.Server{Name: "", Command: "x"})
	assert.True(t, errors.Is(err, ErrInvalidServer))
}

func TestCatalog_Duplicate(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	_, err := c.AddCommandLine(ctx, "fs", "server-fs", "")
	require.NoError(t, err)
	_, err = c.AddCommandLine(ctx, "fs", "other", "")
	assert.True(t, errors.Is(err, store.ErrDuplicateServer))
}

func TestCatalog_RemoveAndEnable(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	_, err := c.AddCommandLine(ctx, "fs", "server-fs", "")
	require.NoError(t, err)

	require.NoError(t, c.SetEnabled(ctx, "fs", false))
	got, err := c.Get(ctx, "fs")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, c.Remove(ctx, "fs"))
	_, err = c.Get(ctx, "fs")
	assert.True(t, errors.Is(err, ErrServerNotFound))

	assert.True(t, errors.Is(c.Remove(ctx, "fs"), ErrServerNotFound))
	assert.True(t, errors.Is(c.SetEnabled(ctx, "fs", true), ErrServerNotFound))
}

func TestCatalog_Search(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	_, err := c.AddCommandLine(ctx, "github", "github-mcp-server stdio", "GitHub issues and PRs")
	require.NoError(t, err)
	_, err = c.AddCommandLine(ctx, "fs", "npx -y server-filesystem", "Local files")
	require.NoError(t, err)

	found, err := c.Search(ctx, "issues")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "github", found[0].Name)

	found, err = c.Search(ctx, "FILESYSTEM")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fs", found[0].Name)
}

func TestCatalog_Configs(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	_, err := c.AddCommandLine(ctx, "fs", "catalog-fs", "")
	require.NoError(t, err)
	_, err = c.AddCommandLine(ctx, "web", "web-server", "")
	require.NoError(t, err)
	_, err = c.AddCommandLine(ctx, "old", "old-server", "")
	require.NoError(t, err)
	require.NoError(t, c.SetEnabled(ctx, "old", false))

	merged, err := c.Configs(ctx, []config.ServerConfig{
		{Name: "fs", Command: "file-fs"},
	})
	require.NoError(t, err)

	byName := make(map[string]config.ServerConfig)
	for _, entry := range merged {
		byName[entry.Name] = entry
	}
	require.Len(t, byName, 2)
	assert.Equal(t, "file-fs", byName["fs"].Command, "file entry wins")
	assert.Equal(t, "web-server", byName["web"].Command)
	assert.True(t, byName["web"].IsEnabled())
	assert.NotContains(t, byName, "old")
}
