// ABOUTME: Persistent catalog of external tool servers added at runtime
// ABOUTME: Wraps the server store with validation, command-line parsing, and config merging

package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/store"
)

// ErrServerNotFound indicates the named server is not in the catalog.
var ErrServerNotFound = errors.New("server not found")

// ErrInvalidServer indicates a catalog entry is missing required fields.
var ErrInvalidServer = errors.New("invalid server entry")

// packageManagers are launchers whose first positional argument names the
// package being run.
var packageManagers = map[string]bool{
	"npx":    true,
	"uvx":    true,
	"pipx":   true,
	"bunx":   true,
	"docker": true,
}

// Catalog manages the persisted server entries.
type Catalog struct {
	store  store.ServerStore
	logger *slog.Logger
}

// NewCatalog creates a Catalog.
func NewCatalog(st store.ServerStore, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  st,
		logger: logger.With("component", "catalog"),
	}
}

// Add stores a server entry.
// Returns store.ErrDuplicateServer if the name is taken.
func (c *Catalog) Add(ctx context.Context, server *store.Server) error {
	if strings.TrimSpace(server.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidServer)
	}
	if strings.TrimSpace(server.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidServer)
	}
	if err := c.store.CreateServer(ctx, server); err != nil {
		return fmt.Errorf("adding server %s: %w", server.Name, err)
	}

	c.logger.Info("=== SERVER ADDED ===",
		"name", server.Name,
		"command", CommandLine(server),
		"enabled", server.Enabled,
	)
	return nil
}

// AddCommandLine parses a shell-style command line and stores it as an
// enabled entry. Known package launchers have their package recorded.
func (c *Catalog) AddCommandLine(ctx context.Context, name, commandLine, description string) (*store.Server, error) {
	words, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing command line: %v", ErrInvalidServer, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty command line", ErrInvalidServer)
	}

	server := &store.Server{
		Name:        name,
		Command:     words[0],
		Args:        words[1:],
		Enabled:     true,
		Description: description,
	}
	if launcher := filepath.Base(words[0]); packageManagers[launcher] {
		server.PackageManager = launcher
		server.Package = firstPositional(words[1:])
	}

	if err := c.Add(ctx, server); err != nil {
		return nil, err
	}
	return server, nil
}

// firstPositional returns the first argument that isn't a flag, skipping
// subcommands docker uses before the image.
func firstPositional(args []string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") || arg == "run" {
			continue
		}
		return arg
	}
	return ""
}

// Remove deletes a server entry.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	if err := c.store.DeleteServer(ctx, name); err != nil {
		return c.notFound(name, err)
	}
	c.logger.Info("=== SERVER REMOVED ===", "name", name)
	return nil
}

// SetEnabled enables or disables a server entry.
func (c *Catalog) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if err := c.store.SetServerEnabled(ctx, name, enabled); err != nil {
		return c.notFound(name, err)
	}
	c.logger.Info("server enabled state changed", "name", name, "enabled", enabled)
	return nil
}

// Get returns a server entry.
func (c *Catalog) Get(ctx context.Context, name string) (*store.Server, error) {
	server, err := c.store.GetServer(ctx, name)
	if err != nil {
		return nil, c.notFound(name, err)
	}
	return server, nil
}

// List returns every server entry.
func (c *Catalog) List(ctx context.Context) ([]*store.Server, error) {
	return c.store.ListServers(ctx)
}

// Search returns entries whose name, package, or description match query.
func (c *Catalog) Search(ctx context.Context, query string) ([]*store.Server, error) {
	return c.store.SearchServers(ctx, query)
}

// Configs merges file entries with the enabled catalog entries. A file entry
// takes precedence over a catalog entry of the same name.
func (c *Catalog) Configs(ctx context.Context, fileEntries []config.ServerConfig) ([]config.ServerConfig, error) {
	servers, err := c.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}

	merged := make([]config.ServerConfig, 0, len(fileEntries)+len(servers))
	seen := make(map[string]bool, len(fileEntries))
	for _, entry := range fileEntries {
		merged = append(merged, entry)
		seen[entry.Name] = true
	}
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		if seen[server.Name] {
			c.logger.Debug("catalog entry shadowed by config file", "name", server.Name)
			continue
		}
		merged = append(merged, ToConfig(server))
	}
	return merged, nil
}

// ToConfig converts a catalog entry into a server configuration.
func ToConfig(server *store.Server) config.ServerConfig {
	enabled := server.Enabled
	return config.ServerConfig{
		Name:        server.Name,
		Command:     server.Command,
		Args:        server.Args,
		Env:         server.Env,
		Enabled:     &enabled,
		AllowListed: server.AllowListed,
		Description: server.Description,
	}
}

// CommandLine renders a server's command and arguments as a shell-quoted line.
func CommandLine(server *store.Server) string {
	return shellquote.Join(append([]string{server.Command}, server.Args...)...)
}

func (c *Catalog) notFound(name string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return err
}
