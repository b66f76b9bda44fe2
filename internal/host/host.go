// ABOUTME: Composition root that builds toolhost components from configuration
// ABOUTME: Owns the store, registry, and server manager lifetimes

package host

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/functions"
	"github.com/2389/toolhost/internal/loader"
	"github.com/2389/toolhost/internal/registry"
	"github.com/2389/toolhost/internal/script"
	"github.com/2389/toolhost/internal/servers"
	"github.com/2389/toolhost/internal/store"
	"github.com/2389/toolhost/internal/usage"
)

// Host owns every toolhost component.
type Host struct {
	Config    *config.Config
	Store     *store.SQLiteStore
	Functions *functions.Service
	Loader    *loader.Loader
	Catalog   *servers.Catalog
	Packages  *servers.PackageIndex
	Servers   *servers.Manager
	Usage     *usage.Tracker
	Registry  *registry.Registry

	logger *slog.Logger
}

// New opens the store and builds the components. The registry is not
// initialized until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	scriptOpts := script.Options{
		MaxSteps: cfg.Modules.MaxSteps,
		Logger:   logger.With("component", "script"),
	}

	h := &Host{
		Config: cfg,
		Store:  st,
		logger: logger.With("component", "host"),
	}
	h.Functions = functions.New(st, script.NewTestRunner(scriptOpts, cfg.Tests.Timeout), logger)
	h.Loader = loader.New(st, loader.Config{
		CacheDir: cfg.Modules.CacheDir,
		MaxSteps: cfg.Modules.MaxSteps,
		Logger:   logger,
	})
	h.Catalog = servers.NewCatalog(st, logger)
	h.Packages = servers.NewPackageIndex(servers.PackageIndexOptions{}, logger)
	h.Servers = servers.NewManager(servers.Options{
		ConnectTimeout:  cfg.Servers.ConnectTimeout,
		CallTimeout:     cfg.Servers.CallTimeout,
		MaxParallel:     cfg.Servers.MaxParallel,
		AllowedCommands: cfg.Servers.AllowedCommands,
		WorkDir:         cfg.Servers.WorkDir,
	}, logger)
	h.Usage = usage.NewTracker(st, cfg.Usage.MaxNamesPerSession, logger)

	return h, nil
}

// Start initializes the registry. Server entries come from the config file
// merged with the enabled catalog entries.
func (h *Host) Start(ctx context.Context) (*registry.InitReport, error) {
	entries, err := h.Catalog.Configs(ctx, h.Config.Servers.Entries)
	if err != nil {
		return nil, err
	}

	h.Registry = registry.New(registry.Config{
		Loader:        h.Loader,
		Servers:       h.Servers,
		Preferences:   h.Store,
		Usage:         h.Usage,
		Logger:        h.logger,
		Groups:        h.Config.Modules.Groups,
		ServerEntries: entries,
		Aliases:       h.Config.Aliases,
		CallTimeout:   h.Config.Modules.CallTimeout,
	})

	report, err := h.Registry.Initialize(ctx)
	if err != nil {
		return report, fmt.Errorf("initializing registry: %w", err)
	}
	return report, nil
}

// Run blocks until ctx is cancelled and then shuts down.
func (h *Host) Run(ctx context.Context) error {
	<-ctx.Done()
	h.logger.Info("shutdown signal received")
	return h.Shutdown()
}

// Shutdown disconnects every server and closes the store. Safe to call
// without Start.
func (h *Host) Shutdown() error {
	h.logger.Info("shutting down toolhost")

	if h.Registry != nil {
		h.Registry.Shutdown()
	} else {
		h.Servers.Shutdown()
	}

	if err := h.Store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
