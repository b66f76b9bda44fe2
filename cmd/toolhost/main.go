// ABOUTME: Entry point for toolhost, the tool resolution host for agent runtimes
// ABOUTME: Serves the registry and provides admin subcommands over the same store

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/host"
	"github.com/2389/toolhost/internal/registry"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _              _ _               _
 | |_ ___   ___ | | |__   ___  ___| |_
 | __/ _ \ / _ \| | '_ \ / _ \/ __| __|
 | || (_) | (_) | | | | | (_) \__ \ |_
  \__\___/ \___/|_|_| |_|\___/|___/\__|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "tools":
		err = cmdTools(ctx)
	case "duplicates":
		err = cmdDuplicates(ctx)
	case "prefer":
		err = cmdPrefer(ctx, args)
	case "call":
		err = cmdCall(ctx, args)
	case "import":
		err = cmdImport(ctx, args)
	case "versions":
		err = cmdVersions(ctx, args)
	case "activate":
		err = cmdActivate(ctx, args)
	case "test":
		err = cmdTest(ctx, args)
	case "dump":
		err = cmdDump(ctx, args)
	case "servers":
		err = cmdServers(ctx, args)
	case "stats":
		err = cmdStats(ctx, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: toolhost <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                          Initialize the registry and wait for a signal")
	fmt.Println("  tools                          List resolved tools and their providers")
	fmt.Println("  duplicates                     List tools served by more than one provider")
	fmt.Println("  prefer <tool> <provider>       Pin a duplicate tool to one provider")
	fmt.Println("  call <tool> [json-args]        Invoke a tool in a fresh session")
	fmt.Println("  import <file> [--tests FILE] [--group NAME] [--skip-tests]")
	fmt.Println("                                 Import every function in a source file")
	fmt.Println("  versions <name>                List the versions of a function")
	fmt.Println("  activate <name> <version>      Make a version the active one")
	fmt.Println("  test <name> [version]          Re-run the stored tests of a version")
	fmt.Println("  dump <group>                   Write a module group's source to the cache dir")
	fmt.Println("  servers [list|add|remove|enable|disable|search|find|probe]")
	fmt.Println("                                 Manage the server catalog")
	fmt.Println("  stats [--session ID] [--func NAME]")
	fmt.Println("                                 Show usage statistics")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  TOOLHOST_CONFIG                Config file (default: $XDG_CONFIG_HOME/toolhost/config.yaml)")
	fmt.Println()
}

// loadConfig loads the configuration file, falling back to defaults when it
// doesn't exist.
func loadConfig() (*config.Config, string, error) {
	configPath, err := config.DefaultPath()
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

// openHost builds a host for an admin subcommand.
func openHost() (*host.Host, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return host.New(cfg, stderrLogger(cfg.Logging))
}

// startHost builds a host and initializes its registry.
func startHost(ctx context.Context) (*host.Host, *registry.InitReport, error) {
	h, err := openHost()
	if err != nil {
		return nil, nil, err
	}
	report, err := h.Start(ctx)
	if err != nil {
		_ = h.Shutdown()
		return nil, nil, err
	}
	return h, report, nil
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Groups:    %v\n", cfg.Modules.Groups)
	fmt.Println()

	logger.Info("starting toolhost",
		"config", configPath,
		"groups", len(cfg.Modules.Groups),
		"servers", len(cfg.Servers.Entries),
	)

	h, err := host.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}

	report, err := h.Start(ctx)
	if err != nil {
		_ = h.Shutdown()
		return err
	}
	printReport(report)

	return h.Run(ctx)
}

func printReport(report *registry.InitReport) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	for _, group := range slices.Sorted(maps.Keys(report.Groups)) {
		green.Print("    ✓ ")
		fmt.Printf("group %s: %d functions\n", group, report.Groups[group])
	}
	for _, group := range report.FailedGroups() {
		red.Print("    ✗ ")
		fmt.Printf("group %s: %v\n", group, report.GroupErrors[group])
	}
	if report.Servers != nil {
		for _, name := range slices.Sorted(maps.Keys(report.Servers.Connected)) {
			green.Print("    ✓ ")
			fmt.Printf("server %s: %d tools\n", name, report.Servers.Connected[name])
		}
		for _, name := range report.FailedServers() {
			red.Print("    ✗ ")
			fmt.Printf("server %s: %v\n", name, report.Servers.Failed[name])
		}
		for _, name := range report.Servers.Skipped {
			gray.Printf("    - server %s: disabled\n", name)
		}
	}
	fmt.Println()
}
