// ABOUTME: Admin subcommands for toolhost
// ABOUTME: Tool listing, preferences, function versions, server catalog, and usage stats

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/functions"
	"github.com/2389/toolhost/internal/servers"
	"github.com/2389/toolhost/internal/store"
	"github.com/2389/toolhost/internal/usage"
)

func cmdTools(ctx context.Context) error {
	h, _, err := startHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Tools")
	cyan.Println("  -----")

	tools := h.Registry.Tools()
	if len(tools) == 0 {
		fmt.Println("  (no tools)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tKIND\tPROVIDER\tALSO\tDESCRIPTION")
	fmt.Fprintln(w, "  ----\t----\t--------\t----\t-----------")
	for _, t := range tools {
		var others []string
		for _, p := range h.Registry.Providers(t.Name) {
			if p != t.Provider {
				others = append(others, p)
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			t.Name, t.Kind, t.Provider, strings.Join(others, ","), truncate(firstLine(t.Description), 50))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func cmdDuplicates(ctx context.Context) error {
	h, _, err := startHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	dups := h.Registry.Duplicates()
	if len(dups) == 0 {
		fmt.Println("No duplicate tools.")
		return nil
	}

	yellow := color.New(color.FgYellow)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TOOL\tPROVIDERS\tACTIVE")
	for _, name := range slices.Sorted(maps.Keys(dups)) {
		active := ""
		if t := h.Registry.GetTool(name); t != nil {
			active = t.Provider
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", name, strings.Join(dups[name], ", "), active)
	}
	w.Flush()
	fmt.Println()
	yellow.Println("  Use 'toolhost prefer <tool> <provider>' to choose a provider.")
	return nil
}

func cmdPrefer(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: prefer <tool> <provider>")
	}
	h, _, err := startHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	if err := h.Registry.SetPreference(ctx, args[0], args[1]); err != nil {
		return err
	}
	color.Green("✓ %s now resolves to %s\n", args[0], args[1])
	return nil
}

func cmdCall(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: call <tool> [json-args]")
	}
	var input json.RawMessage
	if len(args) == 2 {
		input = json.RawMessage(args[1])
	}

	h, _, err := startHost(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	sessionID, err := h.Usage.Start(ctx, "", "")
	if err != nil {
		return err
	}
	out, callErr := h.Registry.InvokeJSON(usage.WithSession(ctx, sessionID), args[0], input)
	if err := h.Usage.End(ctx, sessionID, callErr == nil); err != nil {
		return err
	}
	if callErr != nil {
		return callErr
	}

	fmt.Println(string(out))
	return nil
}

func cmdImport(ctx context.Context, args []string) error {
	var file, testFile, group string
	var skipTests bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tests", "-t":
			if i+1 < len(args) {
				testFile = args[i+1]
				i++
			}
		case "--group", "-g":
			if i+1 < len(args) {
				group = args[i+1]
				i++
			}
		case "--skip-tests":
			skipTests = true
		default:
			file = args[i]
		}
	}
	if file == "" {
		return errors.New("usage: import <file> [--tests FILE] [--group NAME] [--skip-tests]")
	}

	source, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}
	var testSource []byte
	if testFile != "" {
		if testSource, err = os.ReadFile(testFile); err != nil {
			return fmt.Errorf("reading %s: %w", testFile, err)
		}
	}

	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	report, err := h.Functions.ImportBulk(ctx, functions.ImportRequest{
		Source:      string(source),
		Filename:    filepath.Base(file),
		ModuleGroup: group,
		TestSource:  string(testSource),
		SkipTests:   skipTests,
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Printf("Imported into group %s", report.ModuleGroup)
	if report.PreambleSet {
		fmt.Print(" (preamble updated)")
	}
	fmt.Println()
	for _, name := range report.Order {
		outcome := report.Functions[name]
		switch {
		case outcome.Err != nil:
			red.Printf("  ✗ %s: %v\n", name, outcome.Err)
		case outcome.Activated:
			green.Printf("  ✓ %s v%d active (%s)\n", name, outcome.Version, outcome.TestStatus)
		default:
			yellow.Printf("  - %s v%d inactive (%s)\n", name, outcome.Version, outcome.TestStatus)
		}
	}
	for _, name := range report.UnmatchedTests {
		yellow.Printf("  ? test %s matches no imported function\n", name)
	}
	return nil
}

func cmdVersions(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: versions <name>")
	}
	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	versions, err := h.Functions.Versions(ctx, args[0])
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("%s: %w", args[0], store.ErrNotFound)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  VERSION\tACTIVE\tTESTS\tGROUP\tCREATED")
	for _, v := range versions {
		active := ""
		if v.Active {
			active = "*"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\n",
			v.Version, active, v.TestStatus, v.ModuleGroup, v.CreatedAt.Format("Jan 02 15:04"))
	}
	w.Flush()
	return nil
}

func cmdActivate(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: activate <name> <version>")
	}
	version, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid version %q", args[1])
	}
	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	if err := h.Functions.Activate(ctx, args[0], version); err != nil {
		return err
	}
	color.Green("✓ %s v%d is active\n", args[0], version)
	return nil
}

func cmdTest(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: test <name> [version]")
	}
	version := 0
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		version = v
	}
	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	outcome, err := h.Functions.RunTests(ctx, args[0], version)
	if err != nil {
		return err
	}
	fmt.Print(outcome.Output)
	if !outcome.Passed {
		return fmt.Errorf("%s v%d: tests failed", outcome.Name, outcome.Version)
	}
	color.Green("✓ %s v%d passed\n", outcome.Name, outcome.Version)
	return nil
}

func cmdDump(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dump <group>")
	}
	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	path, err := h.Loader.Dump(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func cmdServers(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	switch args[0] {
	case "list":
		list, err := h.Catalog.List(ctx)
		if err != nil {
			return err
		}
		printServers(list)
	case "search":
		if len(args) != 2 {
			return errors.New("usage: servers search <query>")
		}
		list, err := h.Catalog.Search(ctx, args[1])
		if err != nil {
			return err
		}
		printServers(list)
	case "add":
		if len(args) < 3 {
			return errors.New("usage: servers add <name> <command line...>")
		}
		server, err := h.Catalog.AddCommandLine(ctx, args[1], strings.Join(args[2:], " "), "")
		if err != nil {
			return err
		}
		color.Green("✓ added %s: %s\n", server.Name, servers.CommandLine(server))
	case "remove":
		if len(args) != 2 {
			return errors.New("usage: servers remove <name>")
		}
		if err := h.Catalog.Remove(ctx, args[1]); err != nil {
			return err
		}
		color.Green("✓ removed %s\n", args[1])
	case "enable", "disable":
		if len(args) != 2 {
			return fmt.Errorf("usage: servers %s <name>", args[0])
		}
		if err := h.Catalog.SetEnabled(ctx, args[1], args[0] == "enable"); err != nil {
			return err
		}
		color.Green("✓ %sd %s\n", args[0], args[1])
	case "find":
		if len(args) < 2 {
			return errors.New("usage: servers find <query> [--index npm|pip|all]")
		}
		index := servers.IndexAll
		if len(args) == 4 && args[2] == "--index" {
			index = args[3]
		}
		results, err := h.Packages.Search(ctx, args[1], index)
		if err != nil {
			return err
		}
		printPackages(results)
	case "probe":
		if len(args) != 2 {
			return errors.New("usage: servers probe <name>")
		}
		return probeServer(ctx, h.Config, h.Catalog, h.Servers, args[1])
	default:
		return fmt.Errorf("unknown servers subcommand: %s", args[0])
	}
	return nil
}

// probeServer lists a server's tools and which of them another provider
// already serves.
func probeServer(ctx context.Context, cfg *config.Config, catalog *servers.Catalog, mgr *servers.Manager, name string) error {
	entries, err := catalog.Configs(ctx, cfg.Servers.Entries)
	if err != nil {
		return err
	}
	var target *config.ServerConfig
	var others []config.ServerConfig
	for i := range entries {
		if entries[i].Name == name {
			target = &entries[i]
		} else {
			others = append(others, entries[i])
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", servers.ErrServerNotFound, name)
	}

	tools, err := mgr.Probe(ctx, *target)
	if err != nil {
		return err
	}

	existing := make(map[string][]string)
	report := mgr.Initialize(ctx, others)
	for _, t := range mgr.Tools() {
		existing[t.Name] = append(existing[t.Name], t.Server)
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	overlap := servers.OverlapReport(names, existing)

	yellow := color.New(color.FgYellow)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TOOL\tALSO SERVED BY\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", t.Name, strings.Join(overlap[t.Name], ","), truncate(firstLine(t.Description), 50))
	}
	w.Flush()
	if len(report.Failed) > 0 {
		yellow.Printf("\n  Overlap check skipped unreachable servers: %s\n", strings.Join(report.FailedNames(), ", "))
	}
	return nil
}

func printPackages(results map[string][]servers.Package) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  INDEX\tPACKAGE\tVERSION\tDESCRIPTION")
	found := 0
	for _, index := range slices.Sorted(maps.Keys(results)) {
		for _, pkg := range results[index] {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", index, pkg.Name, pkg.Version, truncate(pkg.Description, 50))
			found++
		}
	}
	if found == 0 {
		fmt.Println("  (no packages found)")
		return
	}
	w.Flush()
}

func printServers(list []*store.Server) {
	if len(list) == 0 {
		fmt.Println("  (no servers)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tENABLED\tCOMMAND\tDESCRIPTION")
	for _, s := range list {
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", s.Name, enabled, truncate(servers.CommandLine(s), 50), truncate(s.Description, 40))
	}
	w.Flush()
}

func cmdStats(ctx context.Context, args []string) error {
	var filter store.UsageFilter
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session", "-s":
			if i+1 < len(args) {
				filter.SessionID = &args[i+1]
				i++
			}
		case "--func", "-f":
			if i+1 < len(args) {
				filter.FuncName = &args[i+1]
				i++
			}
		}
	}

	h, err := openHost()
	if err != nil {
		return err
	}
	defer func() { _ = h.Shutdown() }()

	stats, err := h.Usage.Stats(ctx, filter)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Usage")
	cyan.Println("  -----")
	fmt.Printf("  Calls:        %d\n", stats.TotalCalls)
	fmt.Printf("  Success rate: %.1f%%\n", stats.SuccessRate*100)
	fmt.Printf("  Avg duration: %.1fms\n", stats.AvgDurationMS)
	fmt.Println()

	if len(stats.ByFunction) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TOOL\tCALLS\tOK\tAVG MS")
	for _, name := range slices.Sorted(maps.Keys(stats.ByFunction)) {
		fu := stats.ByFunction[name]
		fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f\n", name, fu.Calls, fu.Successes, fu.AvgDurationMS)
	}
	w.Flush()
	fmt.Println()
	return nil
}

// truncate shortens a string to maxLen runes, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
