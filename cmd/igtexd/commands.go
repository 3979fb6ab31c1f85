package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/igtexd/internal/config"
	"github.com/mattjoyce/igtexd/internal/doctor"
	"github.com/mattjoyce/igtexd/internal/inspect"
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/lock"
	"github.com/mattjoyce/igtexd/internal/storage"
	"github.com/mattjoyce/igtexd/internal/workspace"
)

const redacted = "<redacted>"

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verbose, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	reports, err := config.Lock(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose {
		for _, report := range reports {
			fmt.Printf("Processing directory: %s\n", report.ConfigDir)
			for _, file := range report.Files {
				if file.Exists {
					fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
					continue
				}
				fmt.Printf("  SKIP %s: not found\n", file.Filename)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d directory/ies (no files written):\n", len(reports))
	} else {
		fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(reports))
	}
	for _, report := range reports {
		fmt.Printf("  - %s\n", report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	data, err := yaml.Marshal(effectiveConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// effectiveConfig returns a copy of cfg with defaults made explicit and
// secrets redacted.
func effectiveConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Include = nil

	tokensOn := cfg.API.TokensRequired()
	out.API.WorkspaceTokens = &tokensOn

	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = redacted
	}
	out.API.Auth.Tokens = make([]config.APIToken, len(cfg.API.Auth.Tokens))
	for i, t := range cfg.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = config.APIToken{Token: redacted, Scopes: t.Scopes}
	}
	return &out
}

func runWorkspaceInspect(args []string) int {
	var configPath string
	var jsonOut bool
	var limit int

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")
	fs.IntVar(&limit, "limit", 20, "Most recent compilations to show")

	// The workspace id may come before or after the flags.
	var id string
	var remainingArgs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") && id == "" {
			id = arg
			continue
		}
		remainingArgs = append(remainingArgs, arg)
		if (arg == "--config" || arg == "-config" || arg == "--limit" || arg == "-limit") && i+1 < len(args) {
			i++
			remainingArgs = append(remainingArgs, args[i])
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: igtexd workspace inspect <id> [--config PATH] [--json] [--limit N]")
		return 1
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	mgr, err := workspace.NewFSManager(cfg.Uploads.Root, cfg.Uploads.MaxAssetBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open upload root: %v\n", err)
		return 1
	}

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, journal.New(db), mgr, id, limit)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(ctx, journal.New(db), mgr, id, limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runWorkspacePrune(args []string) int {
	var configPath string
	var olderThan time.Duration

	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.DurationVar(&olderThan, "older-than", 0, "Delete workspaces idle for longer than this (e.g. 720h)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: igtexd workspace prune --older-than DURATION [--config PATH]")
		return 1
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Pruning under a running service would race its uploads.
	rootLock, err := lock.Acquire(cfg.Uploads.Root)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			fmt.Fprintf(os.Stderr, "Refusing to prune: %v\nStop the service first.\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to lock upload root: %v\n", err)
		return 1
	}
	defer rootLock.Release()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	mgr, err := workspace.NewFSManager(cfg.Uploads.Root, cfg.Uploads.MaxAssetBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open upload root: %v\n", err)
		return 1
	}

	cutoff := time.Now().Add(-olderThan)
	report, err := mgr.Cleanup(ctx, olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed after removing %d workspace(s): %v\n", report.DeletedDirs, err)
		return 1
	}
	forgotten, err := journal.New(db).Forget(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Removed %d workspace(s) but journal cleanup failed: %v\n", report.DeletedDirs, err)
		return 1
	}

	fmt.Printf("Removed %d workspace director(ies) and %d journal record(s) idle since %s\n",
		report.DeletedDirs, forgotten, cutoff.UTC().Format(time.RFC3339))
	return 0
}
