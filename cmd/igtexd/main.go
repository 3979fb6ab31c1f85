package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/igtexd/internal/api"
	"github.com/mattjoyce/igtexd/internal/auth"
	"github.com/mattjoyce/igtexd/internal/compiler"
	"github.com/mattjoyce/igtexd/internal/config"
	"github.com/mattjoyce/igtexd/internal/events"
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/lock"
	"github.com/mattjoyce/igtexd/internal/log"
	"github.com/mattjoyce/igtexd/internal/scheduler"
	"github.com/mattjoyce/igtexd/internal/session"
	"github.com/mattjoyce/igtexd/internal/storage"
	"github.com/mattjoyce/igtexd/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)

	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: igtexd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("igtexd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`igtexd - compile .igtex documents and their media over HTTP

Usage:
  igtexd <noun> <action> [flags]

Resources (Nouns):
  system     Service lifecycle
  config     Configuration and integrity
  workspace  Upload workspaces on disk and in the journal

System Commands:
  system start              Start the HTTP service in foreground

Config Commands:
  config check              Validate configuration against this host
  config lock               Authorize current config files (write .checksums)
  config show               Print the effective configuration (secrets redacted)

Workspace Commands:
  workspace inspect <id>    Show document, media, artifact, and compilations
  workspace prune           Delete workspaces idle longer than --older-than

General:
  version                   Show version information
  help                      Show this help message

Config is read from --config, $IGTEXD_CONFIG_DIR, ~/.config/igtexd,
/etc/igtexd, or ./config.yaml, in that order.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 {
		printWorkspaceNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "inspect":
		return runWorkspaceInspect(actionArgs)
	case "prune":
		return runWorkspacePrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: igtexd system start [--config PATH]")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: igtexd config <check|lock|show> [--config PATH]")
}

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: igtexd workspace <inspect <id> [--json] | prune --older-than DURATION> [--config PATH]")
}

// resolveConfigPath returns configPath, or the discovered location when empty.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigDir()
}

func loadConfig(configPath string) (*config.Config, string, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("discover config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("igtexd starting", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		logger.Error("igtexd failed", "error", err)
		return 1
	}
	logger.Info("igtexd stopped")
	return 0
}

// serve wires the service from cfg and runs it until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	if err := storage.ValidateLocalFilesystem(cfg.Uploads.Root); err != nil {
		return err
	}
	rootLock, err := lock.Acquire(cfg.Uploads.Root)
	if err != nil {
		return fmt.Errorf("lock upload root %s: %w", cfg.Uploads.Root, err)
	}
	defer rootLock.Release()
	logger.Info("acquired upload root lock", "path", rootLock.Path())

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", cfg.State.Path, err)
	}
	defer db.Close()
	logger.Info("journal opened", "path", cfg.State.Path)

	mgr, err := workspace.NewFSManager(cfg.Uploads.Root, cfg.Uploads.MaxAssetBytes)
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}
	inv, err := compiler.NewExec(compiler.Config{
		Command:        cfg.Compiler.Command,
		Timeout:        cfg.Compiler.Timeout,
		GracePeriod:    cfg.Compiler.GracePeriod,
		MaxOutputBytes: cfg.Compiler.MaxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("compiler: %w", err)
	}

	j := journal.New(db)
	hub := events.NewHub(256)
	orch := session.New(mgr, inv, session.Options{
		Recorder:          j,
		Events:            hub,
		ArtifactURLPrefix: cfg.Uploads.ArtifactURLPrefix,
	})

	janitor := scheduler.New(scheduler.Config{
		MaxAge: cfg.Uploads.Retention.MaxAge,
		Every:  cfg.Uploads.Retention.Every,
		Jitter: cfg.Uploads.Retention.Jitter,
	}, mgr, j, hub, log.Get())
	janitor.Start(ctx)
	defer janitor.Stop()

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	server := api.New(api.Config{
		Listen:          cfg.API.Listen,
		APIKey:          cfg.API.Auth.APIKey,
		Tokens:          tokens,
		WorkspaceTokens: cfg.API.TokensRequired(),
		MaxRequestBytes: cfg.Uploads.MaxRequestBytes,
		WriteTimeout:    cfg.Compiler.Timeout + cfg.Compiler.GracePeriod + time.Minute,
	}, orch, j, hub, log.WithComponent("api"))

	logger.Info("igtexd running",
		"listen", cfg.API.Listen,
		"uploads", cfg.Uploads.Root,
		"workspace_tokens", cfg.API.TokensRequired(),
		"bearer_auth", auth.Enabled(cfg.API.Auth.APIKey, tokens),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
