package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/igtexd/internal/auth"
)

// EnvConfigDir overrides the config discovery search path.
const EnvConfigDir = "IGTEXD_CONFIG_DIR"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files named in include are merged over the root in order.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigDir finds the config by checking standard locations.
// Priority order: $IGTEXD_CONFIG_DIR, ~/.config/igtexd, /etc/igtexd, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "igtexd")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/igtexd"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/igtexd, /etc/igtexd, ./config.yaml)", EnvConfigDir)
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, includedCfg)
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.Uploads.Root != "" {
		dst.Uploads.Root = src.Uploads.Root
	}
	if src.Uploads.MaxAssetBytes != 0 {
		dst.Uploads.MaxAssetBytes = src.Uploads.MaxAssetBytes
	}
	if src.Uploads.MaxRequestBytes != 0 {
		dst.Uploads.MaxRequestBytes = src.Uploads.MaxRequestBytes
	}
	if src.Uploads.ArtifactURLPrefix != "" {
		dst.Uploads.ArtifactURLPrefix = src.Uploads.ArtifactURLPrefix
	}
	if src.Uploads.Retention.MaxAge != 0 {
		dst.Uploads.Retention.MaxAge = src.Uploads.Retention.MaxAge
	}
	if src.Uploads.Retention.Every != 0 {
		dst.Uploads.Retention.Every = src.Uploads.Retention.Every
	}
	if src.Uploads.Retention.Jitter != 0 {
		dst.Uploads.Retention.Jitter = src.Uploads.Retention.Jitter
	}

	if len(src.Compiler.Command) > 0 {
		dst.Compiler.Command = src.Compiler.Command
	}
	if src.Compiler.Timeout != 0 {
		dst.Compiler.Timeout = src.Compiler.Timeout
	}
	if src.Compiler.GracePeriod != 0 {
		dst.Compiler.GracePeriod = src.Compiler.GracePeriod
	}
	if src.Compiler.MaxOutputBytes != 0 {
		dst.Compiler.MaxOutputBytes = src.Compiler.MaxOutputBytes
	}

	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.WorkspaceTokens != nil {
		dst.API.WorkspaceTokens = src.API.WorkspaceTokens
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	// Tokens are additive so secrets can live in their own include.
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}
}

// verifyAllConfigHashes checks every source file against the .checksums
// manifest in its directory. Directories without a manifest are skipped.
func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: igtexd config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: igtexd config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Uploads.Root == "" {
		cfg.Uploads.Root = defaults.Uploads.Root
	}
	if cfg.Uploads.MaxAssetBytes == 0 {
		cfg.Uploads.MaxAssetBytes = defaults.Uploads.MaxAssetBytes
	}
	if cfg.Uploads.MaxRequestBytes == 0 {
		cfg.Uploads.MaxRequestBytes = defaults.Uploads.MaxRequestBytes
	}
	if cfg.Uploads.ArtifactURLPrefix == "" {
		cfg.Uploads.ArtifactURLPrefix = defaults.Uploads.ArtifactURLPrefix
	}
	if cfg.Uploads.Retention.Every == 0 {
		cfg.Uploads.Retention.Every = defaults.Uploads.Retention.Every
	}

	if len(cfg.Compiler.Command) == 0 {
		cfg.Compiler.Command = defaults.Compiler.Command
	}
	if cfg.Compiler.Timeout == 0 {
		cfg.Compiler.Timeout = defaults.Compiler.Timeout
	}
	if cfg.Compiler.GracePeriod == 0 {
		cfg.Compiler.GracePeriod = defaults.Compiler.GracePeriod
	}
	if cfg.Compiler.MaxOutputBytes == 0 {
		cfg.Compiler.MaxOutputBytes = defaults.Compiler.MaxOutputBytes
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Uploads.Root == "" {
		return fmt.Errorf("uploads.root is required")
	}
	if cfg.Uploads.MaxAssetBytes < 0 {
		return fmt.Errorf("uploads.max_asset_bytes must not be negative")
	}
	if cfg.Uploads.MaxRequestBytes < 0 {
		return fmt.Errorf("uploads.max_request_bytes must not be negative")
	}
	if cfg.Uploads.MaxRequestBytes > 0 && cfg.Uploads.MaxAssetBytes > cfg.Uploads.MaxRequestBytes {
		return fmt.Errorf("uploads.max_asset_bytes (%d) exceeds uploads.max_request_bytes (%d)",
			cfg.Uploads.MaxAssetBytes, cfg.Uploads.MaxRequestBytes)
	}
	if !strings.HasPrefix(cfg.Uploads.ArtifactURLPrefix, "/") {
		return fmt.Errorf("uploads.artifact_url_prefix must start with / (got %q)", cfg.Uploads.ArtifactURLPrefix)
	}

	if len(cfg.Compiler.Command) == 0 || strings.TrimSpace(cfg.Compiler.Command[0]) == "" {
		return fmt.Errorf("compiler.command is required")
	}
	for i, arg := range cfg.Compiler.Command {
		if err := unresolved(fmt.Sprintf("compiler.command[%d]", i), arg); err != nil {
			return err
		}
	}
	if cfg.Compiler.Timeout <= 0 {
		return fmt.Errorf("compiler.timeout must be positive")
	}
	if cfg.Compiler.GracePeriod < 0 {
		return fmt.Errorf("compiler.grace_period must not be negative")
	}
	if cfg.Compiler.MaxOutputBytes < 0 {
		return fmt.Errorf("compiler.max_output_bytes must not be negative")
	}

	ret := cfg.Uploads.Retention
	if ret.MaxAge < 0 || ret.Every < 0 || ret.Jitter < 0 {
		return fmt.Errorf("uploads.retention durations must not be negative")
	}
	if ret.MaxAge > 0 && ret.Every == 0 {
		return fmt.Errorf("uploads.retention.every must be positive when max_age is set")
	}
	// A sweep must never catch a workspace mid-compilation.
	if ret.MaxAge > 0 && ret.MaxAge <= cfg.Compiler.Timeout+cfg.Compiler.GracePeriod {
		return fmt.Errorf("uploads.retention.max_age (%s) must exceed compiler.timeout plus grace_period (%s)",
			ret.MaxAge, cfg.Compiler.Timeout+cfg.Compiler.GracePeriod)
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
		for _, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}

	return nil
}

// unresolved reports a ${VAR} placeholder that survived interpolation.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return nil
	}
	return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
}
