package config

import "time"

// Config represents the complete igtexd configuration.
type Config struct {
	// Include lists additional files merged over this one, relative to it.
	Include  []string       `yaml:"include,omitempty"`
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Compiler CompilerConfig `yaml:"compiler"`
	API      APIConfig      `yaml:"api"`

	// SourceFiles are the absolute paths of every file that contributed to
	// this config, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines journal storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// UploadsConfig defines where workspaces live and how large inputs may be.
type UploadsConfig struct {
	Root              string `yaml:"root"`
	MaxAssetBytes     int64  `yaml:"max_asset_bytes"`
	MaxRequestBytes   int64  `yaml:"max_request_bytes"`
	ArtifactURLPrefix string `yaml:"artifact_url_prefix"`
	// Retention deletes idle workspaces in the background.
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls the background sweep. MaxAge zero disables it.
type RetentionConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
	Every  time.Duration `yaml:"every"`
	Jitter time.Duration `yaml:"jitter"`
}

// CompilerConfig defines how the external compiler is run.
type CompilerConfig struct {
	// Command is the argv prefix; the document path is appended.
	Command        []string      `yaml:"command"`
	Timeout        time.Duration `yaml:"timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// WorkspaceTokens defaults to true when unset.
	WorkspaceTokens *bool         `yaml:"workspace_tokens,omitempty"`
	Auth            APIAuthConfig `yaml:"auth"`
}

// TokensRequired reports whether workspace-scoped routes demand the
// capability token issued on upload.
func (a APIConfig) TokensRequired() bool {
	return a.WorkspaceTokens == nil || *a.WorkspaceTokens
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "igtexd",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Uploads: UploadsConfig{
			Root:              "./static/uploads",
			MaxAssetBytes:     30_000_000,
			MaxRequestBytes:   50_000_000,
			ArtifactURLPrefix: "/static/uploads",
			Retention: RetentionConfig{
				Every: time.Hour,
			},
		},
		Compiler: CompilerConfig{
			Command:        []string{"python3", "./compiler.py"},
			Timeout:        120 * time.Second,
			GracePeriod:    5 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}
