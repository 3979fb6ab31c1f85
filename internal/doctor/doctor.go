// Package doctor checks an igtexd configuration against the host it will run on.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/igtexd/internal/config"
	"github.com/mattjoyce/igtexd/internal/lock"
	"github.com/mattjoyce/igtexd/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config

	lookPath func(string) (string, error)
	localFS  func(string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		localFS:  storage.ValidateLocalFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCompiler(r)
	d.validateUploads(r)
	d.validateState(r)
	d.validateTokens(r)
	d.warnExposedAPI(r)
	d.warnCompilerTimings(r)
	d.warnRunningInstance(r)
	d.warnLegacyAPIKey(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCompiler checks the compiler binary resolves and that a script
// argument given as a path exists.
func (d *Doctor) validateCompiler(r *Result) {
	cmd := d.cfg.Compiler.Command
	if len(cmd) == 0 {
		d.addError(r, "compiler", "compiler.command", "compiler.command is required")
		return
	}
	if _, err := d.lookPath(cmd[0]); err != nil {
		d.addError(r, "compiler", "compiler.command[0]",
			fmt.Sprintf("compiler %q not found: %v", cmd[0], err))
	}
	for i, arg := range cmd[1:] {
		if strings.HasPrefix(arg, "-") || !looksLikePath(arg) {
			continue
		}
		if _, err := os.Stat(arg); err != nil {
			d.addWarning(r, "compiler", fmt.Sprintf("compiler.command[%d]", i+1),
				fmt.Sprintf("argument %q looks like a file but cannot be read: %v", arg, err))
		}
	}
}

// validateUploads checks the upload root is usable.
func (d *Doctor) validateUploads(r *Result) {
	root := d.cfg.Uploads.Root
	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "uploads", "uploads.root",
			fmt.Sprintf("%s does not exist yet; it will be created on start", root))
	case err != nil:
		d.addError(r, "uploads", "uploads.root", err.Error())
		return
	case !info.IsDir():
		d.addError(r, "uploads", "uploads.root", fmt.Sprintf("%s is not a directory", root))
		return
	default:
		if err := writable(root); err != nil {
			d.addError(r, "uploads", "uploads.root", fmt.Sprintf("%s is not writable: %v", root, err))
		}
	}
	if err := d.localFS(root); err != nil {
		d.addError(r, "uploads", "uploads.root", err.Error())
	}
}

func (d *Doctor) validateState(r *Result) {
	if err := d.localFS(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateTokens checks bearer tokens are distinct.
func (d *Doctor) validateTokens(r *Result) {
	seen := make(map[string]int)
	for i, tok := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if prev, ok := seen[tok.Token]; ok {
			d.addError(r, "auth", field, fmt.Sprintf("duplicates api.auth.tokens[%d]", prev))
			continue
		}
		seen[tok.Token] = i
		if tok.Token == d.cfg.API.Auth.APIKey && tok.Token != "" {
			d.addError(r, "auth", field, "token equals api.auth.api_key")
		}
		if len(tok.Token) < 16 {
			d.addWarning(r, "auth", field, "token is shorter than 16 characters")
		}
	}
}

// warnExposedAPI flags a non-loopback listener with no bearer auth.
func (d *Doctor) warnExposedAPI(r *Result) {
	if d.cfg.API.Auth.APIKey != "" || len(d.cfg.API.Auth.Tokens) > 0 {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	msg := "API listens beyond loopback without bearer auth"
	if !d.cfg.API.TokensRequired() {
		msg += " and with workspace tokens disabled; any client can modify any workspace"
	}
	d.addWarning(r, "api", "api.listen", msg)
}

func (d *Doctor) warnCompilerTimings(r *Result) {
	c := d.cfg.Compiler
	if c.GracePeriod >= c.Timeout {
		d.addWarning(r, "compiler", "compiler.grace_period",
			fmt.Sprintf("grace period %s is not shorter than timeout %s", c.GracePeriod, c.Timeout))
	}
	if c.MaxOutputBytes > 0 && c.MaxOutputBytes < 4096 {
		d.addWarning(r, "compiler", "compiler.max_output_bytes",
			fmt.Sprintf("%d bytes may truncate useful diagnostics", c.MaxOutputBytes))
	}
}

func (d *Doctor) warnRunningInstance(r *Result) {
	if _, err := os.Stat(d.cfg.Uploads.Root); err != nil {
		return
	}
	l, err := lock.Acquire(d.cfg.Uploads.Root)
	if err == nil {
		_ = l.Release()
		return
	}
	if pid, ok := lock.Holder(d.cfg.Uploads.Root); ok {
		d.addWarning(r, "uploads", "uploads.root", fmt.Sprintf("an igtexd instance (pid %d) owns this upload root", pid))
	}
}

func (d *Doctor) warnLegacyAPIKey(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "auth", "api.auth.api_key",
			"api_key grants full access; prefer tokens with scopes")
	}
}

func looksLikePath(arg string) bool {
	return strings.ContainsRune(arg, filepath.Separator) || filepath.Ext(arg) != ""
}

func writable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
