package doctor

import (
	"errors"
	"strings"
	"testing"

	"github.com/mattjoyce/igtexd/internal/config"
	"github.com/mattjoyce/igtexd/internal/lock"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	dir := t.TempDir()
	cfg.Uploads.Root = dir
	cfg.State.Path = dir + "/state.db"
	cfg.Compiler.Command = []string{"sh"}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	d.localFS = func(string) error { return nil }
	return d
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_CompilerNotFound(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }

	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "compiler.command[0]") {
		t.Fatalf("expected compiler.command[0] error, got %v", r.Errors)
	}
}

func TestValidate_MissingCompilerScript(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Compiler.Command = []string{"python3", "./definitely-missing/compiler.py", "--strict"}

	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("missing script should warn, not fail: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "compiler.command[1]") {
		t.Fatalf("expected compiler.command[1] warning, got %v", r.Warnings)
	}
	if hasIssue(r.Warnings, "compiler.command[2]") {
		t.Fatal("flags must not be treated as paths")
	}
}

func TestValidate_UploadRootMissingIsWarning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Uploads.Root = cfg.Uploads.Root + "/not-yet"

	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "uploads.root") {
		t.Fatalf("expected uploads.root warning, got %v", r.Warnings)
	}
}

func TestValidate_NetworkFilesystem(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.localFS = func(path string) error { return errors.New("path is on network filesystem \"nfs\"") }

	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "uploads.root") || !hasIssue(r.Errors, "state.path") {
		t.Fatalf("expected uploads.root and state.path errors, got %v", r.Errors)
	}
}

func TestValidate_DuplicateTokens(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = []config.APIToken{
		{Token: "aaaaaaaaaaaaaaaaaaaa", Scopes: []string{"compile:rw"}},
		{Token: "aaaaaaaaaaaaaaaaaaaa", Scopes: []string{"events:ro"}},
	}

	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Errors, "api.auth.tokens[1].token") {
		t.Fatalf("expected duplicate token error, got %v", r.Errors)
	}
}

func TestValidate_ShortToken(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "short", Scopes: []string{"*"}}}

	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "api.auth.tokens[0].token") {
		t.Fatalf("expected short token warning, got %v", r.Warnings)
	}
}

func TestValidate_ExposedListener(t *testing.T) {
	t.Parallel()
	off := false
	cfg := validConfig(t)
	cfg.API.Listen = "0.0.0.0:8080"
	cfg.API.WorkspaceTokens = &off

	r := newDoctor(cfg).Validate()
	var msg string
	for _, w := range r.Warnings {
		if w.Field == "api.listen" {
			msg = w.Message
		}
	}
	if !strings.Contains(msg, "workspace tokens disabled") {
		t.Fatalf("expected exposed listener warning, got %v", r.Warnings)
	}
}

func TestValidate_LoopbackListenerQuiet(t *testing.T) {
	t.Parallel()
	for _, listen := range []string{"127.0.0.1:8080", "localhost:8080", "[::1]:8080"} {
		cfg := validConfig(t)
		cfg.API.Listen = listen
		if r := newDoctor(cfg).Validate(); hasIssue(r.Warnings, "api.listen") {
			t.Errorf("%s: unexpected warning %v", listen, r.Warnings)
		}
	}
}

func TestValidate_GraceNotShorterThanTimeout(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Compiler.GracePeriod = cfg.Compiler.Timeout

	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "compiler.grace_period") {
		t.Fatalf("expected grace_period warning, got %v", r.Warnings)
	}
}

func TestValidate_RunningInstance(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	l, err := lock.Acquire(cfg.Uploads.Root)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	r := newDoctor(cfg).Validate()
	if !hasIssue(r.Warnings, "uploads.root") {
		t.Fatalf("expected running instance warning, got %v", r.Warnings)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "compiler", Field: "compiler.command[0]", Message: "not found"}},
		Warnings: []Issue{{Category: "auth", Message: "weak"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "Configuration invalid (1 error(s), 1 warning(s))") {
		t.Errorf("missing summary line: %q", out)
	}
	if !strings.Contains(out, "ERROR [compiler] compiler.command[0]: not found") {
		t.Errorf("missing error line: %q", out)
	}
	if !strings.Contains(out, "WARN  [auth] weak") {
		t.Errorf("missing warning line: %q", out)
	}
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Errorf("FormatHuman(valid) = %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Errorf("FormatJSON = %s", out)
	}
}
