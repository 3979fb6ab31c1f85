package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/igtexd/internal/failure"
	"github.com/mattjoyce/igtexd/internal/log"
	"github.com/mattjoyce/igtexd/internal/workspace"
)

const (
	// DefaultTimeout bounds a single compiler run.
	DefaultTimeout = 120 * time.Second

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultMaxOutputBytes caps the combined output kept from a run.
	DefaultMaxOutputBytes = 1 << 20
)

// Result is the outcome of a compiler run that started and exited on its own.
type Result struct {
	Success      bool
	Output       string
	ArtifactPath string
	ExitCode     int
	Duration     time.Duration
	Truncated    bool
}

//go:generate mockgen -destination=mocks/mock_compiler.go -package=mocks github.com/mattjoyce/igtexd/internal/compiler Invoker

// Invoker runs the external compiler against a document.
type Invoker interface {
	Invoke(ctx context.Context, documentPath string) (Result, error)
}

// Config configures the exec-based invoker.
type Config struct {
	// Command is the argv prefix; the absolute document path is appended.
	Command        []string
	Timeout        time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int
}

// Exec spawns the compiler as a child process per invocation.
type Exec struct {
	cfg    Config
	logger *slog.Logger
}

var _ Invoker = (*Exec)(nil)

// NewExec validates cfg and fills in defaults.
func NewExec(cfg Config) (*Exec, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("compiler command is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Exec{cfg: cfg, logger: log.WithComponent("compiler")}, nil
}

// Invoke runs the compiler with the absolute document path as its last
// argument and blocks until it exits, times out, or ctx is cancelled.
//
// A non-zero exit is reported through Result.Success, not as an error.
// Errors are always failure.KindInvocation: the process could not start, was
// killed, or exited 0 without writing output.html beside the document.
func (e *Exec) Invoke(ctx context.Context, documentPath string) (Result, error) {
	abs, err := filepath.Abs(documentPath)
	if err != nil {
		return Result{}, failure.Wrap(failure.KindInvocation, err, "resolve document path")
	}
	dir := filepath.Dir(abs)
	artifact := filepath.Join(dir, workspace.ArtifactName)

	args := append(append([]string{}, e.cfg.Command[1:]...), abs)
	cmd := exec.Command(e.cfg.Command[0], args...)
	cmd.Dir = dir
	// Own process group so termination reaches anything the compiler forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = e.cfg.GracePeriod

	out := &cappedBuffer{max: e.cfg.MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	logger := e.logger.With("document", abs)
	logger.Debug("spawning compiler", "command", e.cfg.Command, "timeout", e.cfg.Timeout)

	// A leftover artifact only counts if this run replaced or rewrote it.
	prior, _ := os.Stat(artifact)

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, failure.Wrap(failure.KindInvocation, err, "start compiler %q", e.cfg.Command[0])
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(e.cfg.Timeout)
	defer timeoutTimer.Stop()

	select {
	case <-timeoutTimer.C:
		logger.Warn("compiler timed out, sending SIGTERM", "timeout", e.cfg.Timeout)
		e.terminate(cmd, waitErr, logger)
		res := e.partial(out, startedAt)
		return res, failure.Wrap(failure.KindInvocation, context.DeadlineExceeded, "compiler timed out after %s", e.cfg.Timeout)

	case <-ctx.Done():
		logger.Warn("compilation cancelled, sending SIGTERM", "error", ctx.Err())
		e.terminate(cmd, waitErr, logger)
		res := e.partial(out, startedAt)
		return res, failure.Wrap(failure.KindInvocation, ctx.Err(), "compilation cancelled")

	case err := <-waitErr:
		res := e.partial(out, startedAt)

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				logger.Info("compiler exited with non-zero status", "exit_code", res.ExitCode, "duration_ms", res.Duration.Milliseconds())
				return res, nil
			}
			return res, failure.Wrap(failure.KindInvocation, err, "wait for compiler")
		}

		info, statErr := os.Stat(artifact)
		if statErr != nil || !info.Mode().IsRegular() || !rewritten(prior, info) {
			logger.Error("compiler exited 0 without producing artifact", "artifact", artifact)
			return res, failure.New(failure.KindInvocation, "compiler exited 0 but did not produce %s", workspace.ArtifactName)
		}

		res.Success = true
		res.ArtifactPath = artifact
		logger.Info("compiler succeeded", "duration_ms", res.Duration.Milliseconds())
		return res, nil
	}
}

// rewritten reports whether current differs from the artifact seen before
// the compiler started.
func rewritten(prior, current os.FileInfo) bool {
	if prior == nil {
		return true
	}
	if !os.SameFile(prior, current) {
		return true
	}
	return !current.ModTime().Equal(prior.ModTime()) || current.Size() != prior.Size()
}

// terminate sends SIGTERM to the compiler's process group, then SIGKILL once
// the grace period expires.
func (e *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("compiler exited after SIGTERM")
	case <-grace.C:
		logger.Warn("compiler did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func (e *Exec) partial(out *cappedBuffer, startedAt time.Time) Result {
	text, truncated := out.snapshot()
	return Result{
		Output:    text,
		Truncated: truncated,
		Duration:  time.Since(startedAt),
	}
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
