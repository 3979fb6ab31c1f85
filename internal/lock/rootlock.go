package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created inside the upload root.
const FileName = ".igtexd.lock"

// ErrHeld is returned when another process owns the upload root.
var ErrHeld = errors.New("upload root is locked by another process")

// RootLock gives one process exclusive ownership of an upload root via
// flock(2) on {root}/.igtexd.lock. Keep the lock alive by keeping the file
// descriptor open.
type RootLock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on root, writes the current PID
// into the lock file, and returns a handle that must be released.
func Acquire(root string) (*RootLock, error) {
	if root == "" {
		return nil, fmt.Errorf("upload root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	lockPath := filepath.Join(root, FileName)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := Holder(root); ok {
				return nil, fmt.Errorf("%w (pid %d)", ErrHeld, pid)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*RootLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate lock file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek lock file", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync lock file", err)
	}

	return &RootLock{path: lockPath, f: f}, nil
}

// Holder returns the PID recorded in root's lock file, if any. The PID is
// informational; a stale file left by a dead process does not hold the lock.
func Holder(root string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *RootLock) Path() string { return l.path }

func (l *RootLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
