package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/igtexd/internal/failure"
	"github.com/mattjoyce/igtexd/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// setupDocument writes an executable compiler script and a document into a
// fresh workspace-like directory.
func setupDocument(t *testing.T, script string) (scriptPath, docPath string) {
	t.Helper()

	dir := t.TempDir()
	scriptPath = filepath.Join(dir, "fake-compiler.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	wsDir := filepath.Join(dir, "doc_1")
	if err := os.MkdirAll(wsDir, 0o755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	docPath = filepath.Join(wsDir, "doc.igtex")
	if err := os.WriteFile(docPath, []byte(`\image{cat.png}`), 0o644); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}
	return scriptPath, docPath
}

func newTestExec(t *testing.T, cfg Config) *Exec {
	t.Helper()
	inv, err := NewExec(cfg)
	require.NoError(t, err)
	return inv
}

func TestNewExecDefaults(t *testing.T) {
	_, err := NewExec(Config{})
	assert.Error(t, err)

	inv, err := NewExec(Config{Command: []string{"igtex"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, inv.cfg.Timeout)
	assert.Equal(t, DefaultGracePeriod, inv.cfg.GracePeriod)
	assert.Equal(t, DefaultMaxOutputBytes, inv.cfg.MaxOutputBytes)
}

func TestExecInvoke_Success(t *testing.T) {
	script := `#!/bin/sh
echo "compiling $1"
echo "<html></html>" > "$(dirname "$1")/output.html"
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})

	res, err := inv.Invoke(context.Background(), docPath)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "compiling "+docPath+"\n", res.Output)
	assert.Equal(t, filepath.Join(filepath.Dir(docPath), "output.html"), res.ArtifactPath)
}

func TestExecInvoke_CommandPrefixAndRelativePath(t *testing.T) {
	script := `#!/bin/sh
# $0 is the script, $1 the only positional argument.
[ "$#" -eq 1 ] || { echo "want 1 arg, got $#" >&2; exit 2; }
case "$1" in /*) ;; *) echo "not absolute: $1" >&2; exit 3 ;; esac
touch "$(dirname "$1")/output.html"
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{"/bin/sh", scriptPath}, Timeout: 10 * time.Second})

	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, docPath)
	require.NoError(t, err)

	res, err := inv.Invoke(context.Background(), rel)
	require.NoError(t, err)
	assert.True(t, res.Success, "output: %s", res.Output)
}

func TestExecInvoke_NonZeroExit(t *testing.T) {
	script := `#!/bin/sh
printf 'syntax error line 4' >&2
exit 1
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})

	res, err := inv.Invoke(context.Background(), docPath)
	require.NoError(t, err, "compiler failure is reported as data")
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "syntax error line 4", res.Output)
	assert.Empty(t, res.ArtifactPath)
}

func TestExecInvoke_CombinesStdoutAndStderr(t *testing.T) {
	script := `#!/bin/sh
echo out
echo err >&2
exit 3
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})

	res, err := inv.Invoke(context.Background(), docPath)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "out\n")
	assert.Contains(t, res.Output, "err\n")
}

func TestExecInvoke_MissingArtifactIsInvocationError(t *testing.T) {
	script := `#!/bin/sh
echo "claimed success"
exit 0
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})

	res, err := inv.Invoke(context.Background(), docPath)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvocation))
	assert.False(t, res.Success)
	assert.Equal(t, "claimed success\n", res.Output)
}

func TestExecInvoke_StaleArtifactIsInvocationError(t *testing.T) {
	script := `#!/bin/sh
exit 0
`
	scriptPath, docPath := setupDocument(t, script)
	stale := filepath.Join(filepath.Dir(docPath), "output.html")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})
	_, err := inv.Invoke(context.Background(), docPath)
	assert.True(t, failure.Is(err, failure.KindInvocation), "err = %v", err)
}

func TestExecInvoke_ArtifactFromSameSecondIsInvocationError(t *testing.T) {
	script := `#!/bin/sh
exit 0
`
	scriptPath, docPath := setupDocument(t, script)
	// Written just before the run, so its mtime falls in the same second.
	leftover := filepath.Join(filepath.Dir(docPath), "output.html")
	require.NoError(t, os.WriteFile(leftover, []byte("<html>previous</html>"), 0o644))

	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})
	for range 3 {
		res, err := inv.Invoke(context.Background(), docPath)
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.KindInvocation), "err = %v", err)
		assert.False(t, res.Success)
		assert.Empty(t, res.ArtifactPath)
	}
}

func TestExecInvoke_RewrittenArtifactIsSuccess(t *testing.T) {
	script := `#!/bin/sh
echo "<html>new</html>" > "$(dirname "$1")/output.html"
`
	scriptPath, docPath := setupDocument(t, script)
	leftover := filepath.Join(filepath.Dir(docPath), "output.html")
	require.NoError(t, os.WriteFile(leftover, []byte("<html>previous</html>"), 0o644))

	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second})
	res, err := inv.Invoke(context.Background(), docPath)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, leftover, res.ArtifactPath)
}

func TestRewritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.html")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	before, err := os.Stat(path)
	require.NoError(t, err)

	assert.True(t, rewritten(nil, before), "no prior artifact")
	assert.False(t, rewritten(before, before), "untouched artifact")

	// Same size and mtime, but a different file.
	other := filepath.Join(dir, "output.html.new")
	require.NoError(t, os.WriteFile(other, []byte("a"), 0o644))
	require.NoError(t, os.Chtimes(other, before.ModTime(), before.ModTime()))
	replaced, err := os.Stat(other)
	require.NoError(t, err)
	assert.True(t, rewritten(before, replaced), "replaced artifact")

	require.NoError(t, os.WriteFile(path, []byte("ab"), 0o644))
	grown, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, rewritten(before, grown), "rewritten in place")
}

func TestExecInvoke_Timeout(t *testing.T) {
	script := `#!/bin/sh
echo "started"
sleep 30
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{
		Command:     []string{scriptPath},
		Timeout:     200 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})

	start := time.Now()
	res, err := inv.Invoke(context.Background(), docPath)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvocation))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, res.Output, "started")
	assert.Less(t, elapsed, 5*time.Second, "process group should have been terminated")
}

func TestExecInvoke_IgnoresSIGTERMThenKilled(t *testing.T) {
	script := `#!/bin/sh
trap '' TERM
sleep 30
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{
		Command:     []string{scriptPath},
		Timeout:     100 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})

	start := time.Now()
	_, err := inv.Invoke(context.Background(), docPath)
	assert.True(t, failure.Is(err, failure.KindInvocation))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecInvoke_ContextCancel(t *testing.T) {
	script := `#!/bin/sh
sleep 30
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: time.Minute, GracePeriod: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := inv.Invoke(ctx, docPath)
	assert.True(t, failure.Is(err, failure.KindInvocation))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecInvoke_SpawnFailure(t *testing.T) {
	_, docPath := setupDocument(t, "#!/bin/sh\n")
	inv := newTestExec(t, Config{Command: []string{filepath.Join(t.TempDir(), "does-not-exist")}})

	_, err := inv.Invoke(context.Background(), docPath)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvocation))
}

func TestExecInvoke_OutputCapped(t *testing.T) {
	script := `#!/bin/sh
i=0
while [ $i -lt 200 ]; do echo "0123456789"; i=$((i+1)); done
exit 1
`
	scriptPath, docPath := setupDocument(t, script)
	inv := newTestExec(t, Config{Command: []string{scriptPath}, Timeout: 10 * time.Second, MaxOutputBytes: 64})

	res, err := inv.Invoke(context.Background(), docPath)
	require.NoError(t, err)
	assert.Len(t, res.Output, 64)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasPrefix(res.Output, "0123456789\n"))
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 5}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	text, truncated := b.snapshot()
	assert.Equal(t, "abcde", text)
	assert.True(t, truncated)
}
