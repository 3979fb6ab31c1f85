package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/igtexd/internal/failure"
)

const (
	// DefaultMaxAssetBytes caps a single uploaded asset.
	DefaultMaxAssetBytes int64 = 30_000_000

	// maxCreateAttempts bounds id collisions within the same microsecond.
	maxCreateAttempts = 16

	tempPrefix = ".upload-"
)

// fsWorkspaceManager manages per-upload workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir       string
	maxAssetBytes int64
	now           func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
// A non-positive maxAssetBytes selects DefaultMaxAssetBytes.
func NewFSManager(baseDir string, maxAssetBytes int64) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	if maxAssetBytes <= 0 {
		maxAssetBytes = DefaultMaxAssetBytes
	}

	return &fsWorkspaceManager{
		baseDir:       filepath.Clean(trimmed),
		maxAssetBytes: maxAssetBytes,
		now:           time.Now,
	}, nil
}

// BaseDir returns the upload root.
func (m *fsWorkspaceManager) BaseDir() string { return m.baseDir }

// Create allocates {base}_{unixMicros} with an empty media directory.
func (m *fsWorkspaceManager) Create(ctx context.Context, documentBaseName string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	base := idBase(documentBaseName)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	micros := m.now().UnixMicro()
	for attempt := range maxCreateAttempts {
		id := fmt.Sprintf("%s_%d", base, micros+int64(attempt))
		dir := filepath.Join(m.baseDir, id)

		err := os.Mkdir(dir, 0o755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return Workspace{}, fmt.Errorf("create workspace %q: %w", id, err)
		}

		ws := newWorkspace(id, dir)
		if err := os.Mkdir(ws.MediaDir, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return Workspace{}, fmt.Errorf("create media directory for %q: %w", id, err)
		}
		return ws, nil
	}

	return Workspace{}, fmt.Errorf("create workspace for %q: %d id collisions", base, maxCreateAttempts)
}

// Open returns an existing workspace. Any id that does not name a directory
// under the root is reported as an unknown workspace.
func (m *fsWorkspaceManager) Open(ctx context.Context, id string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	if err := validateID(id); err != nil {
		return Workspace{}, failure.Wrap(failure.KindInvalidInput, err, "open workspace")
	}
	dir := filepath.Join(m.baseDir, id)

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Workspace{}, failure.UnknownWorkspace(id)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace %q: %w", id, err)
	}
	if !info.IsDir() {
		return Workspace{}, failure.UnknownWorkspace(id)
	}

	return newWorkspace(id, dir), nil
}

// StoreDocument writes content as the workspace document. A workspace holds a
// single canonical document: writing under a different name than the one
// already stored is rejected.
func (m *fsWorkspaceManager) StoreDocument(ctx context.Context, ws Workspace, filename string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name, err := DocumentName(filename)
	if err != nil {
		return "", err
	}

	existing, err := m.findDocument(ws)
	if err != nil {
		return "", err
	}
	if existing != "" && existing != name {
		return "", failure.InvalidInput("workspace %q already holds document %q", ws.ID, existing)
	}

	dest := filepath.Join(ws.Dir, name)
	if err := atomicWrite(dest, bytes.NewReader(content)); err != nil {
		return "", fmt.Errorf("write document %q: %w", name, err)
	}
	return dest, nil
}

// Document returns the path of the workspace document.
func (m *fsWorkspaceManager) Document(ctx context.Context, ws Workspace) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name, err := m.findDocument(ws)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", failure.InvalidInput("workspace %q holds no %s document", ws.ID, DocumentExt)
	}
	return filepath.Join(ws.Dir, name), nil
}

// CheckAsset sanitizes filename and enforces the per-asset size cap. A
// negative size means unknown; the cap is then enforced while copying.
func (m *fsWorkspaceManager) CheckAsset(filename string, size int64) (string, error) {
	name, err := SanitizeName(filename)
	if err != nil {
		return "", err
	}
	if size > m.maxAssetBytes {
		return "", failure.TooLarge("asset %q is %d bytes, limit is %d", name, size, m.maxAssetBytes)
	}
	return name, nil
}

// StoreAsset writes r into the media directory under the sanitized name.
// Nothing is left behind when the asset is rejected.
func (m *fsWorkspaceManager) StoreAsset(ctx context.Context, ws Workspace, filename string, size int64, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name, err := m.CheckAsset(filename, size)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(ws.MediaDir, name)
	if !within(ws.MediaDir, dest) {
		return "", failure.InvalidInput("asset name %q resolves outside the media directory", filename)
	}

	if err := os.MkdirAll(ws.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}

	limited := &limitedReader{r: r, remaining: m.maxAssetBytes}
	if err := atomicWrite(dest, limited); err != nil {
		if limited.exceeded {
			return "", failure.TooLarge("asset %q exceeds limit of %d bytes", name, m.maxAssetBytes)
		}
		return "", fmt.Errorf("write asset %q: %w", name, err)
	}
	return dest, nil
}

// ListAssets returns the regular files present in the media directory.
func (m *fsWorkspaceManager) ListAssets(ctx context.Context, ws Workspace) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	present := make(map[string]struct{})
	entries, err := os.ReadDir(ws.MediaDir)
	if errors.Is(err, fs.ErrNotExist) {
		return present, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read media directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		present[entry.Name()] = struct{}{}
	}
	return present, nil
}

// Discard deletes ws from disk. It refuses anything that is not a direct
// child of the base directory.
func (m *fsWorkspaceManager) Discard(ctx context.Context, ws Workspace) error {
	if err := validateID(ws.ID); err != nil {
		return failure.Wrap(failure.KindInvalidInput, err, "discard workspace")
	}
	dir := filepath.Join(m.baseDir, ws.ID)
	if filepath.Clean(ws.Dir) != dir {
		return failure.InvalidInput("workspace %q is not under %s", ws.ID, m.baseDir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove workspace %q: %w", ws.ID, err)
	}
	return nil
}

// Cleanup removes workspace directories older than olderThan based on directory
// modification time.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		dir := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsWorkspaceManager) findDocument(ws Workspace) (string, error) {
	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		return "", fmt.Errorf("read workspace %q: %w", ws.ID, err)
	}

	var found []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), DocumentExt) {
			found = append(found, entry.Name())
		}
	}

	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("workspace %q holds %d documents: %s", ws.ID, len(found), strings.Join(found, ", "))
	}
}

func newWorkspace(id, dir string) Workspace {
	return Workspace{ID: id, Dir: dir, MediaDir: filepath.Join(dir, MediaDirName)}
}

// DocumentName sanitizes a document filename and requires the .igtex extension.
func DocumentName(filename string) (string, error) {
	name, err := SanitizeName(filename)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(name, DocumentExt) {
		return "", failure.InvalidInput("document %q must have a %s extension", filename, DocumentExt)
	}
	return name, nil
}

// SanitizeName strips directory components from a client-supplied filename.
// Names that are empty, hidden, or otherwise unusable are rejected.
func SanitizeName(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", failure.InvalidInput("filename contains a NUL byte")
	}

	name := path.Base(strings.ReplaceAll(raw, `\`, "/"))
	switch {
	case strings.TrimSpace(name) == "", name == ".", name == "..", name == "/":
		return "", failure.InvalidInput("invalid filename %q", raw)
	case strings.HasPrefix(name, "."):
		return "", failure.InvalidInput("hidden filename %q is not allowed", raw)
	}
	return name, nil
}

func idBase(documentBaseName string) string {
	base := strings.TrimSuffix(filepath.Base(strings.ReplaceAll(documentBaseName, `\`, "/")), DocumentExt)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "document"
	}
	return out
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if trimmed != id || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("workspace id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	return nil
}

func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !strings.ContainsRune(rel, filepath.Separator)
}

// atomicWrite streams r into a temp file beside path and renames it into place.
func atomicWrite(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	defer tmp.Close()

	if _, err := io.Copy(tmp, r); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

// limitedReader fails once more than remaining bytes have been read.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

var errAssetTooLarge = errors.New("asset exceeds size limit")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		l.exceeded = true
		return 0, errAssetTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, errAssetTooLarge
	}
	return n, err
}
