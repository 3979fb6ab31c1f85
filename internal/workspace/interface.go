package workspace

import (
	"context"
	"io"
	"path/filepath"
	"time"
)

const (
	// MediaDirName is the workspace subdirectory holding uploaded assets.
	MediaDirName = "medias"
	// ArtifactName is the file the compiler writes beside the document.
	ArtifactName = "output.html"
	// DocumentExt is the only accepted document extension.
	DocumentExt = ".igtex"
)

// Workspace is one upload session's directory tree:
//
//	{root}/{ID}/{document}.igtex
//	{root}/{ID}/medias/{asset}
//	{root}/{ID}/output.html
type Workspace struct {
	ID       string
	Dir      string
	MediaDir string
}

// ArtifactPath is where the compiler is expected to write its output.
func (w Workspace) ArtifactPath() string {
	return filepath.Join(w.Dir, ArtifactName)
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager owns the on-disk layout of workspaces under a single root.
type Manager interface {
	// Create allocates a fresh workspace named after documentBaseName.
	Create(ctx context.Context, documentBaseName string) (Workspace, error)

	// Open resolves an existing workspace by id.
	Open(ctx context.Context, id string) (Workspace, error)

	// StoreDocument writes the workspace's single document, overwriting in place.
	StoreDocument(ctx context.Context, ws Workspace, filename string, content []byte) (string, error)

	// Document returns the path of the workspace's document.
	Document(ctx context.Context, ws Workspace) (string, error)

	// CheckAsset validates an asset name and size without touching disk and
	// returns the sanitized name.
	CheckAsset(filename string, size int64) (string, error)

	// StoreAsset writes an asset into the media directory.
	StoreAsset(ctx context.Context, ws Workspace, filename string, size int64, r io.Reader) (string, error)

	// ListAssets returns the names of assets currently in the media directory.
	ListAssets(ctx context.Context, ws Workspace) (map[string]struct{}, error)

	// Discard removes a workspace that never became usable.
	Discard(ctx context.Context, ws Workspace) error

	// Cleanup removes workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
