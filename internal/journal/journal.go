// Package journal records workspace lifecycle, uploaded assets, and
// compilation attempts in SQLite, and holds the per-workspace capability
// tokens that gate access to a workspace over HTTP.
//
// Absolute paths are never stored: rows are keyed by workspace id so the
// upload root can move without rewriting the database.
package journal

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// State is the orchestration state of a workspace.
type State string

const (
	StateCreated  State = "created"
	StateCompiled State = "compiled"
	StateFailed   State = "failed"
)

// Status is the outcome of one compilation attempt.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
	StatusError      Status = "invocation_error"
)

// Trigger names the workflow that requested a compilation.
type Trigger string

const (
	TriggerUpload Trigger = "upload"
	TriggerEdit   Trigger = "edit"
)

// ErrNotFound is returned when a workspace has no journal entry.
var ErrNotFound = errors.New("workspace not found in journal")

// maxDiagnosticsBytes caps compiler output persisted per attempt.
const maxDiagnosticsBytes = 64 * 1024

// Asset is one uploaded media file.
type Asset struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Compilation is one pass through validation and, when complete, the compiler.
type Compilation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Trigger     Trigger   `json:"trigger"`
	Status      Status    `json:"status"`
	Missing     []string  `json:"missing,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	Artifact    string    `json:"artifact,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// Workspace is the journal view of one workspace.
type Workspace struct {
	ID           string        `json:"id"`
	Document     string        `json:"document"`
	State        State         `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Assets       []Asset       `json:"assets"`
	Compilations []Compilation `json:"compilations"`
}

// Journal is a SQLite-backed workspace journal.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// RegisterWorkspace records a new workspace and returns its capability token.
// Only a BLAKE3 digest of the token is stored.
func (j *Journal) RegisterWorkspace(ctx context.Context, id, document string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("workspace id is empty")
	}

	token := uuid.NewString()
	now := formatTime(j.now())

	_, err := j.db.ExecContext(ctx, `
INSERT INTO workspaces(id, document, token_hash, state, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, document, hashToken(token), StateCreated, now, now)
	if err != nil {
		return "", fmt.Errorf("insert workspace: %w", err)
	}
	return token, nil
}

// VerifyToken reports whether token is the capability issued for id.
func (j *Journal) VerifyToken(ctx context.Context, id, token string) (bool, error) {
	if id == "" || token == "" {
		return false, nil
	}

	var stored string
	err := j.db.QueryRowContext(ctx, "SELECT token_hash FROM workspaces WHERE id = ?;", id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read workspace token: %w", err)
	}

	presented := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1, nil
}

// RecordAsset upserts an uploaded asset. Re-uploading a name replaces its row.
func (j *Journal) RecordAsset(ctx context.Context, workspaceID string, a Asset) error {
	uploadedAt := a.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = j.now()
	}

	res, err := j.db.ExecContext(ctx, `
INSERT INTO workspace_assets(workspace_id, name, size, digest, uploaded_at)
SELECT id, ?, ?, ?, ? FROM workspaces WHERE id = ?
ON CONFLICT(workspace_id, name) DO UPDATE SET
  size = excluded.size,
  digest = excluded.digest,
  uploaded_at = excluded.uploaded_at;
`, a.Name, a.Size, a.Digest, formatTime(uploadedAt), workspaceID)
	if err != nil {
		return fmt.Errorf("record asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCompilation stores an attempt and moves the workspace to the state it
// implies. Incomplete attempts leave a compiled workspace marked failed, as
// its artifact no longer reflects the current document.
func (j *Journal) RecordCompilation(ctx context.Context, c Compilation) error {
	if c.WorkspaceID == "" {
		return fmt.Errorf("workspace id is empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = j.now()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = c.CompletedAt
	}
	if len(c.Diagnostics) > maxDiagnosticsBytes {
		c.Diagnostics = c.Diagnostics[:maxDiagnosticsBytes]
	}

	var missing any
	if len(c.Missing) > 0 {
		b, err := json.Marshal(c.Missing)
		if err != nil {
			return fmt.Errorf("marshal missing: %w", err)
		}
		missing = string(b)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO compilations(
  id, workspace_id, trigger, status, missing, exit_code, diagnostics, artifact,
  started_at, completed_at, duration_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, c.ID, c.WorkspaceID, c.Trigger, c.Status, missing, c.ExitCode, c.Diagnostics, c.Artifact,
		formatTime(c.StartedAt), formatTime(c.CompletedAt), c.DurationMs)
	if err != nil {
		return fmt.Errorf("insert compilation: %w", err)
	}

	state := StateFailed
	if c.Status == StatusSucceeded {
		state = StateCompiled
	}
	res, err := tx.ExecContext(ctx, "UPDATE workspaces SET state = ?, updated_at = ? WHERE id = ?;",
		state, formatTime(c.CompletedAt), c.WorkspaceID)
	if err != nil {
		return fmt.Errorf("update workspace state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Workspace returns a workspace with its assets and up to limit most recent
// compilations, newest first.
func (j *Journal) Workspace(ctx context.Context, id string, limit int) (*Workspace, error) {
	if limit <= 0 {
		limit = 20
	}

	ws := &Workspace{ID: id, Assets: []Asset{}, Compilations: []Compilation{}}
	var createdAt, updatedAt, state string
	err := j.db.QueryRowContext(ctx, `
SELECT document, state, created_at, updated_at FROM workspaces WHERE id = ?;
`, id).Scan(&ws.Document, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	ws.State = State(state)
	ws.CreatedAt = parseTime(createdAt)
	ws.UpdatedAt = parseTime(updatedAt)

	assetRows, err := j.db.QueryContext(ctx, `
SELECT name, size, digest, uploaded_at FROM workspace_assets
WHERE workspace_id = ? ORDER BY name ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer assetRows.Close()
	for assetRows.Next() {
		var a Asset
		var uploadedAt string
		if err := assetRows.Scan(&a.Name, &a.Size, &a.Digest, &uploadedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		a.UploadedAt = parseTime(uploadedAt)
		ws.Assets = append(ws.Assets, a)
	}
	if err := assetRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}

	compRows, err := j.db.QueryContext(ctx, `
SELECT id, trigger, status, missing, exit_code, diagnostics, artifact, started_at, completed_at, duration_ms
FROM compilations
WHERE workspace_id = ?
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list compilations: %w", err)
	}
	defer compRows.Close()
	for compRows.Next() {
		var (
			c                              Compilation
			trigger, status                string
			missing, diagnostics, artifact sql.NullString
			exitCode                       sql.NullInt64
			startedAt, completedAt         string
		)
		if err := compRows.Scan(&c.ID, &trigger, &status, &missing, &exitCode, &diagnostics, &artifact, &startedAt, &completedAt, &c.DurationMs); err != nil {
			return nil, fmt.Errorf("scan compilation: %w", err)
		}
		c.WorkspaceID = id
		c.Trigger = Trigger(trigger)
		c.Status = Status(status)
		if missing.Valid && missing.String != "" {
			if err := json.Unmarshal([]byte(missing.String), &c.Missing); err != nil {
				return nil, fmt.Errorf("decode missing for compilation %s: %w", c.ID, err)
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			c.ExitCode = &code
		}
		c.Diagnostics = diagnostics.String
		c.Artifact = artifact.String
		c.StartedAt = parseTime(startedAt)
		c.CompletedAt = parseTime(completedAt)
		ws.Compilations = append(ws.Compilations, c)
	}
	if err := compRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compilations: %w", err)
	}

	return ws, nil
}

// Count returns the number of journaled workspaces.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workspaces;").Scan(&n); err != nil {
		return 0, fmt.Errorf("count workspaces: %w", err)
	}
	return n, nil
}

// Forget removes workspaces last updated before cutoff, along with their
// assets and compilations. Used when pruning the upload root.
func (j *Journal) Forget(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM workspaces WHERE updated_at < ?;", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("forget workspaces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Digest returns the hex BLAKE3-256 digest used for asset records.
func Digest(sum []byte) string {
	return hex.EncodeToString(sum)
}

func hashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
