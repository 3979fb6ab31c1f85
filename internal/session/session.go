package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/igtexd/internal/compiler"
	"github.com/mattjoyce/igtexd/internal/events"
	"github.com/mattjoyce/igtexd/internal/failure"
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/log"
	"github.com/mattjoyce/igtexd/internal/media"
	"github.com/mattjoyce/igtexd/internal/validate"
	"github.com/mattjoyce/igtexd/internal/workspace"
)

// DefaultArtifactURLPrefix mirrors the on-disk upload root.
const DefaultArtifactURLPrefix = "/static/uploads"

// Upload is one media file presented for storage. Open is called at most once.
type Upload struct {
	Name string
	// Size is the declared size, or -1 when unknown.
	Size int64
	Open func() (io.ReadCloser, error)
}

// Submission is the result of accepting a new document.
type Submission struct {
	WorkspaceID string
	// Token is the capability for later calls on this workspace. Empty when
	// no Recorder is configured.
	Token    string
	Document string
	Required []media.Reference
}

// Outcome is the result of one validate-and-compile step.
type Outcome struct {
	WorkspaceID string
	Required    []media.Reference
	// Missing lists required assets absent from the workspace. When non-empty
	// the compiler was not invoked.
	Missing     []string
	Compilation *compiler.Result
	// ArtifactRef is set only when compilation succeeded.
	ArtifactRef string
}

// Ready reports whether every required asset was present.
func (o Outcome) Ready() bool { return len(o.Missing) == 0 }

// EditRequest replaces a workspace's document and optionally adds assets.
type EditRequest struct {
	WorkspaceID string
	Filename    string
	Source      string
	Uploads     []Upload
}

// Recorder journals workspace activity.
type Recorder interface {
	RegisterWorkspace(ctx context.Context, id, document string) (string, error)
	RecordAsset(ctx context.Context, workspaceID string, a journal.Asset) error
	RecordCompilation(ctx context.Context, c journal.Compilation) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType, workspaceID string, data any)
}

type Options struct {
	Recorder          Recorder
	Events            Publisher
	ArtifactURLPrefix string
}

// Orchestrator sequences the document workflows over a workspace manager and
// a compiler. Steps on the same workspace are serialized; steps on different
// workspaces run concurrently.
type Orchestrator struct {
	workspaces workspace.Manager
	compiler   compiler.Invoker
	recorder   Recorder
	events     Publisher
	prefix     string
	locks      *keyedLock
	now        func() time.Time
	logger     *slog.Logger
}

func New(ws workspace.Manager, inv compiler.Invoker, opts Options) *Orchestrator {
	prefix := strings.TrimRight(opts.ArtifactURLPrefix, "/")
	if opts.ArtifactURLPrefix == "" {
		prefix = DefaultArtifactURLPrefix
	}
	return &Orchestrator{
		workspaces: ws,
		compiler:   inv,
		recorder:   opts.Recorder,
		events:     opts.Events,
		prefix:     prefix,
		locks:      newKeyedLock(),
		now:        time.Now,
		logger:     log.WithComponent("session"),
	}
}

// Submit accepts a new document into a fresh workspace and reports the media
// it references.
func (o *Orchestrator) Submit(ctx context.Context, filename string, content []byte) (Submission, error) {
	name, err := workspace.DocumentName(filename)
	if err != nil {
		return Submission{}, err
	}

	ws, err := o.workspaces.Create(ctx, name)
	if err != nil {
		return Submission{}, err
	}
	logger := o.logger.With("workspace_id", ws.ID)

	sub, err := o.populate(ctx, ws, name, content)
	if err != nil {
		// Nothing can reach a workspace without its token.
		if derr := o.workspaces.Discard(context.WithoutCancel(ctx), ws); derr != nil {
			logger.Warn("failed to discard workspace", "error", derr)
		}
		return Submission{}, err
	}

	logger.Info("document submitted", "document", name, "required", len(sub.Required))
	o.publish(events.WorkspaceCreated, ws.ID, map[string]any{
		"document": name,
		"media":    sub.Required,
	})
	return sub, nil
}

func (o *Orchestrator) populate(ctx context.Context, ws workspace.Workspace, name string, content []byte) (Submission, error) {
	docPath, err := o.workspaces.StoreDocument(ctx, ws, name, content)
	if err != nil {
		return Submission{}, err
	}

	refs, err := media.ExtractFile(docPath)
	if err != nil {
		return Submission{}, failure.Wrap(failure.KindInternal, err, "extract media references")
	}

	sub := Submission{WorkspaceID: ws.ID, Document: name, Required: refs}
	if o.recorder != nil {
		token, err := o.recorder.RegisterWorkspace(ctx, ws.ID, name)
		if err != nil {
			return Submission{}, failure.Wrap(failure.KindInternal, err, "register workspace")
		}
		sub.Token = token
	}
	return sub, nil
}

// UploadAssets stores uploads into an existing workspace, then validates and
// compiles. If any upload fails its pre-write check, nothing is written.
func (o *Orchestrator) UploadAssets(ctx context.Context, workspaceID string, uploads []Upload) (Outcome, error) {
	ws, err := o.workspaces.Open(ctx, workspaceID)
	if err != nil {
		return Outcome{}, err
	}

	release, err := o.locks.acquire(ctx, ws.ID)
	if err != nil {
		return Outcome{}, failure.Wrap(failure.KindInternal, err, "wait for workspace %q", ws.ID)
	}
	defer release()

	if err := o.checkUploads(uploads); err != nil {
		return Outcome{}, err
	}
	if err := o.storeUploads(ctx, ws, uploads); err != nil {
		return Outcome{}, err
	}
	return o.validateAndCompile(ctx, ws, journal.TriggerUpload)
}

// EditRecompile overwrites the workspace document with new source, stores any
// accompanying uploads, then validates and compiles.
func (o *Orchestrator) EditRecompile(ctx context.Context, req EditRequest) (Outcome, error) {
	if req.WorkspaceID == "" || req.Filename == "" || req.Source == "" {
		return Outcome{}, failure.InvalidInput("missing fields")
	}

	ws, err := o.workspaces.Open(ctx, req.WorkspaceID)
	if err != nil {
		return Outcome{}, err
	}

	release, err := o.locks.acquire(ctx, ws.ID)
	if err != nil {
		return Outcome{}, failure.Wrap(failure.KindInternal, err, "wait for workspace %q", ws.ID)
	}
	defer release()

	if err := o.checkUploads(req.Uploads); err != nil {
		return Outcome{}, err
	}
	if _, err := o.workspaces.StoreDocument(ctx, ws, req.Filename, []byte(req.Source)); err != nil {
		return Outcome{}, err
	}
	o.publish(events.DocumentStored, ws.ID, map[string]any{"filename": req.Filename, "bytes": len(req.Source)})

	if err := o.storeUploads(ctx, ws, req.Uploads); err != nil {
		return Outcome{}, err
	}
	return o.validateAndCompile(ctx, ws, journal.TriggerEdit)
}

func (o *Orchestrator) checkUploads(uploads []Upload) error {
	for _, u := range uploads {
		if _, err := o.workspaces.CheckAsset(u.Name, u.Size); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) storeUploads(ctx context.Context, ws workspace.Workspace, uploads []Upload) error {
	for _, u := range uploads {
		if err := o.storeUpload(ctx, ws, u); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) storeUpload(ctx context.Context, ws workspace.Workspace, u Upload) error {
	if u.Open == nil {
		return failure.InvalidInput("upload %q has no content", u.Name)
	}
	rc, err := u.Open()
	if err != nil {
		return failure.Wrap(failure.KindInvalidInput, err, "read upload %q", u.Name)
	}
	defer rc.Close()

	hasher := blake3.New()
	counter := &countingWriter{}
	dest, err := o.workspaces.StoreAsset(ctx, ws, u.Name, u.Size, io.TeeReader(rc, io.MultiWriter(hasher, counter)))
	if err != nil {
		return err
	}

	stored := filepath.Base(dest)
	asset := journal.Asset{
		Name:       stored,
		Size:       counter.n,
		Digest:     journal.Digest(hasher.Sum(nil)),
		UploadedAt: o.now(),
	}
	if o.recorder != nil {
		if err := o.recorder.RecordAsset(ctx, ws.ID, asset); err != nil {
			o.logger.Warn("failed to journal asset", "workspace_id", ws.ID, "asset", stored, "error", err)
		}
	}
	o.logger.Debug("asset stored", "workspace_id", ws.ID, "asset", stored, "bytes", asset.Size)
	o.publish(events.AssetStored, ws.ID, asset)
	return nil
}

// validateAndCompile re-reads the stored document, checks its media against
// the workspace, and invokes the compiler once if nothing is missing.
// Callers hold the workspace lock.
func (o *Orchestrator) validateAndCompile(ctx context.Context, ws workspace.Workspace, trigger journal.Trigger) (Outcome, error) {
	logger := log.WithWorkspace(ws.ID).With("component", "session", "trigger", trigger)
	startedAt := o.now()

	docPath, err := o.workspaces.Document(ctx, ws)
	if err != nil {
		return Outcome{}, err
	}
	refs, err := media.ExtractFile(docPath)
	if err != nil {
		return Outcome{}, failure.Wrap(failure.KindInternal, err, "extract media references")
	}
	present, err := o.workspaces.ListAssets(ctx, ws)
	if err != nil {
		return Outcome{}, failure.Wrap(failure.KindInternal, err, "list assets")
	}

	out := Outcome{
		WorkspaceID: ws.ID,
		Required:    refs,
		Missing:     validate.Missing(media.Names(refs), present),
	}

	if !out.Ready() {
		logger.Info("assets missing, skipping compilation", "missing", out.Missing)
		o.record(ctx, journal.Compilation{
			WorkspaceID: ws.ID,
			Trigger:     trigger,
			Status:      journal.StatusIncomplete,
			Missing:     out.Missing,
			StartedAt:   startedAt,
		})
		o.publish(events.ValidationMissing, ws.ID, map[string]any{"missing": out.Missing})
		return out, nil
	}

	o.publish(events.CompilationStarted, ws.ID, map[string]any{"trigger": trigger})
	res, err := o.compiler.Invoke(ctx, docPath)
	if err != nil {
		if !failure.Is(err, failure.KindInvocation) {
			err = failure.Wrap(failure.KindInvocation, err, "invoke compiler")
		}
		logger.Error("compiler invocation failed", "error", err)
		o.record(ctx, journal.Compilation{
			WorkspaceID: ws.ID,
			Trigger:     trigger,
			Status:      journal.StatusError,
			Diagnostics: res.Output,
			StartedAt:   startedAt,
			DurationMs:  res.Duration.Milliseconds(),
		})
		o.publish(events.CompilationError, ws.ID, map[string]any{"error": err.Error()})
		return out, err
	}

	out.Compilation = &res
	exitCode := res.ExitCode
	entry := journal.Compilation{
		WorkspaceID: ws.ID,
		Trigger:     trigger,
		ExitCode:    &exitCode,
		Diagnostics: res.Output,
		StartedAt:   startedAt,
		DurationMs:  res.Duration.Milliseconds(),
	}

	if res.Success {
		out.ArtifactRef = o.ArtifactRef(ws.ID)
		entry.Status = journal.StatusSucceeded
		entry.Artifact = out.ArtifactRef
		logger.Info("compilation succeeded", "artifact", out.ArtifactRef, "duration_ms", entry.DurationMs)
		o.record(ctx, entry)
		o.publish(events.CompilationSucceeded, ws.ID, map[string]any{"path": out.ArtifactRef})
		return out, nil
	}

	entry.Status = journal.StatusFailed
	logger.Info("compilation failed", "exit_code", res.ExitCode, "duration_ms", entry.DurationMs)
	o.record(ctx, entry)
	o.publish(events.CompilationFailed, ws.ID, map[string]any{"exit_code": res.ExitCode})
	return out, nil
}

// ArtifactRef is the externally visible location of a workspace's output.
func (o *Orchestrator) ArtifactRef(workspaceID string) string {
	return fmt.Sprintf("%s/%s/%s", o.prefix, workspaceID, workspace.ArtifactName)
}

func (o *Orchestrator) record(ctx context.Context, c journal.Compilation) {
	if o.recorder == nil {
		return
	}
	c.CompletedAt = o.now()
	// The attempt happened even if the caller has gone away.
	if err := o.recorder.RecordCompilation(context.WithoutCancel(ctx), c); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("failed to journal compilation", "workspace_id", c.WorkspaceID, "status", c.Status, "error", err)
	}
}

func (o *Orchestrator) publish(eventType, workspaceID string, data any) {
	if o.events == nil {
		return
	}
	o.events.Publish(eventType, workspaceID, data)
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
