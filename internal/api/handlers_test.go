package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/igtexd/internal/auth"
	"github.com/mattjoyce/igtexd/internal/compiler"
	"github.com/mattjoyce/igtexd/internal/events"
	"github.com/mattjoyce/igtexd/internal/failure"
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/media"
	"github.com/mattjoyce/igtexd/internal/session"
	"github.com/mattjoyce/igtexd/internal/storage"
)

// mockOrchestrator implements Orchestrator for testing
type mockOrchestrator struct {
	submitFunc func(ctx context.Context, filename string, content []byte) (session.Submission, error)
	uploadFunc func(ctx context.Context, id string, uploads []session.Upload) (session.Outcome, error)
	editFunc   func(ctx context.Context, req session.EditRequest) (session.Outcome, error)
}

func (m *mockOrchestrator) Submit(ctx context.Context, filename string, content []byte) (session.Submission, error) {
	return m.submitFunc(ctx, filename, content)
}

func (m *mockOrchestrator) UploadAssets(ctx context.Context, id string, uploads []session.Upload) (session.Outcome, error) {
	return m.uploadFunc(ctx, id, uploads)
}

func (m *mockOrchestrator) EditRecompile(ctx context.Context, req session.EditRequest) (session.Outcome, error) {
	return m.editFunc(ctx, req)
}

func (m *mockOrchestrator) ArtifactRef(id string) string {
	return "/static/uploads/" + id + "/output.html"
}

func newJournal(t *testing.T) *journal.Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return journal.New(db)
}

func newTestServer(t *testing.T, orch Orchestrator, j Journal, cfg Config) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "localhost:8080"
	}
	return New(cfg, orch, j, events.NewHub(10), slog.Default())
}

type part struct {
	field, filename, content string
}

func multipartRequest(t *testing.T, target string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, mw.WriteField(p.field, p.content))
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, p.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), rr.Body.String())
	return out
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	j := newJournal(t)
	_, err := j.RegisterWorkspace(context.Background(), "doc_1", "doc.igtex")
	require.NoError(t, err)

	s := newTestServer(t, &mockOrchestrator{}, j, Config{APIKey: "secret"})
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Workspaces)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func TestHandleUpload_ReturnsFolderAndMedia(t *testing.T) {
	orch := &mockOrchestrator{
		submitFunc: func(_ context.Context, filename string, content []byte) (session.Submission, error) {
			assert.Equal(t, "doc.igtex", filename)
			assert.Equal(t, `\image{a}\video{b}`, string(content))
			return session.Submission{
				WorkspaceID: "doc_1",
				Token:       "tok",
				Required: []media.Reference{
					{Kind: media.KindImage, Name: "a"},
					{Kind: media.KindVideo, Name: "b"},
				},
			}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{})

	rr := serve(s, multipartRequest(t, "/upload", part{"file", "doc.igtex", `\image{a}\video{b}`}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"folder":"doc_1","token":"tok","media":[["image","a"],["video","b"]]}`, rr.Body.String())
}

func TestHandleUpload_EmptyMediaIsArray(t *testing.T) {
	orch := &mockOrchestrator{
		submitFunc: func(context.Context, string, []byte) (session.Submission, error) {
			return session.Submission{WorkspaceID: "doc_1"}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{})

	rr := serve(s, multipartRequest(t, "/upload", part{"file", "doc.igtex", "plain"}))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"folder":"doc_1","media":[]}`, rr.Body.String())
}

func TestHandleUpload_Errors(t *testing.T) {
	orch := &mockOrchestrator{
		submitFunc: func(_ context.Context, filename string, _ []byte) (session.Submission, error) {
			return session.Submission{}, failure.InvalidInput("document %q must have a .igtex extension", filename)
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{MaxRequestBytes: 1024})

	rr := serve(s, multipartRequest(t, "/upload", part{"other", "doc.igtex", "x"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "missing file", decode(t, rr)["error"])

	rr = serve(s, multipartRequest(t, "/upload", part{"file", "notes.txt", "x"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(s, multipartRequest(t, "/upload", part{"file", "doc.igtex", strings.Repeat("x", 4096)}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr = serve(s, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleUploadMedia_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		outcome  session.Outcome
		err      error
		wantCode int
		wantBody string
	}{
		{
			name: "success",
			outcome: session.Outcome{
				Compilation: &compiler.Result{Success: true},
				ArtifactRef: "/static/uploads/doc_1/output.html",
			},
			wantCode: http.StatusOK,
			wantBody: `{"success":true,"path":"/static/uploads/doc_1/output.html"}`,
		},
		{
			name:     "missing",
			outcome:  session.Outcome{Missing: []string{"clip.mp4"}},
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"Missing media files","missing":["clip.mp4"]}`,
		},
		{
			name:     "compile failed",
			outcome:  session.Outcome{Compilation: &compiler.Result{Output: "syntax error line 4", ExitCode: 1}},
			wantCode: http.StatusUnprocessableEntity,
			wantBody: `{"error":"compilation failed","success":false,"diagnostics":"syntax error line 4","exit_code":1}`,
		},
		{
			name:     "unknown workspace",
			err:      failure.UnknownWorkspace("doc_1"),
			wantCode: http.StatusNotFound,
		},
		{
			name:     "too large",
			err:      failure.TooLarge("asset too big"),
			wantCode: http.StatusRequestEntityTooLarge,
		},
		{
			name:     "invocation",
			err:      failure.Wrap(failure.KindInvocation, errors.New("exec: not found"), "start compiler"),
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "timeout",
			err:      failure.Wrap(failure.KindInvocation, context.DeadlineExceeded, "compiler timed out"),
			wantCode: http.StatusGatewayTimeout,
		},
		{
			name:     "internal",
			err:      errors.New("disk on fire"),
			wantCode: http.StatusInternalServerError,
			wantBody: `{"error":"internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []session.Upload
			orch := &mockOrchestrator{
				uploadFunc: func(_ context.Context, id string, uploads []session.Upload) (session.Outcome, error) {
					assert.Equal(t, "doc_1", id)
					got = uploads
					return tt.outcome, tt.err
				},
			}
			s := newTestServer(t, orch, newJournal(t), Config{})

			rr := serve(s, multipartRequest(t, "/upload_media/doc_1",
				part{"cat", "cat.png", "meow"},
				part{"anything", "clip.mp4", "frames"},
			))
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rr.Body.String())
			}

			require.Len(t, got, 2)
			names := []string{got[0].Name, got[1].Name}
			assert.ElementsMatch(t, []string{"cat.png", "clip.mp4"}, names)
		})
	}
}

func TestHandleUploadMedia_UploadsAreReadable(t *testing.T) {
	orch := &mockOrchestrator{
		uploadFunc: func(_ context.Context, _ string, uploads []session.Upload) (session.Outcome, error) {
			require.Len(t, uploads, 1)
			assert.Equal(t, int64(4), uploads[0].Size)
			rc, err := uploads[0].Open()
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, "meow", string(data))
			return session.Outcome{Missing: []string{"x"}}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{})

	rr := serve(s, multipartRequest(t, "/upload_media/doc_1", part{"f", "cat.png", "meow"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkspaceTokenRequired(t *testing.T) {
	j := newJournal(t)
	token, err := j.RegisterWorkspace(context.Background(), "doc_1", "doc.igtex")
	require.NoError(t, err)

	calls := 0
	orch := &mockOrchestrator{
		uploadFunc: func(context.Context, string, []session.Upload) (session.Outcome, error) {
			calls++
			return session.Outcome{Compilation: &compiler.Result{Success: true}, ArtifactRef: "/x/output.html"}, nil
		},
	}
	s := newTestServer(t, orch, j, Config{WorkspaceTokens: true})

	rr := serve(s, multipartRequest(t, "/upload_media/doc_1"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := multipartRequest(t, "/upload_media/doc_1")
	req.Header.Set(WorkspaceTokenHeader, "wrong")
	rr = serve(s, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = multipartRequest(t, "/upload_media/other_1")
	req.Header.Set(WorkspaceTokenHeader, token)
	rr = serve(s, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, 0, calls)

	req = multipartRequest(t, "/upload_media/doc_1")
	req.Header.Set(WorkspaceTokenHeader, token)
	rr = serve(s, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, calls)
}

func TestAdminBearerBypassesWorkspaceToken(t *testing.T) {
	orch := &mockOrchestrator{
		uploadFunc: func(context.Context, string, []session.Upload) (session.Outcome, error) {
			return session.Outcome{Missing: []string{"a"}}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{WorkspaceTokens: true, APIKey: "admin"})

	req := multipartRequest(t, "/upload_media/doc_1")
	req.Header.Set("Authorization", "Bearer admin")
	rr := serve(s, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Missing media files", decode(t, rr)["error"])
}

func TestBearerScopes(t *testing.T) {
	orch := &mockOrchestrator{
		submitFunc: func(context.Context, string, []byte) (session.Submission, error) {
			return session.Submission{WorkspaceID: "doc_1"}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{
		APIKey: "admin",
		Tokens: []auth.TokenConfig{
			{Token: "writer", Scopes: []string{auth.ScopeCompileRW}},
			{Token: "watcher", Scopes: []string{auth.ScopeEventsRO}},
		},
	})

	rr := serve(s, multipartRequest(t, "/upload", part{"file", "doc.igtex", "x"}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := multipartRequest(t, "/upload", part{"file", "doc.igtex", "x"})
	req.Header.Set("Authorization", "Bearer nobody")
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req = multipartRequest(t, "/upload", part{"file", "doc.igtex", "x"})
	req.Header.Set("Authorization", "Bearer watcher")
	assert.Equal(t, http.StatusForbidden, serve(s, req).Code)

	req = multipartRequest(t, "/upload", part{"file", "doc.igtex", "x"})
	req.Header.Set("Authorization", "Bearer writer")
	assert.Equal(t, http.StatusOK, serve(s, req).Code)
}

func TestHandleCompileEdit(t *testing.T) {
	var got session.EditRequest
	orch := &mockOrchestrator{
		editFunc: func(_ context.Context, req session.EditRequest) (session.Outcome, error) {
			got = req
			return session.Outcome{Compilation: &compiler.Result{Output: "syntax error line 4", ExitCode: 1}}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{})

	rr := serve(s, multipartRequest(t, "/compile_edit",
		part{field: "folder", content: "doc_1"},
		part{field: "filename", content: "doc.igtex"},
		part{field: "source", content: `\image{a.png}`},
		part{"media", "a.png", "png"},
	))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "syntax error line 4", body["diagnostics"])
	assert.NotContains(t, body, "path")

	assert.Equal(t, "doc_1", got.WorkspaceID)
	assert.Equal(t, "doc.igtex", got.Filename)
	assert.Equal(t, `\image{a.png}`, got.Source)
	require.Len(t, got.Uploads, 1)
	assert.Equal(t, "a.png", got.Uploads[0].Name)
}

func TestHandleCompileEdit_URLEncoded(t *testing.T) {
	orch := &mockOrchestrator{
		editFunc: func(_ context.Context, req session.EditRequest) (session.Outcome, error) {
			assert.Empty(t, req.Uploads)
			return session.Outcome{Compilation: &compiler.Result{Success: true}, ArtifactRef: "/static/uploads/doc_1/output.html"}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{})

	form := url.Values{"folder": {"doc_1"}, "filename": {"doc.igtex"}, "source": {"hello"}}
	req := httptest.NewRequest(http.MethodPost, "/compile_edit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"success":true,"path":"/static/uploads/doc_1/output.html"}`, rr.Body.String())
}

func TestHandleCompileEdit_MissingFields(t *testing.T) {
	orch := &mockOrchestrator{
		editFunc: func(context.Context, session.EditRequest) (session.Outcome, error) {
			t.Fatal("edit should not be called")
			return session.Outcome{}, nil
		},
	}
	s := newTestServer(t, orch, newJournal(t), Config{WorkspaceTokens: true})

	for _, parts := range [][]part{
		{{field: "filename", content: "doc.igtex"}, {field: "source", content: "x"}},
		{{field: "folder", content: "doc_1"}, {field: "source", content: "x"}},
		{{field: "folder", content: "doc_1"}, {field: "filename", content: "doc.igtex"}},
	} {
		rr := serve(s, multipartRequest(t, "/compile_edit", parts...))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Missing fields", decode(t, rr)["error"])
	}
}

func TestHandleGetWorkspace(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	_, err := j.RegisterWorkspace(ctx, "doc_1", "doc.igtex")
	require.NoError(t, err)
	require.NoError(t, j.RecordCompilation(ctx, journal.Compilation{
		WorkspaceID: "doc_1",
		Trigger:     journal.TriggerUpload,
		Status:      journal.StatusSucceeded,
	}))

	s := newTestServer(t, &mockOrchestrator{}, j, Config{})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/workspaces/doc_1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "doc_1", body["id"])
	assert.Equal(t, "compiled", body["state"])
	assert.Equal(t, "/static/uploads/doc_1/output.html", body["path"])

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/workspaces/ghost_1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownWorkspaceHiddenBehindTokens(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, newJournal(t), Config{WorkspaceTokens: true})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/workspaces/ghost_1", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/workspaces/ghost_1", nil)
	req.Header.Set(WorkspaceTokenHeader, "guess")
	rr = serve(s, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	admin := newTestServer(t, &mockOrchestrator{}, newJournal(t), Config{WorkspaceTokens: true, APIKey: "admin"})
	req = httptest.NewRequest(http.MethodGet, "/workspaces/ghost_1", nil)
	req.Header.Set("Authorization", "Bearer admin")
	rr = serve(admin, req)
	assert.Equal(t, http.StatusNotFound, rr.Code, "all-scope bearer skips the token check")
}

func TestHandleEvents_RequiresWorkspaceWhenTokensOn(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, newJournal(t), Config{WorkspaceTokens: true})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/events?workspace=doc_1&token=nope", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleEvents_ReplaysFilteredBuffer(t *testing.T) {
	j := newJournal(t)
	token, err := j.RegisterWorkspace(context.Background(), "doc_1", "doc.igtex")
	require.NoError(t, err)

	s := newTestServer(t, &mockOrchestrator{}, j, Config{WorkspaceTokens: true})
	s.events.Publish(events.CompilationStarted, "other_1", nil)
	s.events.Publish(events.CompilationStarted, "doc_1", map[string]string{"trigger": "upload"})

	ts := httptest.NewServer(s.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?workspace=doc_1", nil)
	require.NoError(t, err)
	req.Header.Set(WorkspaceTokenHeader, token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 2", lines[0])
	assert.Equal(t, "event: compilation.started", lines[1])
	assert.Equal(t, `data: {"trigger":"upload"}`, lines[2])
}

func TestHandleOpenAPI(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, newJournal(t), Config{WorkspaceTokens: true})

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "3.1.0", body["openapi"])

	paths := body["paths"].(map[string]any)
	for _, p := range []string{"/upload", "/upload_media/{folder}", "/compile_edit", "/workspaces/{folder}", "/events", "/healthz"} {
		assert.Contains(t, paths, p)
	}
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
