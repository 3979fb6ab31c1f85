package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/igtexd/internal/failure"
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/media"
	"github.com/mattjoyce/igtexd/internal/session"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	count := 0
	if s.journal != nil {
		n, err := s.journal.Count(r.Context())
		if err != nil {
			s.logger.Error("failed to count workspaces", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to count workspaces")
			return
		}
		count = n
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workspaces:    count,
	})
}

// handleUpload handles POST /upload: a new document in the "file" field.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fh := firstFile(r.MultipartForm, "file")
	if fh == nil {
		s.writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	content, err := readFileHeader(fh)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	sub, err := s.orch.Submit(r.Context(), fh.Filename, content)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	refs := sub.Required
	if refs == nil {
		refs = []media.Reference{}
	}
	respondJSON(w, http.StatusOK, UploadResponse{
		Folder: sub.WorkspaceID,
		Token:  sub.Token,
		Media:  refs,
	})
}

// handleUploadMedia handles POST /upload_media/{folder}. Every file part is
// treated as an asset regardless of its field name.
func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	if !s.parseMultipart(w, r) {
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	out, err := s.orch.UploadAssets(r.Context(), folder, uploadsFrom(r.MultipartForm))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeOutcome(w, out)
}

// handleCompileEdit handles POST /compile_edit with form fields folder,
// filename, and source, plus optional asset files.
func (s *Server) handleCompileEdit(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if !s.parseMultipart(w, r) {
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	} else if !s.parseURLEncoded(w, r) {
		return
	}

	req := session.EditRequest{
		WorkspaceID: r.FormValue("folder"),
		Filename:    r.FormValue("filename"),
		Source:      r.FormValue("source"),
		Uploads:     uploadsFrom(r.MultipartForm),
	}
	if req.WorkspaceID == "" || req.Filename == "" || req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	if status, msg, ok := s.authorizeWorkspace(r, req.WorkspaceID, r.Header.Get(WorkspaceTokenHeader)); !ok {
		s.writeError(w, status, msg)
		return
	}

	out, err := s.orch.EditRecompile(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeOutcome(w, out)
}

// handleGetWorkspace handles GET /workspaces/{folder}.
func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")

	ws, err := s.journal.Workspace(r.Context(), folder, 20)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read workspace", "workspace_id", folder, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read workspace")
		return
	}

	resp := WorkspaceResponse{Workspace: ws}
	if ws.State == journal.StateCompiled {
		resp.Path = s.orch.ArtifactRef(ws.ID)
	}
	respondJSON(w, http.StatusOK, resp)
}

// parseMultipart bounds the body and parses it. It writes the error response
// and returns false on failure.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes)
	err := r.ParseMultipartForm(multipartMemory)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, http.ErrNotMultipart):
		s.writeError(w, http.StatusBadRequest, "expected multipart/form-data")
	default:
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
	}
	return false
}

func (s *Server) parseURLEncoded(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestBytes)
	err := r.ParseForm()
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	} else {
		s.writeError(w, http.StatusBadRequest, "invalid form")
	}
	return false
}

// writeOutcome renders a validate-and-compile result.
func (s *Server) writeOutcome(w http.ResponseWriter, out session.Outcome) {
	switch {
	case !out.Ready():
		respondJSON(w, http.StatusBadRequest, MissingResponse{
			Error:   "Missing media files",
			Missing: out.Missing,
		})
	case out.Compilation == nil || !out.Compilation.Success:
		resp := CompileFailedResponse{Error: "compilation failed"}
		if out.Compilation != nil {
			resp.Diagnostics = out.Compilation.Output
			resp.ExitCode = out.Compilation.ExitCode
			resp.Truncated = out.Compilation.Truncated
		}
		respondJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		respondJSON(w, http.StatusOK, CompileResponse{Success: true, Path: out.ArtifactRef})
	}
}

// writeFailure maps an error kind to its HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	switch failure.KindOf(err) {
	case failure.KindInvalidInput:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case failure.KindPayloadTooLarge:
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case failure.KindUnknownWorkspace:
		s.writeError(w, http.StatusNotFound, err.Error())
	case failure.KindInvocation:
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Error("compiler invocation failed", "error", err)
		s.writeError(w, status, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func firstFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	files := form.File[field]
	if len(files) == 0 {
		return nil
	}
	return files[0]
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// uploadsFrom flattens every file part into uploads, ordered by field name.
func uploadsFrom(form *multipart.Form) []session.Upload {
	if form == nil {
		return nil
	}
	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var uploads []session.Upload
	for _, field := range fields {
		for _, fh := range form.File[field] {
			if strings.TrimSpace(fh.Filename) == "" {
				continue
			}
			uploads = append(uploads, session.Upload{
				Name: fh.Filename,
				Size: fh.Size,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			})
		}
	}
	return uploads
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
