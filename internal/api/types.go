package api

import (
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/media"
)

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Folder string            `json:"folder"`
	Token  string            `json:"token,omitempty"`
	Media  []media.Reference `json:"media"`
}

// CompileResponse is returned when compilation succeeded.
type CompileResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// MissingResponse is returned when required media are absent.
type MissingResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing"`
}

// CompileFailedResponse carries the compiler's diagnostics verbatim.
type CompileFailedResponse struct {
	Error       string `json:"error"`
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics"`
	ExitCode    int    `json:"exit_code"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workspaces    int    `json:"workspaces"`
}

// WorkspaceResponse is returned by GET /workspaces/{folder}.
type WorkspaceResponse struct {
	*journal.Workspace
	Path string `json:"path,omitempty"`
}
