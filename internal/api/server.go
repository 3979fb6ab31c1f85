package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/igtexd/internal/auth"
	"github.com/mattjoyce/igtexd/internal/events"
	"github.com/mattjoyce/igtexd/internal/journal"
	"github.com/mattjoyce/igtexd/internal/session"
)

// WorkspaceTokenHeader carries the capability issued by POST /upload.
const WorkspaceTokenHeader = "X-Workspace-Token"

const (
	// DefaultMaxRequestBytes caps a whole request body.
	DefaultMaxRequestBytes int64 = 50_000_000

	// multipartMemory is kept in memory per request; larger parts spill to disk.
	multipartMemory = 8 << 20
)

// Orchestrator runs the document workflows.
type Orchestrator interface {
	Submit(ctx context.Context, filename string, content []byte) (session.Submission, error)
	UploadAssets(ctx context.Context, workspaceID string, uploads []session.Upload) (session.Outcome, error)
	EditRecompile(ctx context.Context, req session.EditRequest) (session.Outcome, error)
	ArtifactRef(workspaceID string) string
}

// Journal answers workspace lookups and capability checks.
type Journal interface {
	VerifyToken(ctx context.Context, id, token string) (bool, error)
	Workspace(ctx context.Context, id string, limit int) (*journal.Workspace, error)
	Count(ctx context.Context) (int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// WorkspaceTokens requires X-Workspace-Token on workspace-scoped routes.
	WorkspaceTokens bool
	MaxRequestBytes int64
	// WriteTimeout must outlast a compiler run.
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	orch      Orchestrator
	journal   Journal
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, orch Orchestrator, j Journal, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		orch:      orch,
		journal:   j,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		// SSE clients would otherwise hold Shutdown open.
		s.events.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCompileRW)).Post("/upload", s.handleUpload)
		r.With(s.requireScopes(auth.ScopeCompileRW), s.workspaceTokenMiddleware).Post("/upload_media/{folder}", s.handleUploadMedia)
		r.With(s.requireScopes(auth.ScopeCompileRW)).Post("/compile_edit", s.handleCompileEdit)
		r.With(s.requireScopes(auth.ScopeCompileRO, auth.ScopeCompileRW), s.workspaceTokenMiddleware).Get("/workspaces/{folder}", s.handleGetWorkspace)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer principal. With no credentials
// configured every caller is treated as admin.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.bearerAuthEnabled() {
			open := auth.Principal{Scopes: map[string]struct{}{auth.ScopeAll: {}}}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), open)))
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// workspaceTokenMiddleware checks the capability for the {folder} route param.
func (s *Server) workspaceTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, msg, ok := s.authorizeWorkspace(r, chi.URLParam(r, "folder"), r.Header.Get(WorkspaceTokenHeader)); !ok {
			s.writeError(w, status, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizeWorkspace reports whether the request may act on workspace id.
// Unknown workspaces and wrong tokens are indistinguishable to the caller.
func (s *Server) authorizeWorkspace(r *http.Request, id, token string) (int, string, bool) {
	if !s.config.WorkspaceTokens {
		return 0, "", true
	}
	if s.bearerAuthEnabled() {
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && auth.HasAnyScope(principal, auth.ScopeAll) {
			return 0, "", true
		}
	}
	if token == "" {
		return http.StatusUnauthorized, "missing workspace token", false
	}
	ok, err := s.journal.VerifyToken(r.Context(), id, token)
	if err != nil {
		s.logger.Error("failed to verify workspace token", "workspace_id", id, "error", err)
		return http.StatusInternalServerError, "failed to verify workspace token", false
	}
	if !ok {
		return http.StatusForbidden, "invalid workspace token", false
	}
	return 0, "", true
}

func (s *Server) bearerAuthEnabled() bool {
	return auth.Enabled(s.config.APIKey, s.config.Tokens)
}
