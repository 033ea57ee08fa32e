// Package httpapi exposes the run service over HTTP: run submission and
// inspection, pending reviews and decisions, the websocket/SSE event
// feeds, and the auth endpoints. Handlers translate service errors to
// status codes and never reach into the engine directly.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	"github.com/lanish19/ravint22-sub000/internal/auth"
	"github.com/lanish19/ravint22-sub000/internal/review"
	"github.com/lanish19/ravint22-sub000/internal/service"
	"github.com/lanish19/ravint22-sub000/internal/streaming"
)

// Server wires the HTTP handlers around the run service. A nil auth
// middleware leaves every endpoint open; the auth handler is optional
// and only mounted when user management is enabled.
type Server struct {
	runs   *service.RunService
	events *streaming.Manager
	authmw *auth.Middleware
	authh  *AuthHandler
	logger *zap.Logger
}

// NewServer creates the API server. events may be nil, which disables
// the streaming endpoints.
func NewServer(runs *service.RunService, events *streaming.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{runs: runs, events: events, logger: logger}
}

// WithAuth installs the request middleware and the login/user-management
// handler. Login and refresh stay outside the middleware.
func (s *Server) WithAuth(mw *auth.Middleware, h *AuthHandler) *Server {
	s.authmw = mw
	s.authh = h
	return s
}

// Routes mounts every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/runs", s.protect(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /api/v1/runs", s.protect(http.HandlerFunc(s.handleListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", s.protect(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/v1/runs/{id}/result", s.protect(http.HandlerFunc(s.handleResult)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", s.protect(http.HandlerFunc(s.handleCancel)))
	mux.Handle("GET /api/v1/runs/{id}/calls", s.protect(http.HandlerFunc(s.handleAgentCalls)))
	mux.Handle("GET /api/v1/stats", s.protect(http.HandlerFunc(s.handleStats)))

	mux.Handle("GET /api/v1/reviews", s.protect(http.HandlerFunc(s.handleListReviews)))
	mux.Handle("POST /api/v1/reviews/{id}/decision", s.protect(http.HandlerFunc(s.handleReviewDecision)))

	if s.events != nil {
		mux.Handle("GET /api/v1/runs/{id}/events", s.protect(http.HandlerFunc(s.handleEventsWS)))
		mux.Handle("GET /api/v1/runs/{id}/stream", s.protect(http.HandlerFunc(s.handleEventsSSE)))
	}

	if s.authh != nil {
		mux.HandleFunc("POST /api/v1/auth/login", s.authh.handleLogin)
		mux.HandleFunc("POST /api/v1/auth/refresh", s.authh.handleRefresh)
		mux.Handle("POST /api/v1/auth/users", s.protect(http.HandlerFunc(s.authh.handleCreateUser)))
		mux.Handle("POST /api/v1/auth/keys", s.protect(http.HandlerFunc(s.authh.handleCreateAPIKey)))
	}

	return mux
}

func (s *Server) protect(next http.Handler) http.Handler {
	if s.authmw == nil {
		return next
	}
	return s.authmw.HTTPMiddleware(next)
}

// Start runs the server on the given port. The returned server is the
// caller's to shut down. maxHeaderBytes zero keeps net/http's default.
func (s *Server) Start(port int, readTimeout, writeTimeout time.Duration, maxHeaderBytes int) *http.Server {
	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        s.Routes(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: maxHeaderBytes,
	}
	go func() {
		s.logger.Info("Starting API server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
	return srv
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendError sends a JSON error body with the given status.
func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// serviceError maps service-layer errors onto status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	var verr *agents.ValidationError
	switch {
	case errors.As(err, &verr):
		sendError(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrRunNotFound):
		sendError(w, "run not found", http.StatusNotFound)
	case errors.Is(err, service.ErrRunActive):
		sendError(w, "run still executing", http.StatusConflict)
	case errors.Is(err, service.ErrPersistenceDisabled):
		sendError(w, "persistence disabled", http.StatusServiceUnavailable)
	case errors.Is(err, review.ErrReviewNotFound):
		sendError(w, "review not found", http.StatusNotFound)
	case errors.Is(err, review.ErrAlreadyResolved):
		sendError(w, "review already resolved", http.StatusConflict)
	default:
		s.logger.Error("Request failed", zap.Error(err))
		sendError(w, "internal error", http.StatusInternalServerError)
	}
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(msg string) string {
	runes := []rune(msg)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return msg
}
