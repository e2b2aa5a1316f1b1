// Package web is the HTTP surface of the control plane: admin APIs for
// creating and inspecting actions, agent APIs for claiming work and
// reporting results, and the metrics endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/auth"
	"github.com/servicewarden/warden/internal/events"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/queue"
	"github.com/servicewarden/warden/internal/store"
)

// ActionService is what the handlers need from the queue core.
type ActionService interface {
	Create(ctx context.Context, req queue.CreateRequest) (queue.CreateResult, error)
	Claim(ctx context.Context, hostID string, max int, wait time.Duration) ([]queue.ClaimedAction, error)
	Report(ctx context.Context, reporterHostID, actionID string, to action.Status, exitCode *int, message string) (action.Action, error)
	Heartbeat(hostID string) error
}

// ActionReader reads actions and agent state for the admin views.
type ActionReader interface {
	GetAction(id string) (action.Action, error)
	ListActions(hostID string, limit int) ([]action.Action, error)
	ListHosts() ([]store.Host, error)
	AgentStates() (map[string]time.Time, error)
}

// CredentialStore backs login and logout.
type CredentialStore interface {
	GetAdmin(username string) (store.Admin, error)
	PutSession(sess store.Session) error
	DeleteSession(token string) error
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Actions        ActionService
	Reader         ActionReader
	Credentials    CredentialStore
	Auth           *auth.Resolver
	EventBus       *events.Bus
	LoginLimiter   *auth.RateLimiter
	AllowedOrigins []string
	SessionTTL     time.Duration
	Log            *logging.Logger
}

// Server is the control plane HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = 12 * time.Hour
	}
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long polls and SSE are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control plane listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// Public.
	s.mux.HandleFunc("POST /api/login", s.apiLogin)
	s.mux.HandleFunc("POST /api/logout", s.apiLogout)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Admin (session cookie).
	s.mux.Handle("POST /api/actions", s.admin(s.apiCreateAction))
	s.mux.Handle("GET /api/actions", s.admin(s.apiListActions))
	s.mux.Handle("GET /api/actions/{id}", s.admin(s.apiGetAction))
	s.mux.Handle("GET /api/agents", s.admin(s.apiListAgents))
	s.mux.Handle("GET /api/events", s.admin(s.apiSSE))

	// Agent (bearer token).
	s.mux.Handle("GET /api/agent/queue", s.agent(s.apiAgentQueue))
	s.mux.Handle("POST /api/agent/report", s.agent(s.apiAgentReport))
	s.mux.Handle("POST /api/agent/heartbeat", s.agent(s.apiAgentHeartbeat))
}

type principalKey struct{}

// admin wraps a handler with admin session resolution and, on mutating
// methods, origin validation.
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, aerr := s.deps.Auth.Resolve(r, auth.RoleAdmin)
		if aerr != nil {
			writeError(w, aerr.Status, aerr.Reason)
			return
		}
		if r.Method != http.MethodGet && !auth.ValidateOrigin(r, s.deps.AllowedOrigins) {
			writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// agent wraps a handler with agent bearer-token resolution and sets the
// response headers that keep polling clients honest.
func (s *Server) agent(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, aerr := s.deps.Auth.Resolve(r, auth.RoleAgent)
		if aerr != nil {
			writeError(w, aerr.Status, aerr.Reason)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Vary", "Authorization")
		h(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// principalFrom returns the resolved principal stored by the middleware.
func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(*auth.Principal)
	return p
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps queue-layer error types onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr *queue.ValidationError
		nerr *queue.NotFoundError
		oerr *queue.OwnershipError
		rerr *queue.RateLimitError
		terr *action.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.As(err, &nerr):
		writeError(w, http.StatusNotFound, nerr.Msg)
	case errors.As(err, &oerr):
		writeError(w, http.StatusForbidden, oerr.Msg)
	case errors.As(err, &rerr):
		w.Header().Set("Retry-After", strconv.Itoa(rerr.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      err.Error(),
			"retryAfter": rerr.RetryAfter,
		})
	case errors.As(err, &terr):
		writeError(w, http.StatusBadRequest, terr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
