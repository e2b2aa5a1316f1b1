package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/auth"
	"github.com/servicewarden/warden/internal/queue"
	"github.com/servicewarden/warden/internal/store"
)

// createActionRequest is the POST /api/actions body.
type createActionRequest struct {
	HostID         string `json:"hostId"`
	ServiceID      string `json:"serviceId"`
	Kind           string `json:"kind"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// apiCreateAction queues a new action. Replayed idempotent requests get
// 200 with the original action; fresh creations get 201.
func (s *Server) apiCreateAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p := principalFrom(r)
	res, err := s.deps.Actions.Create(r.Context(), queue.CreateRequest{
		HostID:         req.HostID,
		ServiceID:      req.ServiceID,
		Kind:           action.Kind(req.Kind),
		RequestedBy:    p.AdminID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Action)
}

// apiListActions returns recent actions, newest first. Optional query
// params: host, limit (default 50, max 500).
func (s *Server) apiListActions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	actions, err := s.deps.Reader.ListActions(r.URL.Query().Get("host"), limit)
	if err != nil {
		s.deps.Log.Error("list actions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if actions == nil {
		actions = []action.Action{}
	}
	writeJSON(w, http.StatusOK, actions)
}

// apiGetAction returns one action by ID.
func (s *Server) apiGetAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.deps.Reader.GetAction(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("action %q not found", id))
			return
		}
		s.deps.Log.Error("get action failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// agentView is one row in the GET /api/agents response.
type agentView struct {
	HostID        string     `json:"hostId"`
	Name          string     `json:"name"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	Online        bool       `json:"online"`
}

// agentOnlineWindow is how recently an agent must have checked in to be
// shown as online.
const agentOnlineWindow = 90 * time.Second

// apiListAgents returns every known host with its last heartbeat.
func (s *Server) apiListAgents(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.deps.Reader.ListHosts()
	if err != nil {
		s.deps.Log.Error("list hosts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	states, err := s.deps.Reader.AgentStates()
	if err != nil {
		s.deps.Log.Error("agent states failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now()
	out := make([]agentView, 0, len(hosts))
	for _, h := range hosts {
		v := agentView{HostID: h.ID, Name: h.Name}
		if t, ok := states[h.ID]; ok {
			ts := t
			v.LastHeartbeat = &ts
			v.Online = now.Sub(t) < agentOnlineWindow
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// apiSSE streams action lifecycle events to the admin UI.
func (s *Server) apiSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.deps.EventBus.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

// loginRequest is the POST /api/login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// apiLogin authenticates an admin and sets a session cookie. Failed
// attempts are rate limited per username.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	if !auth.ValidateOrigin(r, s.deps.AllowedOrigins) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if s.deps.LoginLimiter != nil {
		if ok, retryAfter := s.deps.LoginLimiter.Allow(req.Username); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
	}

	admin, err := s.deps.Credentials.GetAdmin(req.Username)
	if err != nil || !auth.CheckPassword(admin.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		s.deps.Log.Error("session token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	expiry := time.Now().Add(s.deps.SessionTTL)
	if err := s.deps.Credentials.PutSession(store.Session{
		Token:     token,
		Username:  admin.Username,
		ExpiresAt: expiry,
	}); err != nil {
		s.deps.Log.Error("session save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	auth.SetSessionCookie(w, token, expiry, r.TLS != nil)
	s.deps.Log.Info("admin logged in", "username", admin.Username)
	writeJSON(w, http.StatusOK, map[string]string{"username": admin.Username})
}

// apiLogout destroys the current session, if any.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.GetSessionToken(r); token != "" {
		if err := s.deps.Credentials.DeleteSession(token); err != nil {
			s.deps.Log.Error("session delete failed", "error", err)
		}
	}
	auth.ClearSessionCookie(w, r.TLS != nil)
	w.WriteHeader(http.StatusNoContent)
}
