package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/servicewarden/warden/internal/action"
)

// apiAgentQueue long-polls for queued actions belonging to the calling
// agent's host. Query params: max (1-10, default 1) and wait in seconds
// (0-25, default 0 so a bare GET never blocks). 204 means the wait
// elapsed with nothing queued.
func (s *Server) apiAgentQueue(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	max := 1
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max must be an integer")
			return
		}
		max = n
	}
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "wait must be an integer number of seconds")
			return
		}
		wait = time.Duration(n) * time.Second
	}

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Keep-Alive", "timeout=60")

	actions, err := s.deps.Actions.Claim(r.Context(), p.HostID, max, wait)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-poll; nothing to write.
			return
		}
		writeServiceError(w, err)
		return
	}
	if len(actions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// reportRequest is the POST /api/agent/report body.
type reportRequest struct {
	ActionID string `json:"actionId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

// apiAgentReport applies an execution report to an action the calling
// agent claimed.
func (s *Server) apiAgentReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p := principalFrom(r)
	updated, err := s.deps.Actions.Report(r.Context(), p.HostID, req.ActionID, action.Status(req.Status), req.ExitCode, req.Message)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// apiAgentHeartbeat records that the calling agent is alive.
func (s *Server) apiAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.deps.Actions.Heartbeat(p.HostID); err != nil {
		s.deps.Log.Error("heartbeat failed", "host", p.HostID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
