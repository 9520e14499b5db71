package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ptymux/ptymux/internal/hub"
	"github.com/ptymux/ptymux/internal/session"
	"github.com/ptymux/ptymux/internal/store"
)

// Package-level dependencies, set from main.go during startup.
var (
	Registry *session.Registry
	Store    *store.Store
	Hub      *hub.Hub
)

type createSessionRequest struct {
	ID      string            `json:"id,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
}

// ListSessions returns all live sessions.
// GET /api/v1/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]session.Info{"sessions": Registry.List()})
}

// CreateSession spawns a new terminal session. Clients normally create
// sessions over the WebSocket; this endpoint exists for scripting.
// POST /api/v1/sessions
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	info, err := Registry.Create(session.CreateOptions{
		ID:      req.ID,
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrSessionExists):
			status = http.StatusConflict
		case errors.Is(err, session.ErrSessionLimit):
			status = http.StatusTooManyRequests
		default:
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// GetSession returns one session's metadata.
// GET /api/v1/sessions/{id}
func GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteSession kills a session's process and discards its scrollback.
// Repeated deletes of the same ID succeed.
// DELETE /api/v1/sessions/{id}
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session ID")
		return
	}
	Registry.Kill(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}
