package api

import (
	"net/http"
	"strings"

	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
)

type createSessionRequest struct {
	ProjectID   string            `json:"project_id"`
	DisplayName string            `json:"display_name"`
	Mounts      []store.MountSpec `json:"mounts"`
	Env         []string          `json:"env"`
}

type renameSessionRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		decodeError(w, err)
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeValidationError(w, "project_id is required", map[string]interface{}{"field": "project_id"})
		return
	}
	for _, kv := range req.Env {
		if !strings.Contains(kv, "=") {
			writeValidationError(w, "env entries must be KEY=VALUE", map[string]interface{}{"entry": kv})
			return
		}
	}

	s.logger.Debug("create session request", "project_id", req.ProjectID, "mounts", len(req.Mounts))
	sess, err := s.manager.Create(r.Context(), req.ProjectID, session.CreateOpts{
		DisplayName: req.DisplayName,
		Mounts:      req.Mounts,
		Env:         req.Env,
	})
	if err != nil {
		s.logger.Error("create session", "project_id", req.ProjectID, "error", err)
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("session created", "session_id", sess.ID, "project_id", sess.ProjectID)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	v, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views, err := s.manager.List(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if views == nil {
		views = []*session.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req renameSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		decodeError(w, err)
		return
	}
	sess, err := s.manager.Rename(r.Context(), id, req.DisplayName)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Start(r.Context(), id)
	if err != nil {
		s.logger.Error("start session", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Stop(r.Context(), id)
	if err != nil {
		s.logger.Error("stop session", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.logger.Debug("delete session", "session_id", id)
	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete session", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.ResetWorkspace(r.Context(), id); err != nil {
		s.logger.Error("reset workspace", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := logLimit(r)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	data, err := s.manager.Logs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeText(w, data)
}
