package api

import (
	"net/http"

	"github.com/p-arndt/agenthub/internal/session"
)

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in session.ProjectInput
	if err := decodeJSONBody(w, r, &in); err != nil {
		decodeError(w, err)
		return
	}
	p, err := s.manager.CreateProject(r.Context(), in)
	if err != nil {
		s.logger.Error("create project", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.manager.ListProjects(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in session.ProjectInput
	if err := decodeJSONBody(w, r, &in); err != nil {
		decodeError(w, err)
		return
	}
	p, err := s.manager.UpdateProject(r.Context(), id, in)
	if err != nil {
		s.logger.Error("update project", "project_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.DeleteProject(r.Context(), id); err != nil {
		s.logger.Error("delete project", "project_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRebuildProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.manager.RebuildProject(r.Context(), id)
	if err != nil {
		s.logger.Error("rebuild project", "project_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleBuildLog(w http.ResponseWriter, r *http.Request) {
	limit, err := logLimit(r)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	data, err := s.manager.BuildLog(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeText(w, data)
}

func writeText(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
