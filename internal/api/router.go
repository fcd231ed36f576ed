package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/agenthub/internal/config"
)

const defaultHeartbeat = 15 * time.Second

type Server struct {
	cfg       *config.Config
	manager   SessionService
	terms     Terminals
	events    EventSource
	health    HealthReporter
	logger    *slog.Logger
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

func NewServer(cfg *config.Config, mgr SessionService, terms Terminals, ev EventSource, health HealthReporter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   mgr,
		terms:     terms,
		events:    ev,
		health:    health,
		logger:    logger,
		mux:       http.NewServeMux(),
		upgrader:  newUpgrader(),
		heartbeat: defaultHeartbeat,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /v1/projects", s.handleListProjects)
	s.mux.HandleFunc("GET /v1/projects/{id}", s.handleGetProject)
	s.mux.HandleFunc("PATCH /v1/projects/{id}", s.handleUpdateProject)
	s.mux.HandleFunc("DELETE /v1/projects/{id}", s.handleDeleteProject)
	s.mux.HandleFunc("POST /v1/projects/{id}/build", s.handleRebuildProject)
	s.mux.HandleFunc("GET /v1/projects/{id}/build-log", s.handleBuildLog)

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PATCH /v1/sessions/{id}", s.handleRenameSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/start", s.handleStartSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/stop", s.handleStopSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/reset", s.handleResetWorkspace)
	s.mux.HandleFunc("GET /v1/sessions/{id}/logs", s.handleSessionLogs)
	s.mux.HandleFunc("GET /v1/sessions/{id}/terminal", s.handleTerminal)

	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/state", s.handleState)

	// Health check (no auth)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.State(r.Context())
	if err != nil {
		s.logger.Error("state", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.health != nil {
		st := s.health.Status()
		resp["reconcile"] = st
		if st.LastError != "" {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
