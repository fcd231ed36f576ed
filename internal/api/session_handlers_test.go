package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/reaper"
	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
	"github.com/p-arndt/agenthub/internal/testutil"
)

func TestHandleCreateSession_Success(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	opts := session.CreateOpts{
		DisplayName: "fix flaky test",
		Mounts:      []store.MountSpec{{HostPath: "/srv/cache", ContainerPath: "/cache", ReadOnly: true}},
		Env:         []string{"DEBUG=1"},
	}
	mockMgr.On("Create", mock.Anything, "p1", opts).Return(&store.Session{
		ID:          "s1",
		ProjectID:   "p1",
		DisplayName: "fix flaky test",
		Status:      store.StatusStarting,
	}, nil)

	body := map[string]any{
		"project_id":   "p1",
		"display_name": "fix flaky test",
		"mounts":       []map[string]any{{"host_path": "/srv/cache", "container_path": "/cache", "read_only": true}},
		"env":          []string{"DEBUG=1"},
	}
	rec := httptest.NewRecorder()
	s.handleCreateSession(rec, testutil.JSONRequest(t, "POST", "/v1/sessions", body))

	assert.Equal(t, http.StatusCreated, rec.Code)
	var sess store.Session
	testutil.DecodeJSON(t, rec, &sess)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, store.StatusStarting, sess.Status)
}

func TestHandleCreateSession_Validation(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing project", map[string]any{"display_name": "x"}},
		{"bad env", map[string]any{"project_id": "p1", "env": []string{"NOVALUE"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.handleCreateSession(rec, testutil.JSONRequest(t, "POST", "/v1/sessions", tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	mockMgr.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleCreateSession_ProjectNotReady(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Create", mock.Anything, "p1", mock.Anything).
		Return(nil, apperr.Conflict("project p1 snapshot is building"))

	rec := httptest.NewRecorder()
	s.handleCreateSession(rec, testutil.JSONRequest(t, "POST", "/v1/sessions", map[string]string{"project_id": "p1"}))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleCreateSession_MountNotVisible(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Create", mock.Anything, "p1", mock.Anything).
		Return(nil, apperr.MountVisibility("/home/dev/src is not visible to the docker daemon"))

	rec := httptest.NewRecorder()
	s.handleCreateSession(rec, testutil.JSONRequest(t, "POST", "/v1/sessions", map[string]string{"project_id": "p1"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body APIError
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, ErrCodeMountVisibility, body.Code)
}

func TestHandleListSessions_ByProject(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("List", mock.Anything, "p1").Return([]*session.View{
		{Session: &store.Session{ID: "s1", ProjectID: "p1", Status: store.StatusRunning}, Alive: true, Terminal: terminal.StateActive},
	}, nil)

	rec := httptest.NewRecorder()
	s.handleListSessions(rec, httptest.NewRequest("GET", "/v1/sessions?project_id=p1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var views []map[string]any
	testutil.DecodeJSON(t, rec, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "s1", views[0]["id"])
	assert.Equal(t, true, views[0]["alive"])
	assert.Equal(t, "active", views[0]["terminal"])
}

func TestHandleListSessions_Empty(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("List", mock.Anything, "").Return(nil, nil)

	rec := httptest.NewRecorder()
	s.handleListSessions(rec, httptest.NewRequest("GET", "/v1/sessions", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleStartStopSession(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Start", mock.Anything, "s1").Return(&store.Session{ID: "s1", Status: store.StatusStarting}, nil)
	mockMgr.On("Stop", mock.Anything, "s1").Return(&store.Session{ID: "s1", Status: store.StatusStopped}, nil)

	req := httptest.NewRequest("POST", "/v1/sessions/s1/start", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	s.handleStartSession(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest("POST", "/v1/sessions/s1/stop", nil)
	req.SetPathValue("id", "s1")
	rec = httptest.NewRecorder()
	s.handleStopSession(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var sess store.Session
	testutil.DecodeJSON(t, rec, &sess)
	assert.Equal(t, store.StatusStopped, sess.Status)
}

func TestHandleStartSession_Conflict(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Start", mock.Anything, "s1").Return(nil, apperr.Conflict("session s1 is running"))

	req := httptest.NewRequest("POST", "/v1/sessions/s1/start", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	s.handleStartSession(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRenameSession(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Rename", mock.Anything, "s1", "new name").Return(&store.Session{ID: "s1", DisplayName: "new name"}, nil)

	req := testutil.JSONRequest(t, "PATCH", "/v1/sessions/s1", map[string]string{"display_name": "new name"})
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	s.handleRenameSession(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeleteAndResetSession(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Delete", mock.Anything, "s1").Return(nil)
	mockMgr.On("ResetWorkspace", mock.Anything, "s2").Return(apperr.Conflict("session s2 is running"))

	req := httptest.NewRequest("DELETE", "/v1/sessions/s1", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	s.handleDeleteSession(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("POST", "/v1/sessions/s2/reset", nil)
	req.SetPathValue("id", "s2")
	rec = httptest.NewRecorder()
	s.handleResetWorkspace(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleSessionLogs(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Logs", mock.Anything, "s1", defaultLogLimit).Return([]byte("$ make test\nok\n"), nil)

	req := httptest.NewRequest("GET", "/v1/sessions/s1/logs", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	s.handleSessionLogs(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "$ make test\nok\n", rec.Body.String())
}

func TestHandleState(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("State", mock.Anything).Return(&session.State{
		Projects: []*store.Project{{ID: "p1"}},
		Sessions: []*session.View{{Session: &store.Session{ID: "s1", ProjectID: "p1"}}},
	}, nil)

	rec := httptest.NewRecorder()
	s.handleState(rec, httptest.NewRequest("GET", "/v1/state", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var st map[string][]map[string]any
	testutil.DecodeJSON(t, rec, &st)
	assert.Len(t, st["projects"], 1)
	assert.Len(t, st["sessions"], 1)
}

type fixedHealth reaper.Status

func (h fixedHealth) Status() reaper.Status { return reaper.Status(h) }

func TestHandleHealth(t *testing.T) {
	s := testAPIServer(&MockSessionService{})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	s.health = fixedHealth{LastRun: time.Now(), Runs: 3, LastError: "docker: connection refused"}
	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "degraded", body["status"])
}

func TestRoutesRequireAuth(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	s.cfg.APIKey = testutil.TestAPIKey
	s.routes()
	mockMgr.On("Get", mock.Anything, "s1").Return(&session.View{Session: &store.Session{ID: "s1"}}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sessions/s1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, testutil.AuthRequest(t, "GET", "/v1/sessions/s1", testutil.TestAPIKey, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
