package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
)

type MockSessionService struct {
	mock.Mock
}

func projectResult(args mock.Arguments) (*store.Project, error) {
	if p := args.Get(0); p != nil {
		return p.(*store.Project), args.Error(1)
	}
	return nil, args.Error(1)
}

func sessionResult(args mock.Arguments) (*store.Session, error) {
	if s := args.Get(0); s != nil {
		return s.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func bytesResult(args mock.Arguments) ([]byte, error) {
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) CreateProject(ctx context.Context, in session.ProjectInput) (*store.Project, error) {
	return projectResult(m.Called(ctx, in))
}

func (m *MockSessionService) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return projectResult(m.Called(ctx, id))
}

func (m *MockSessionService) ListProjects(ctx context.Context) ([]*store.Project, error) {
	args := m.Called(ctx)
	if ps := args.Get(0); ps != nil {
		return ps.([]*store.Project), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) UpdateProject(ctx context.Context, id string, in session.ProjectInput) (*store.Project, error) {
	return projectResult(m.Called(ctx, id, in))
}

func (m *MockSessionService) DeleteProject(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) RebuildProject(ctx context.Context, id string) (*store.Project, error) {
	return projectResult(m.Called(ctx, id))
}

func (m *MockSessionService) BuildLog(ctx context.Context, id string, limit int64) ([]byte, error) {
	return bytesResult(m.Called(ctx, id, limit))
}

func (m *MockSessionService) Create(ctx context.Context, projectID string, opts session.CreateOpts) (*store.Session, error) {
	return sessionResult(m.Called(ctx, projectID, opts))
}

func (m *MockSessionService) Get(ctx context.Context, id string) (*session.View, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*session.View), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) List(ctx context.Context, projectID string) ([]*session.View, error) {
	args := m.Called(ctx, projectID)
	if vs := args.Get(0); vs != nil {
		return vs.([]*session.View), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Start(ctx context.Context, id string) (*store.Session, error) {
	return sessionResult(m.Called(ctx, id))
}

func (m *MockSessionService) Stop(ctx context.Context, id string) (*store.Session, error) {
	return sessionResult(m.Called(ctx, id))
}

func (m *MockSessionService) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) Rename(ctx context.Context, id, name string) (*store.Session, error) {
	return sessionResult(m.Called(ctx, id, name))
}

func (m *MockSessionService) ResetWorkspace(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) Logs(ctx context.Context, id string, limit int64) ([]byte, error) {
	return bytesResult(m.Called(ctx, id, limit))
}

func (m *MockSessionService) State(ctx context.Context) (*session.State, error) {
	args := m.Called(ctx)
	if st := args.Get(0); st != nil {
		return st.(*session.State), args.Error(1)
	}
	return nil, args.Error(1)
}
