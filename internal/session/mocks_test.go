package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/agenthub/internal/store"
)

type MockSnapshots struct {
	mock.Mock
}

func (m *MockSnapshots) Ensure(ctx context.Context, p *store.Project) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *MockSnapshots) Cancel(projectID string) {
	m.Called(projectID)
}

func (m *MockSnapshots) ReadLog(projectID string, limit int64) ([]byte, error) {
	args := m.Called(projectID, limit)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSnapshots) RemoveLog(projectID string) error {
	args := m.Called(projectID)
	return args.Error(0)
}

type MockWorkspaces struct {
	mock.Mock
}

func (m *MockWorkspaces) Ensure(ctx context.Context, repo, branch, dest string) error {
	args := m.Called(ctx, repo, branch, dest)
	return args.Error(0)
}

func (m *MockWorkspaces) Reset(ctx context.Context, dest, branch string) error {
	args := m.Called(ctx, dest, branch)
	return args.Error(0)
}

func (m *MockWorkspaces) Remove(dest string) error {
	args := m.Called(dest)
	return args.Error(0)
}

func (m *MockWorkspaces) RemoveProjectCheckout(projectID string) error {
	args := m.Called(projectID)
	return args.Error(0)
}

type MockSubtitleStore struct {
	mock.Mock
}

func (m *MockSubtitleStore) UpdateSessionSubtitle(id, subtitle string) error {
	args := m.Called(id, subtitle)
	return args.Error(0)
}
