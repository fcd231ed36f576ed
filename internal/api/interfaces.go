package api

import (
	"context"

	"github.com/p-arndt/agenthub/internal/events"
	"github.com/p-arndt/agenthub/internal/reaper"
	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
)

// SessionService is the part of *session.Manager the handlers use.
type SessionService interface {
	CreateProject(ctx context.Context, in session.ProjectInput) (*store.Project, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	ListProjects(ctx context.Context) ([]*store.Project, error)
	UpdateProject(ctx context.Context, id string, in session.ProjectInput) (*store.Project, error)
	DeleteProject(ctx context.Context, id string) error
	RebuildProject(ctx context.Context, id string) (*store.Project, error)
	BuildLog(ctx context.Context, id string, limit int64) ([]byte, error)

	Create(ctx context.Context, projectID string, opts session.CreateOpts) (*store.Session, error)
	Get(ctx context.Context, id string) (*session.View, error)
	List(ctx context.Context, projectID string) ([]*session.View, error)
	Start(ctx context.Context, id string) (*store.Session, error)
	Stop(ctx context.Context, id string) (*store.Session, error)
	Delete(ctx context.Context, id string) error
	Rename(ctx context.Context, id, name string) (*store.Session, error)
	ResetWorkspace(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, limit int64) ([]byte, error)
	State(ctx context.Context) (*session.State, error)
}

// Terminals is the viewer side of the terminal multiplexer.
type Terminals interface {
	Attach(sessionID string) (*terminal.Viewer, error)
	SendInput(sessionID string, p []byte) error
	Resize(sessionID string, cols, rows uint) error
}

type EventSource interface {
	Subscribe() *events.Subscription
}

type HealthReporter interface {
	Status() reaper.Status
}
