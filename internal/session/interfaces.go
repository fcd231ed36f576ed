package session

import (
	"context"
	"time"

	"github.com/p-arndt/agenthub/internal/docker"
	"github.com/p-arndt/agenthub/internal/launch"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/supervisor"
	"github.com/p-arndt/agenthub/internal/terminal"
)

type SessionStore interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	ListSessions() ([]*store.Session, error)
	ListSessionsByProject(projectID string) ([]*store.Session, error)
	ListLiveSessions() ([]*store.Session, error)
	UpdateSessionStatus(id string, u store.StatusUpdate) error
	UpdateSessionPresentation(id, displayName, subtitle string) error
	DeleteSession(id string) error

	CreateProject(p *store.Project) error
	GetProject(id string) (*store.Project, error)
	ListProjects() ([]*store.Project, error)
	UpdateProjectSettings(p *store.Project) error
	DeleteProject(id string) error
}

// SubtitleStore is what the presenter writes to.
type SubtitleStore interface {
	UpdateSessionSubtitle(id, subtitle string) error
}

type Snapshots interface {
	Ensure(ctx context.Context, p *store.Project) (string, error)
	Cancel(projectID string)
	ReadLog(projectID string, limit int64) ([]byte, error)
	RemoveLog(projectID string) error
}

type Supervisor interface {
	Launch(ctx context.Context, req supervisor.LaunchRequest) (*supervisor.Handle, error)
	Stop(ctx context.Context, sessionID string, grace time.Duration) error
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	Handle(sessionID string) *supervisor.Handle
	IsAlive(ctx context.Context, sessionID, containerID string) (bool, error)
	SetExitHandler(fn supervisor.ExitFunc)
}

type Terminals interface {
	Open(sessionID string, up terminal.Upstream) error
	Close(sessionID, reason string)
	State(sessionID string) terminal.State
}

type Workspaces interface {
	Ensure(ctx context.Context, repo, branch, dest string) error
	Reset(ctx context.Context, dest, branch string) error
	Remove(dest string) error
	RemoveProjectCheckout(projectID string) error
}

type Planner interface {
	Mounts(defaults, overrides []launch.Mount, workspace launch.Mount) ([]docker.Mount, error)
	RunOpts(spec launch.Spec) (docker.RunOpts, error)
}

// Containers lists and removes managed containers directly, for orphans.
type Containers interface {
	ListManagedContainers(ctx context.Context, role string) ([]docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(typ string, data any)
}
