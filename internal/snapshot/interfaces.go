package snapshot

import (
	"context"
	"io"

	"github.com/p-arndt/agenthub/internal/docker"
	"github.com/p-arndt/agenthub/internal/store"
)

type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string, w io.Writer) error
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string, w io.Writer) error
	CreateContainer(ctx context.Context, opts docker.RunOpts) (string, error)
	StartContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string, w io.Writer) error
	CommitContainer(ctx context.Context, id, tag string, changes []string) (string, error)
	RemoveContainer(ctx context.Context, id string) error
	ImageSize(ctx context.Context, ref string) string
}

type ProjectStore interface {
	GetProject(id string) (*store.Project, error)
	UpdateProjectBuild(id string, u store.BuildUpdate) error
}

type Checkouts interface {
	ProjectCheckout(ctx context.Context, projectID, repo, branch string) (string, error)
}

// PathMapper turns a control-plane path into one the engine can bind.
type PathMapper interface {
	DaemonPath(p string) (string, error)
}

type Publisher interface {
	Publish(typ string, data any)
}
