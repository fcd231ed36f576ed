package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/launch"
	"github.com/p-arndt/agenthub/internal/snapshot"
	"github.com/p-arndt/agenthub/internal/store"
)

type CreateOpts struct {
	DisplayName string            `json:"display_name"`
	Mounts      []store.MountSpec `json:"mounts"`
	Env         []string          `json:"env"`
}

// Create validates the project and the mounts, records the session as
// starting and launches it in the background.
func (m *Manager) Create(ctx context.Context, projectID string, opts CreateOpts) (*store.Session, error) {
	proj, err := m.mustProject(projectID)
	if err != nil {
		return nil, err
	}
	if proj.BuildStatus != store.BuildReady {
		return nil, apperr.Conflict("project %s is %s, not ready", projectID, proj.BuildStatus)
	}

	id := uuid.New().String()
	workspacePath := filepath.Join(m.opts.WorkspacesDir, id)
	workdir := snapshot.Workdir(m.opts.ContainerRoot, proj.Name, proj.ID)

	if _, err := m.planner.Mounts(toLaunchMounts(proj.DefaultMounts), toLaunchMounts(opts.Mounts),
		launch.Mount{HostPath: workspacePath, ContainerPath: workdir}); err != nil {
		return nil, err
	}

	name := clampName(opts.DisplayName)
	if name == "" {
		name = clampName(proj.Name + " " + id[:8])
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:               id,
		ProjectID:        proj.ID,
		DisplayName:      name,
		Mounts:           opts.Mounts,
		Env:              opts.Env,
		WorkspacePath:    workspacePath,
		ContainerWorkdir: workdir,
		Status:           store.StatusStarting,
		StatusReason:     ReasonStarting,
		CreatedAt:        now,
		UpdatedAt:        now,
		StatusChangedAt:  now,
	}

	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", id, "project_id", proj.ID)
	m.publishStatus(sess, "")
	m.begin(id)
	return sess, nil
}

func toLaunchMounts(in []store.MountSpec) []launch.Mount {
	out := make([]launch.Mount, 0, len(in))
	for _, m := range in {
		out = append(out, launch.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
	}
	return out
}
