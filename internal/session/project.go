package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/store"
)

// ProjectInput is the user-editable part of a project. On update a nil
// field is left unchanged.
type ProjectInput struct {
	Name          *string            `json:"name"`
	RepoURL       *string            `json:"repo_url"`
	DefaultBranch *string            `json:"default_branch"`
	BaseKind      *store.BaseKind    `json:"base_kind"`
	BaseRef       *string            `json:"base_ref"`
	SetupScript   *string            `json:"setup_script"`
	DefaultMounts *[]store.MountSpec `json:"default_mounts"`
	DefaultEnv    *[]string          `json:"default_env"`
}

func (in ProjectInput) apply(p *store.Project) {
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.RepoURL != nil {
		p.RepoURL = strings.TrimSpace(*in.RepoURL)
	}
	if in.DefaultBranch != nil {
		p.DefaultBranch = strings.TrimSpace(*in.DefaultBranch)
	}
	if in.BaseKind != nil {
		p.BaseKind = *in.BaseKind
	}
	if in.BaseRef != nil {
		p.BaseRef = strings.TrimSpace(*in.BaseRef)
	}
	if in.SetupScript != nil {
		p.SetupScript = *in.SetupScript
	}
	if in.DefaultMounts != nil {
		p.DefaultMounts = *in.DefaultMounts
	}
	if in.DefaultEnv != nil {
		p.DefaultEnv = *in.DefaultEnv
	}
}

func validateProject(p *store.Project) error {
	if p.Name == "" {
		return apperr.Config("project name is required")
	}
	if p.RepoURL == "" {
		return apperr.Config("project repo_url is required")
	}
	if p.BaseRef == "" {
		return apperr.Config("project base_ref is required")
	}
	switch p.BaseKind {
	case store.BaseTag, store.BaseDockerfile:
	default:
		return apperr.Config("project base_kind must be %q or %q, got %q", store.BaseTag, store.BaseDockerfile, p.BaseKind)
	}
	for _, m := range p.DefaultMounts {
		if m.HostPath == "" || m.ContainerPath == "" {
			return apperr.Config("project mounts need host_path and container_path")
		}
	}
	return nil
}

// snapshotInputsChanged reports whether an edit affects the snapshot key or
// the build context.
func snapshotInputsChanged(a, b *store.Project) bool {
	return a.BaseKind != b.BaseKind || a.BaseRef != b.BaseRef ||
		a.SetupScript != b.SetupScript || a.RepoURL != b.RepoURL
}

// CreateProject records a pending project and schedules its first build.
func (m *Manager) CreateProject(ctx context.Context, in ProjectInput) (*store.Project, error) {
	now := time.Now().UTC()
	p := &store.Project{
		ID:            uuid.New().String(),
		DefaultBranch: "main",
		BaseKind:      store.BaseTag,
		BuildStatus:   store.BuildPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	in.apply(p)
	if err := validateProject(p); err != nil {
		return nil, err
	}
	if err := m.store.CreateProject(p); err != nil {
		return nil, err
	}
	m.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	m.scheduleBuild(p.ID, false)
	return p, nil
}

// UpdateProject applies in. A change to a snapshot input clears the snapshot,
// resets the build to pending and schedules a new build.
func (m *Manager) UpdateProject(ctx context.Context, id string, in ProjectInput) (*store.Project, error) {
	cur, err := m.mustProject(id)
	if err != nil {
		return nil, err
	}
	next := *cur
	in.apply(&next)
	if err := validateProject(&next); err != nil {
		return nil, err
	}

	rebuild := snapshotInputsChanged(cur, &next)
	if rebuild {
		next.BuildStatus = store.BuildPending
		next.BuildError = ""
		next.SnapshotImage = ""
		next.SnapshotKey = ""
	}
	if err := m.store.UpdateProjectSettings(&next); err != nil {
		return nil, err
	}
	m.logger.Info("project updated", "project_id", id, "rebuild", rebuild)
	if rebuild {
		m.scheduleBuild(id, false)
	}
	return m.mustProject(id)
}

// DeleteProject cancels its build and deletes every session first.
func (m *Manager) DeleteProject(ctx context.Context, id string) error {
	if _, err := m.mustProject(id); err != nil {
		return err
	}
	m.snapshots.Cancel(id)

	sessions, err := m.store.ListSessionsByProject(id)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := m.Delete(ctx, sess.ID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}

	if err := m.ws.RemoveProjectCheckout(id); err != nil {
		m.logger.Warn("remove project checkout", "project_id", id, "error", err)
	}
	if err := m.snapshots.RemoveLog(id); err != nil {
		m.logger.Warn("remove build log", "project_id", id, "error", err)
	}
	if err := m.store.DeleteProject(id); err != nil {
		return err
	}
	m.logger.Info("project deleted", "project_id", id, "sessions", len(sessions))
	return nil
}

// RebuildProject runs the snapshot pipeline again, re-reading the checkout.
// An image that already exists for the resulting key is reused.
func (m *Manager) RebuildProject(ctx context.Context, id string) (*store.Project, error) {
	p, err := m.mustProject(id)
	if err != nil {
		return nil, err
	}
	m.scheduleBuild(id, true)
	return p, nil
}

func (m *Manager) GetProject(ctx context.Context, id string) (*store.Project, error) {
	return m.mustProject(id)
}

func (m *Manager) ListProjects(ctx context.Context) ([]*store.Project, error) {
	return m.store.ListProjects()
}

// BuildLog returns up to limit trailing bytes of the project's last build log.
func (m *Manager) BuildLog(ctx context.Context, id string, limit int64) ([]byte, error) {
	if _, err := m.mustProject(id); err != nil {
		return nil, err
	}
	return m.snapshots.ReadLog(id, limit)
}

// ResumeBuilds schedules builds for projects left pending or building by a
// previous run.
func (m *Manager) ResumeBuilds(ctx context.Context) error {
	projects, err := m.store.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.BuildStatus == store.BuildPending || p.BuildStatus == store.BuildBuilding {
			m.scheduleBuild(p.ID, false)
		}
	}
	return nil
}

// scheduleBuild runs Ensure in the background. force skips the ready
// shortcut so the key is derived from a fresh checkout.
func (m *Manager) scheduleBuild(id string, force bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p, err := m.store.GetProject(id)
		if err != nil || p == nil {
			return
		}
		if force {
			p.BuildStatus = store.BuildPending
		}
		if _, err := m.snapshots.Ensure(m.ctx, p); err != nil {
			m.logger.Warn("project build failed", "project_id", id, "error", err)
		}
	}()
}
