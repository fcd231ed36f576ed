package session

import (
	"context"
	"strings"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
)

// View is a session record merged with what the supervisor knows.
type View struct {
	*store.Session
	Alive    bool           `json:"alive"`
	Terminal terminal.State `json:"terminal"`
	InFlight bool           `json:"in_flight"`
}

// State is the poll-side snapshot of everything the control plane manages.
type State struct {
	Projects []*store.Project `json:"projects"`
	Sessions []*View          `json:"sessions"`
}

func (m *Manager) view(ctx context.Context, sess *store.Session) *View {
	v := &View{
		Session:  sess,
		Terminal: m.terms.State(sess.ID),
		InFlight: m.InFlight(sess.ID),
	}
	if sess.Status.Live() {
		alive, err := m.sup.IsAlive(ctx, sess.ID, sess.ContainerID)
		if err != nil {
			m.logger.Debug("check session container", "session_id", sess.ID, "error", err)
		}
		v.Alive = alive
	}
	return v
}

func (m *Manager) Get(ctx context.Context, id string) (*View, error) {
	sess, err := m.mustSession(id)
	if err != nil {
		return nil, err
	}
	return m.view(ctx, sess), nil
}

// List returns every session, or only those of projectID when it is set.
func (m *Manager) List(ctx context.Context, projectID string) ([]*View, error) {
	var sessions []*store.Session
	var err error
	if projectID != "" {
		if _, err := m.mustProject(projectID); err != nil {
			return nil, err
		}
		sessions, err = m.store.ListSessionsByProject(projectID)
	} else {
		sessions, err = m.store.ListSessions()
	}
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, m.view(ctx, sess))
	}
	return views, nil
}

func (m *Manager) State(ctx context.Context) (*State, error) {
	projects, err := m.store.ListProjects()
	if err != nil {
		return nil, err
	}
	sessions, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []*store.Project{}
	}
	return &State{Projects: projects, Sessions: sessions}, nil
}

// Rename sets the display name; it is trimmed and clamped.
func (m *Manager) Rename(ctx context.Context, id, name string) (*store.Session, error) {
	name = clampName(strings.TrimSpace(name))
	if name == "" {
		return nil, apperr.Config("display name must not be empty")
	}
	sess, err := m.mustSession(id)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateSessionPresentation(id, name, sess.Subtitle); err != nil {
		return nil, err
	}
	sess.DisplayName = name
	return sess, nil
}

// Logs returns up to limit trailing bytes of the session's terminal
// transcript.
func (m *Manager) Logs(ctx context.Context, id string, limit int64) ([]byte, error) {
	if _, err := m.mustSession(id); err != nil {
		return nil, err
	}
	if m.presenter == nil {
		return nil, nil
	}
	return m.presenter.Tail(id, limit)
}

// ResetWorkspace puts the session's clone back on the project default branch.
// The session must not be live.
func (m *Manager) ResetWorkspace(ctx context.Context, id string) error {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.mustSession(id)
	if err != nil {
		return err
	}
	if sess.Status.Live() {
		return apperr.Conflict("session %s is %s; stop it before resetting the workspace", id, sess.Status)
	}
	proj, err := m.mustProject(sess.ProjectID)
	if err != nil {
		return err
	}
	if err := m.ws.Ensure(ctx, proj.RepoURL, proj.DefaultBranch, sess.WorkspacePath); err != nil {
		return err
	}
	if err := m.ws.Reset(ctx, sess.WorkspacePath, proj.DefaultBranch); err != nil {
		return err
	}
	m.logger.Info("session workspace reset", "session_id", id, "branch", proj.DefaultBranch)
	return nil
}
