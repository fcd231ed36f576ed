package session

import (
	"context"
	"fmt"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/docker"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
)

type ReconcileResult struct {
	// Failed lists sessions whose container was found gone.
	Failed []string `json:"failed"`
	// Orphans lists removed containers no live session owned.
	Orphans []string `json:"orphans"`
}

// Reconcile is the pull path: it fails live records whose container is gone
// and removes managed session containers that no live record owns.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}

	live, err := m.store.ListLiveSessions()
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	for _, sess := range live {
		if m.busy(sess.ID) {
			continue
		}
		alive, err := m.sup.IsAlive(ctx, sess.ID, sess.ContainerID)
		if err != nil {
			m.logger.Warn("reconcile: check container", "session_id", sess.ID, "error", err)
			continue
		}
		if alive {
			continue
		}
		_, ok, err := m.commit(sess.ID, change{
			To:      store.StatusFailed,
			Reason:  string(apperr.KindCrashDetected),
			Message: "container is no longer running",
		}, func(cur *store.Session) bool {
			return cur.Status.Live() && !m.busy(cur.ID)
		})
		if err != nil {
			m.logger.Warn("reconcile: record crash", "session_id", sess.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		m.terms.Close(sess.ID, terminal.ReasonExited)
		m.logger.Warn("reconcile: session container gone", "session_id", sess.ID, "container_id", sess.ContainerID)
		res.Failed = append(res.Failed, sess.ID)
	}

	containers, err := m.containers.ListManagedContainers(ctx, docker.RoleSession)
	if err != nil {
		return res, fmt.Errorf("list session containers: %w", err)
	}
	for _, c := range containers {
		if m.owned(c) {
			continue
		}
		if err := m.containers.RemoveContainer(ctx, c.ContainerID); err != nil {
			m.logger.Warn("reconcile: remove orphan", "container_id", c.ContainerID, "error", err)
			continue
		}
		m.logger.Info("reconcile: removed orphan container", "container_id", c.ContainerID, "session_id", c.SessionID)
		res.Orphans = append(res.Orphans, c.ContainerID)
	}
	return res, nil
}

// owned reports whether a live session claims the container. The record is
// read fresh so a start that finished during the pass is not mistaken for
// an orphan.
func (m *Manager) owned(c docker.ContainerInfo) bool {
	if c.SessionID == "" {
		return false
	}
	if m.busy(c.SessionID) {
		return true
	}
	if h := m.sup.Handle(c.SessionID); h != nil && h.ContainerID == c.ContainerID {
		return true
	}
	sess, err := m.store.GetSession(c.SessionID)
	if err != nil {
		// unknown is not orphaned
		return true
	}
	return sess != nil && sess.Status.Live() && sess.ContainerID == c.ContainerID
}
