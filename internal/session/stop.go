package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
)

// Stop is idempotent. It cancels an in-flight start, stops the container and
// records the session as stopped.
func (m *Manager) Stop(ctx context.Context, id string) (*store.Session, error) {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(ctx, id)
}

func (m *Manager) stopLocked(ctx context.Context, id string) (*store.Session, error) {
	logger := m.logger.With("session_id", id)
	defer m.markStopping(id)()

	if a := m.attemptFor(id); a != nil {
		logger.Info("cancelling in-flight start")
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sess, err := m.mustSession(id)
	if err != nil {
		return nil, err
	}

	m.terms.Close(id, terminal.ReasonStopped)

	var exitCode *int
	if h := m.sup.Handle(id); h != nil {
		if err := m.sup.Stop(ctx, id, m.opts.StopGrace); err != nil {
			return nil, fmt.Errorf("stop session %s: %w", id, err)
		}
		if code, ok := h.ExitCode(); ok {
			exitCode = &code
		}
	} else if sess.Status.Live() && sess.ContainerID != "" {
		// running before a daemon restart, no handle in this process
		if err := m.sup.StopContainer(ctx, sess.ContainerID, m.opts.StopGrace); err != nil {
			return nil, fmt.Errorf("stop session %s: %w", id, err)
		}
	}

	if m.presenter != nil {
		m.presenter.Flush(id)
	}

	if !sess.Status.Live() {
		return sess, nil
	}
	next, _, err := m.commit(id, change{
		To:       store.StatusStopped,
		Reason:   ReasonRequested,
		Message:  "stopped by request",
		ExitCode: exitCode,
	}, func(cur *store.Session) bool { return cur.Status.Live() })
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Delete stops the session and removes its workspace, transcript and record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()
	return m.deleteLocked(ctx, id)
}

func (m *Manager) deleteLocked(ctx context.Context, id string) error {
	sess, err := m.stopLocked(ctx, id)
	if err != nil {
		return err
	}
	if err := m.ws.Remove(sess.WorkspacePath); err != nil {
		m.logger.Warn("remove session workspace", "session_id", id, "error", err)
	}
	if m.presenter != nil {
		m.presenter.Forget(id)
		if err := m.presenter.RemoveTranscript(id); err != nil {
			m.logger.Warn("remove session transcript", "session_id", id, "error", err)
		}
	}
	if err := m.store.DeleteSession(id); err != nil {
		return err
	}
	m.dropLocks(id)
	m.logger.Info("session deleted", "session_id", id, "project_id", sess.ProjectID)
	return nil
}

// handleExit is the supervisor's push path for containers that exited
// without a stop request.
func (m *Manager) handleExit(id string, exitCode int) {
	logger := m.logger.With("session_id", id, "exit_code", exitCode)
	m.terms.Close(id, terminal.ReasonExited)
	if m.presenter != nil {
		m.presenter.Flush(id)
	}

	c := change{To: store.StatusStopped, Reason: ReasonExited, Message: "process exited", ExitCode: &exitCode}
	if exitCode != 0 {
		c = change{
			To:       store.StatusFailed,
			Reason:   string(apperr.KindCrashDetected),
			Message:  fmt.Sprintf("process exited with code %d", exitCode),
			ExitCode: &exitCode,
		}
	}

	// a start still in progress observes the exit itself
	var containerID string
	_, ok, err := m.commit(id, c, func(cur *store.Session) bool {
		containerID = cur.ContainerID
		return cur.Status == store.StatusRunning
	})
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			logger.Error("record session exit", "error", err)
		}
		return
	}
	if !ok {
		return
	}
	logger.Info("session process exited")

	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.containers.RemoveContainer(ctx, containerID); err != nil {
		logger.Warn("remove exited container", "container_id", containerID, "error", err)
	}
}
