package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/launch"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/supervisor"
	"github.com/p-arndt/agenthub/internal/terminal"
)

// Start moves a stopped or failed session to starting and launches it in the
// background. The returned record is the starting one.
func (m *Manager) Start(ctx context.Context, id string) (*store.Session, error) {
	lock := m.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.mustSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Live() {
		return nil, apperr.Conflict("session %s is already %s", id, sess.Status)
	}
	proj, err := m.mustProject(sess.ProjectID)
	if err != nil {
		return nil, err
	}
	if proj.BuildStatus != store.BuildReady {
		return nil, apperr.Conflict("project %s is %s, not ready", proj.ID, proj.BuildStatus)
	}

	next, _, err := m.commit(id, change{To: store.StatusStarting, Reason: ReasonStarting}, nil)
	if err != nil {
		return nil, err
	}
	m.begin(id)
	return next, nil
}

// begin registers an attempt and runs the start phase on its own goroutine.
// The caller holds the session's op lock.
func (m *Manager) begin(id string) {
	ctx, cancel := context.WithCancel(m.ctx)
	a := &attempt{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	m.attemptsMu.Lock()
	m.attempts[id] = a
	m.attemptsMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runStart(a, id)
	}()
}

func (m *Manager) runStart(a *attempt, id string) {
	defer close(a.done)
	defer m.clearAttempt(id, a)
	defer a.cancel()

	logger := m.logger.With("session_id", id)
	image, h, err := m.launch(a.ctx, id)
	if err != nil {
		if a.ctx.Err() != nil {
			logger.Info("session start cancelled", "error", err)
			return
		}
		logger.Warn("session start failed", "error", err)
		if _, _, err := m.commit(id, change{
			To:      store.StatusFailed,
			Reason:  string(apperr.KindOf(err)),
			Message: err.Error(),
		}, startingOnly); err != nil {
			logger.Error("commit failed", "error", err)
		}
		return
	}

	if err := m.terms.Open(id, h); err != nil {
		logger.Warn("open terminal", "error", err)
	}

	var exited bool
	_, ok, err := m.commit(id, change{
		To:            store.StatusRunning,
		Reason:        ReasonRunning,
		SnapshotImage: image,
		ContainerID:   h.ContainerID,
	}, func(cur *store.Session) bool {
		if a.ctx.Err() != nil || cur.Status != store.StatusStarting {
			return false
		}
		exited = !h.Alive()
		return !exited
	})
	if err != nil {
		logger.Error("commit running", "error", err)
	}
	if ok {
		return
	}

	m.terms.Close(id, terminal.ReasonStopped)
	if exited {
		code, _ := h.ExitCode()
		if _, _, err := m.commit(id, change{
			To:            store.StatusFailed,
			Reason:        string(apperr.KindLaunch),
			Message:       fmt.Sprintf("container exited during startup with code %d", code),
			SnapshotImage: image,
			ExitCode:      &code,
		}, startingOnly); err != nil {
			logger.Error("commit failed", "error", err)
		}
	}
	m.teardown(id, h)
}

// teardown stops a handle the start phase launched but could not hand over.
func (m *Manager) teardown(id string, h *supervisor.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopGrace+30*time.Second)
	defer cancel()
	if err := m.sup.Stop(ctx, id, m.opts.StopGrace); err != nil {
		m.logger.Warn("stop abandoned container", "session_id", id, "error", err)
	}
	if err := m.containers.RemoveContainer(ctx, h.ContainerID); err != nil {
		m.logger.Warn("remove abandoned container", "session_id", id, "container_id", h.ContainerID, "error", err)
	}
}

func startingOnly(cur *store.Session) bool {
	return cur.Status == store.StatusStarting
}

// launch runs the start phase: workspace, mounts, snapshot, container.
func (m *Manager) launch(ctx context.Context, id string) (string, *supervisor.Handle, error) {
	sess, err := m.mustSession(id)
	if err != nil {
		return "", nil, err
	}
	proj, err := m.mustProject(sess.ProjectID)
	if err != nil {
		return "", nil, err
	}

	if err := m.ws.Ensure(ctx, proj.RepoURL, proj.DefaultBranch, sess.WorkspacePath); err != nil {
		return "", nil, apperr.Classify(err, apperr.KindLaunch, "workspace")
	}

	mounts, err := m.planner.Mounts(toLaunchMounts(proj.DefaultMounts), toLaunchMounts(sess.Mounts),
		launch.Mount{HostPath: sess.WorkspacePath, ContainerPath: sess.ContainerWorkdir})
	if err != nil {
		return "", nil, err
	}

	image, err := m.snapshots.Ensure(ctx, proj)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", nil, err
		}
		return "", nil, apperr.Classify(err, apperr.KindBuild, "snapshot")
	}

	opts, err := m.planner.RunOpts(launch.Spec{
		SessionID: sess.ID,
		ProjectID: proj.ID,
		Image:     image,
		Workdir:   sess.ContainerWorkdir,
		Mounts:    mounts,
		Env:       launch.MergeEnv(proj.DefaultEnv, sess.Env),
	})
	if err != nil {
		return "", nil, err
	}

	h, err := m.sup.Launch(ctx, supervisor.LaunchRequest{SessionID: sess.ID, Opts: opts})
	if err != nil {
		return "", nil, err
	}
	if ctx.Err() != nil {
		m.teardown(id, h)
		return "", nil, ctx.Err()
	}
	return image, h, nil
}
