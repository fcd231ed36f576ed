// Package supervisor launches session containers and watches them until they
// exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/docker"
)

const (
	DefaultLivenessTimeout = 30 * time.Second
	DefaultLivenessSettle  = 500 * time.Millisecond

	// how long after exit the watcher lets the reader drain the stream
	drainTimeout = 2 * time.Second
	healthPoll   = 250 * time.Millisecond
)

type Runtime interface {
	RunContainer(ctx context.Context, opts docker.RunOpts) (*docker.Container, error)
	InspectContainer(ctx context.Context, id string) (*docker.State, error)
	WaitContainer(ctx context.Context, id string) (int, error)
	KillContainer(ctx context.Context, id, signal string) error
	RemoveContainer(ctx context.Context, id string) error
	ResizeContainer(ctx context.Context, id string, cols, rows uint) error
	Exec(ctx context.Context, id, user string, cmd []string) (*docker.ExecResult, error)
}

// ExitFunc is called once when a published handle's container exits on its
// own, that is without a Stop.
type ExitFunc func(sessionID string, exitCode int)

type Options struct {
	LivenessTimeout time.Duration
	LivenessSettle  time.Duration
	HealthCommand   []string
	Logger          *slog.Logger
}

type Supervisor struct {
	rt       Runtime
	registry *Registry
	opts     Options
	logger   *slog.Logger
	onExit   ExitFunc
}

func New(rt Runtime, opts Options) *Supervisor {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultLivenessTimeout
	}
	if opts.LivenessSettle <= 0 {
		opts.LivenessSettle = DefaultLivenessSettle
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{rt: rt, registry: NewRegistry(), opts: opts, logger: logger}
}

// SetExitHandler installs the push-path callback. It must be called before
// the first Launch.
func (s *Supervisor) SetExitHandler(fn ExitFunc) {
	s.onExit = fn
}

func (s *Supervisor) Registry() *Registry { return s.registry }

type LaunchRequest struct {
	SessionID string
	Opts      docker.RunOpts
}

// Launch starts the container and returns once it is confirmed live. A
// session can have at most one live handle. On any failure the container is
// removed again.
func (s *Supervisor) Launch(ctx context.Context, req LaunchRequest) (*Handle, error) {
	if err := s.registry.reserve(req.SessionID); err != nil {
		return nil, err
	}
	logger := s.logger.With("session_id", req.SessionID)

	ctr, err := s.rt.RunContainer(ctx, req.Opts)
	if err != nil {
		s.registry.release(req.SessionID)
		if errors.Is(err, docker.ErrNoIdentity) {
			return nil, apperr.Wrap(apperr.KindIdentity, "launch", err)
		}
		return nil, apperr.Wrap(apperr.KindLaunch, "launch", err)
	}

	h := newHandle(s, req.SessionID, ctr.ID, ctr.Stream)
	go s.watch(h)

	if err := s.confirm(ctx, h, req.Opts.User); err != nil {
		s.registry.release(req.SessionID)
		s.teardown(h)
		logger.Warn("launch not confirmed", "container_id", ctr.ID, "error", err)
		return nil, err
	}
	if !s.registry.publish(h) {
		s.teardown(h)
		code, _ := h.ExitCode()
		return nil, apperr.New(apperr.KindLaunch, "launch", "container exited during startup with code %d", code)
	}

	logger.Info("session container live", "container_id", ctr.ID, "image", req.Opts.Image)
	return h, nil
}

// confirm waits until the container has been running for the settle time and,
// when configured, its health command succeeds. Both are bounded by the
// liveness timeout.
func (s *Supervisor) confirm(ctx context.Context, h *Handle, user string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LivenessTimeout)
	defer cancel()

	select {
	case <-h.done:
		code, _ := h.ExitCode()
		return apperr.New(apperr.KindLaunch, "launch", "container exited during startup with code %d", code)
	case <-ctx.Done():
		return s.confirmErr(ctx)
	case <-time.After(s.opts.LivenessSettle):
	}

	st, err := s.rt.InspectContainer(ctx, h.ContainerID)
	if err != nil {
		return apperr.Wrap(apperr.KindLaunch, "launch", err)
	}
	if !st.Running {
		return apperr.New(apperr.KindLaunch, "launch", "container is %s after startup (exit code %d)", st.Status, st.ExitCode)
	}

	if len(s.opts.HealthCommand) == 0 {
		return nil
	}
	for {
		res, err := s.rt.Exec(ctx, h.ContainerID, user, s.opts.HealthCommand)
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-h.done:
			code, _ := h.ExitCode()
			return apperr.New(apperr.KindLaunch, "launch", "container exited during health check with code %d", code)
		case <-ctx.Done():
			return s.confirmErr(ctx)
		case <-time.After(healthPoll):
		}
	}
}

func (s *Supervisor) confirmErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.New(apperr.KindLaunch, "launch", "container not live within %s", s.opts.LivenessTimeout)
	}
	return ctx.Err()
}

// watch waits for the container to exit, then calls the exit handler when the
// handle was published and no stop was requested.
func (s *Supervisor) watch(h *Handle) {
	code, err := s.rt.WaitContainer(context.Background(), h.ContainerID)
	if err != nil {
		s.logger.Warn("wait for session container", "session_id", h.SessionID, "container_id", h.ContainerID, "error", err)
		code = -1
	}
	h.exitCode.Store(int64(code))
	close(h.done)
	published := s.registry.exited(h)

	select {
	case <-h.eof:
	case <-time.After(drainTimeout):
	}
	h.closeStream()

	if !published || h.stopping.Load() {
		return
	}
	s.logger.Info("session container exited", "session_id", h.SessionID, "container_id", h.ContainerID, "exit_code", code)
	if s.onExit != nil {
		s.onExit(h.SessionID, code)
	}
}

func (s *Supervisor) teardown(h *Handle) {
	h.stopping.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.rt.KillContainer(ctx, h.ContainerID, "SIGKILL"); err != nil {
		s.logger.Warn("kill container", "container_id", h.ContainerID, "error", err)
	}
	if err := s.rt.RemoveContainer(ctx, h.ContainerID); err != nil {
		s.logger.Warn("remove container", "container_id", h.ContainerID, "error", err)
	}
	h.closeStream()
}

// Stop terminates the session's container: SIGTERM, up to grace to exit,
// then SIGKILL. It returns once the container has exited; a failed removal
// of the exited container is only logged. A session without a live handle
// is a no-op.
func (s *Supervisor) Stop(ctx context.Context, sessionID string, grace time.Duration) error {
	h := s.registry.Get(sessionID)
	if h == nil {
		return nil
	}
	h.stopping.Store(true)
	logger := s.logger.With("session_id", sessionID, "container_id", h.ContainerID)

	if err := s.rt.KillContainer(ctx, h.ContainerID, "SIGTERM"); err != nil {
		logger.Warn("send SIGTERM", "error", err)
	}
	select {
	case <-h.done:
	case <-time.After(grace):
		logger.Info("grace period over, killing", "grace", grace)
		if err := s.rt.KillContainer(ctx, h.ContainerID, "SIGKILL"); err != nil {
			return fmt.Errorf("kill session container: %w", err)
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.registry.remove(h)
	h.closeStream()
	if err := s.rt.RemoveContainer(ctx, h.ContainerID); err != nil {
		logger.Warn("remove stopped container", "error", err)
	}
	logger.Info("session container stopped")
	return nil
}

// StopContainer stops a container the supervisor has no handle for, such as
// one adopted after a daemon restart.
func (s *Supervisor) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	if err := s.rt.KillContainer(ctx, containerID, "SIGTERM"); err != nil {
		s.logger.Warn("send SIGTERM", "container_id", containerID, "error", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, grace)
	_, err := s.rt.WaitContainer(waitCtx, containerID)
	cancel()
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		if err := s.rt.KillContainer(ctx, containerID, "SIGKILL"); err != nil {
			return fmt.Errorf("kill container: %w", err)
		}
		if _, err := s.rt.WaitContainer(ctx, containerID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("wait for container: %w", err)
		}
	}
	if err := s.rt.RemoveContainer(ctx, containerID); err != nil {
		s.logger.Warn("remove stopped container", "container_id", containerID, "error", err)
	}
	return nil
}

type SignalKind string

const (
	SignalInterrupt SignalKind = "interrupt"
	SignalTerminate SignalKind = "terminate"
	SignalKill      SignalKind = "kill"
)

var signals = map[SignalKind]string{
	SignalInterrupt: "SIGINT",
	SignalTerminate: "SIGTERM",
	SignalKill:      "SIGKILL",
}

func (s *Supervisor) Signal(ctx context.Context, sessionID string, kind SignalKind) error {
	sig, ok := signals[kind]
	if !ok {
		return apperr.Config("unknown signal %q", kind)
	}
	h := s.registry.Get(sessionID)
	if h == nil {
		return apperr.NotFound("session %s has no live container", sessionID)
	}
	return s.rt.KillContainer(ctx, h.ContainerID, sig)
}

// Handle returns the live handle of a session, or nil.
func (s *Supervisor) Handle(sessionID string) *Handle {
	return s.registry.Get(sessionID)
}

// IsAlive reports whether the session has a running container, either
// through its handle or, for adopted containers, by inspecting containerID.
func (s *Supervisor) IsAlive(ctx context.Context, sessionID, containerID string) (bool, error) {
	if h := s.registry.Get(sessionID); h != nil && h.Alive() {
		return true, nil
	}
	if containerID == "" {
		return false, nil
	}
	st, err := s.rt.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.Running, nil
}
