package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/docker"
)

// FakeContainer is one simulated session container.
type FakeContainer struct {
	ID     string
	Opts   docker.RunOpts
	exited chan struct{}
	code   int
	gone   bool

	out   *io.PipeWriter
	in    bytes.Buffer
	inMu  sync.Mutex
	sizes [][2]uint
}

// Input returns everything written to the container's tty.
func (c *FakeContainer) Input() string {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.in.String()
}

type fakeStream struct {
	r *io.PipeReader
	c *FakeContainer
}

func (s fakeStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s fakeStream) Write(p []byte) (int, error) {
	s.c.inMu.Lock()
	defer s.c.inMu.Unlock()
	return s.c.in.Write(p)
}

func (s fakeStream) Close() error { return s.r.Close() }

// FakeDocker simulates the container engine for supervisor and orchestrator
// tests. Containers run until killed, removed or told to exit.
type FakeDocker struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	order      []string
	next       int

	// RunErr fails every RunContainer call.
	RunErr error
	// IgnoreTerm makes containers survive SIGTERM.
	IgnoreTerm bool
	// RunHook runs inside RunContainer before the container is returned.
	RunHook func(opts docker.RunOpts)
	// RemoveHook runs at the start of RemoveContainer.
	RemoveHook func(id string)
}

func NewFakeDocker() *FakeDocker {
	return &FakeDocker{containers: make(map[string]*FakeContainer)}
}

func (f *FakeDocker) RunContainer(ctx context.Context, opts docker.RunOpts) (*docker.Container, error) {
	if f.RunHook != nil {
		f.RunHook(opts)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RunErr != nil {
		return nil, f.RunErr
	}
	if opts.User == "" {
		return nil, docker.ErrNoIdentity
	}
	f.next++
	pr, pw := io.Pipe()
	c := &FakeContainer{
		ID:     fmt.Sprintf("ctr-%d", f.next),
		Opts:   opts,
		exited: make(chan struct{}),
		out:    pw,
	}
	f.containers[c.ID] = c
	f.order = append(f.order, c.ID)
	return &docker.Container{ID: c.ID, Stream: fakeStream{r: pr, c: c}}, nil
}

func (f *FakeDocker) exitLocked(c *FakeContainer, code int) {
	select {
	case <-c.exited:
		return
	default:
	}
	c.code = code
	close(c.exited)
	c.out.Close()
}

// Exit makes a container exit with code.
func (f *FakeDocker) Exit(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		f.exitLocked(c, code)
	}
}

// Vanish removes a container behind the control plane's back.
func (f *FakeDocker) Vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		f.exitLocked(c, 137)
		c.gone = true
	}
}

// Emit writes p to a container's tty output. It blocks until read.
func (f *FakeDocker) Emit(id string, p []byte) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no container %s", id)
	}
	_, err := c.out.Write(p)
	return err
}

// AddOrphan registers a running managed container no session knows about.
func (f *FakeDocker) AddOrphan(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	_, pw := io.Pipe()
	c := &FakeContainer{
		ID: fmt.Sprintf("ctr-%d", f.next),
		Opts: docker.RunOpts{Labels: map[string]string{
			docker.LabelRole:      docker.RoleSession,
			docker.LabelSessionID: sessionID,
		}},
		exited: make(chan struct{}),
		out:    pw,
	}
	f.containers[c.ID] = c
	f.order = append(f.order, c.ID)
	return c.ID
}

func (f *FakeDocker) Container(id string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

// Last returns the most recently created container.
func (f *FakeDocker) Last() *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return nil
	}
	return f.containers[f.order[len(f.order)-1]]
}

// Created counts RunContainer successes.
func (f *FakeDocker) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// Live counts containers that are still running.
func (f *FakeDocker) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		select {
		case <-c.exited:
		default:
			n++
		}
	}
	return n
}

func (f *FakeDocker) InspectContainer(ctx context.Context, id string) (*docker.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.gone {
		return nil, fmt.Errorf("%w: container %s", apperr.ErrNotFound, id)
	}
	select {
	case <-c.exited:
		return &docker.State{Status: "exited", ExitCode: c.code}, nil
	default:
		return &docker.State{Running: true, Status: "running"}, nil
	}
}

func (f *FakeDocker) WaitContainer(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("%w: container %s", apperr.ErrNotFound, id)
	}
	select {
	case <-c.exited:
		return c.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *FakeDocker) KillContainer(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	switch signal {
	case "SIGKILL":
		f.exitLocked(c, 137)
	case "SIGTERM":
		if !f.IgnoreTerm {
			f.exitLocked(c, 143)
		}
	}
	return nil
}

func (f *FakeDocker) RemoveContainer(ctx context.Context, id string) error {
	if f.RemoveHook != nil {
		f.RemoveHook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		f.exitLocked(c, 137)
		c.gone = true
	}
	return nil
}

func (f *FakeDocker) ResizeContainer(ctx context.Context, id string, cols, rows uint) error {
	f.mu.Lock()
	c, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: container %s", apperr.ErrNotFound, id)
	}
	c.inMu.Lock()
	defer c.inMu.Unlock()
	c.sizes = append(c.sizes, [2]uint{cols, rows})
	return nil
}

// Sizes returns every resize applied to a container.
func (c *FakeContainer) Sizes() [][2]uint {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return append([][2]uint(nil), c.sizes...)
}

func (f *FakeDocker) Exec(ctx context.Context, id, user string, cmd []string) (*docker.ExecResult, error) {
	return &docker.ExecResult{}, nil
}

func (f *FakeDocker) ListManagedContainers(ctx context.Context, role string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, id := range f.order {
		c := f.containers[id]
		if c.gone {
			continue
		}
		if role != "" && c.Opts.Labels[docker.LabelRole] != role {
			continue
		}
		running := true
		select {
		case <-c.exited:
			running = false
		default:
		}
		out = append(out, docker.ContainerInfo{
			ContainerID: c.ID,
			SessionID:   c.Opts.Labels[docker.LabelSessionID],
			ProjectID:   c.Opts.Labels[docker.LabelProjectID],
			Role:        c.Opts.Labels[docker.LabelRole],
			Running:     running,
		})
	}
	return out, nil
}
