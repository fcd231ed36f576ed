package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is a launched session container. It reads and writes the raw tty
// stream and reports the exit code once the container is gone.
type Handle struct {
	SessionID   string
	ContainerID string
	StartedAt   time.Time

	stream io.ReadWriteCloser
	sup    *Supervisor

	done     chan struct{}
	exitCode atomic.Int64
	stopping atomic.Bool

	eofOnce sync.Once
	eof     chan struct{}

	// guarded by the registry lock
	published bool
	exited    bool
}

func newHandle(sup *Supervisor, sessionID, containerID string, stream io.ReadWriteCloser) *Handle {
	if stream == nil {
		stream = nopStream{}
	}
	h := &Handle{
		SessionID:   sessionID,
		ContainerID: containerID,
		StartedAt:   time.Now().UTC(),
		stream:      stream,
		sup:         sup,
		done:        make(chan struct{}),
		eof:         make(chan struct{}),
	}
	h.exitCode.Store(-1)
	return h
}

func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.stream.Read(p)
	if err != nil {
		h.eofOnce.Do(func() { close(h.eof) })
	}
	return n, err
}

func (h *Handle) Write(p []byte) (int, error) {
	return h.stream.Write(p)
}

func (h *Handle) Resize(cols, rows uint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.sup.rt.ResizeContainer(ctx, h.ContainerID, cols, rows)
}

// ExitCode reports the exit code without blocking; ok is false while the
// container is still running.
func (h *Handle) ExitCode() (code int, ok bool) {
	select {
	case <-h.done:
		return int(h.exitCode.Load()), true
	default:
		return 0, false
	}
}

// Wait blocks until the container exits or ctx ends.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return int(h.exitCode.Load()), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stopping reports whether a stop was requested for this handle.
func (h *Handle) Stopping() bool { return h.stopping.Load() }

func (h *Handle) closeStream() {
	h.stream.Close()
}

type nopStream struct{}

func (nopStream) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }
