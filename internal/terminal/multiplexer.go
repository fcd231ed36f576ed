// Package terminal fans one session's tty stream out to any number of viewers.
//
// Each running session has one entry: the upstream stream, a bounded backlog
// replayed to late joiners, the last requested size and the attached
// viewers. An entry goes absent → active → closed; a closed entry is never
// reused, a restart opens a new one.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/p-arndt/agenthub/internal/apperr"
)

// Upstream is the process side of a terminal.
type Upstream interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint) error
}

type EventKind int

const (
	EventOutput EventKind = iota
	EventClosed
)

// Close reasons delivered to viewers.
const (
	ReasonExited  = "exited"
	ReasonStopped = "stopped"
	ReasonLagging = "lagging"
)

type Event struct {
	Kind   EventKind
	Data   []byte
	Reason string
}

type State string

const (
	StateAbsent State = "absent"
	StateActive State = "active"
)

var ErrInvalidSize = errors.New("terminal size must be positive")

const DefaultViewerQueue = 256

// Observer sees every output chunk after it was fanned out. It must not block.
type Observer func(sessionID string, p []byte)

type Options struct {
	BacklogBytes int
	ViewerQueue  int
	Observer     Observer
	Logger       *slog.Logger
}

type Multiplexer struct {
	opts    Options
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[string]*entry
}

func New(opts Options) *Multiplexer {
	if opts.BacklogBytes <= 0 {
		opts.BacklogBytes = DefaultBacklogBytes
	}
	if opts.ViewerQueue <= 0 {
		opts.ViewerQueue = DefaultViewerQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

type entry struct {
	sessionID string
	upstream  Upstream

	mu      sync.Mutex
	backlog *backlog
	viewers map[string]*Viewer
	closed  bool

	inputMu sync.Mutex

	resizeMu   sync.Mutex
	cols, rows uint
}

// Viewer is one attached connection. Events delivers the backlog first, then
// live output, and finally a closed event before the channel is closed.
type Viewer struct {
	ID     string
	ch     chan Event
	entry  *entry
	closed bool
	m      *Multiplexer
}

func (v *Viewer) Events() <-chan Event { return v.ch }

// Detach unsubscribes the viewer. Safe to call more than once.
func (v *Viewer) Detach() {
	e := v.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	if v.closed {
		return
	}
	delete(e.viewers, v.ID)
	v.closed = true
	close(v.ch)
	v.m.logger.Debug("terminal viewer detached", "session_id", e.sessionID, "viewer_id", v.ID)
}

// Open registers the upstream of a freshly started session and starts pumping
// its output.
func (m *Multiplexer) Open(sessionID string, up Upstream) error {
	m.mu.Lock()
	if _, ok := m.entries[sessionID]; ok {
		m.mu.Unlock()
		return apperr.Conflict("terminal for session %s is already active", sessionID)
	}
	e := &entry{
		sessionID: sessionID,
		upstream:  up,
		backlog:   newBacklog(m.opts.BacklogBytes),
		viewers:   make(map[string]*Viewer),
	}
	m.entries[sessionID] = e
	m.mu.Unlock()

	go m.pump(e)
	m.logger.Debug("terminal opened", "session_id", sessionID)
	return nil
}

func (m *Multiplexer) pump(e *entry) {
	buf := make([]byte, 32*1024)
	for {
		n, err := e.upstream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !m.broadcast(e, chunk) {
				return
			}
			if m.opts.Observer != nil {
				m.opts.Observer(e.sessionID, chunk)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debug("terminal upstream read ended", "session_id", e.sessionID, "error", err)
			}
			m.closeEntry(e, ReasonExited)
			return
		}
	}
}

// broadcast appends chunk to the backlog and queues it for every viewer.
// One slot of each queue is kept for the closed event; a viewer that would
// need it for output is evicted as lagging.
func (m *Multiplexer) broadcast(e *entry, chunk []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.backlog.write(chunk)
	for id, v := range e.viewers {
		if len(v.ch) >= cap(v.ch)-1 {
			m.logger.Warn("terminal viewer lagging, evicting", "session_id", e.sessionID, "viewer_id", id)
			v.ch <- Event{Kind: EventClosed, Reason: ReasonLagging}
			close(v.ch)
			v.closed = true
			delete(e.viewers, id)
			continue
		}
		v.ch <- Event{Kind: EventOutput, Data: chunk}
	}
	return true
}

func (m *Multiplexer) get(sessionID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, apperr.NotFound("no active terminal for session %s", sessionID)
	}
	return e, nil
}

// Attach registers a viewer and queues the current backlog as its first event.
func (m *Multiplexer) Attach(sessionID string) (*Viewer, error) {
	e, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, apperr.NotFound("no active terminal for session %s", sessionID)
	}

	v := &Viewer{
		ID:    uuid.New().String()[:8],
		ch:    make(chan Event, m.opts.ViewerQueue+1),
		entry: e,
		m:     m,
	}
	if data := e.backlog.bytes(); len(data) > 0 {
		v.ch <- Event{Kind: EventOutput, Data: data}
	}
	e.viewers[v.ID] = v
	m.logger.Debug("terminal viewer attached", "session_id", sessionID, "viewer_id", v.ID, "backlog_bytes", e.backlog.len())
	return v, nil
}

// SendInput writes p to the shared upstream. Writes from different viewers
// are applied in arrival order.
func (m *Multiplexer) SendInput(sessionID string, p []byte) error {
	e, err := m.get(sessionID)
	if err != nil {
		return err
	}
	e.inputMu.Lock()
	defer e.inputMu.Unlock()
	if _, err := e.upstream.Write(p); err != nil {
		return fmt.Errorf("terminal input: %w", err)
	}
	return nil
}

// Resize applies the last requested size. A size equal to the current one is
// not forwarded.
func (m *Multiplexer) Resize(sessionID string, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return ErrInvalidSize
	}
	e, err := m.get(sessionID)
	if err != nil {
		return err
	}
	e.resizeMu.Lock()
	defer e.resizeMu.Unlock()
	if e.cols == cols && e.rows == rows {
		return nil
	}
	if err := e.upstream.Resize(cols, rows); err != nil {
		return fmt.Errorf("terminal resize: %w", err)
	}
	e.cols, e.rows = cols, rows
	return nil
}

// Close notifies every viewer with reason and removes the entry. It returns
// once all viewers have been notified. Closing an absent session is a no-op.
func (m *Multiplexer) Close(sessionID, reason string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.closeEntry(e, reason)
}

func (m *Multiplexer) closeEntry(e *entry, reason string) {
	m.mu.Lock()
	if cur, ok := m.entries[e.sessionID]; ok && cur == e {
		delete(m.entries, e.sessionID)
	}
	m.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	n := len(e.viewers)
	for id, v := range e.viewers {
		v.ch <- Event{Kind: EventClosed, Reason: reason}
		close(v.ch)
		v.closed = true
		delete(e.viewers, id)
	}
	e.mu.Unlock()

	m.logger.Info("terminal closed", "session_id", e.sessionID, "reason", reason, "viewers", n)
}

func (m *Multiplexer) State(sessionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[sessionID]; ok {
		return StateActive
	}
	return StateAbsent
}

// Backlog returns a copy of the session's current backlog.
func (m *Multiplexer) Backlog(sessionID string) []byte {
	e, err := m.get(sessionID)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backlog.bytes()
}

func (m *Multiplexer) ViewerCount(sessionID string) int {
	e, err := m.get(sessionID)
	if err != nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.viewers)
}
