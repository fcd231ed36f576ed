// Package session owns the lifecycle of projects and their sessions: it
// drives the snapshot builder, the supervisor and the terminal multiplexer,
// and keeps the store consistent with what is actually running.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/events"
	"github.com/p-arndt/agenthub/internal/store"
)

const DefaultStopGrace = 10 * time.Second

type Deps struct {
	Store      SessionStore
	Snapshots  Snapshots
	Supervisor Supervisor
	Terminals  Terminals
	Workspaces Workspaces
	Planner    Planner
	Containers Containers
	Events     Publisher
	Presenter  *Presenter
}

type Options struct {
	StopGrace     time.Duration
	WorkspacesDir string
	// ContainerRoot is where project workdirs live inside containers.
	ContainerRoot string
	Logger        *slog.Logger
}

type Manager struct {
	store      SessionStore
	snapshots  Snapshots
	sup        Supervisor
	terms      Terminals
	ws         Workspaces
	planner    Planner
	containers Containers
	events     Publisher
	presenter  *Presenter
	opts       Options
	logger     *slog.Logger

	// opLocks serialize start, stop, delete and reset; stateLocks guard
	// status commits against the exit push path.
	locksMu    sync.Mutex
	opLocks    map[string]*sync.Mutex
	stateLocks map[string]*sync.Mutex

	// attemptsMu guards attempts and stopping.
	attemptsMu sync.Mutex
	attempts   map[string]*attempt
	stopping   map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// attempt is one in-flight asynchronous start.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      deps.Store,
		snapshots:  deps.Snapshots,
		sup:        deps.Supervisor,
		terms:      deps.Terminals,
		ws:         deps.Workspaces,
		planner:    deps.Planner,
		containers: deps.Containers,
		events:     deps.Events,
		presenter:  deps.Presenter,
		opts:       opts,
		logger:     logger,
		opLocks:    make(map[string]*sync.Mutex),
		stateLocks: make(map[string]*sync.Mutex),
		attempts:   make(map[string]*attempt),
		stopping:   make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.sup.SetExitHandler(m.handleExit)
	return m
}

// Close cancels in-flight starts and background builds and waits for them.
// Running containers are left alone; Reconcile adopts or fails them on the
// next start.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	if m.presenter != nil {
		m.presenter.Close()
	}
}

func (m *Manager) opLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.opLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.opLocks[id] = mu
	}
	return mu
}

func (m *Manager) stateLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.stateLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.stateLocks[id] = mu
	}
	return mu
}

func (m *Manager) dropLocks(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.opLocks, id)
	delete(m.stateLocks, id)
}

func (m *Manager) attemptFor(id string) *attempt {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	return m.attempts[id]
}

func (m *Manager) clearAttempt(id string, a *attempt) {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	if m.attempts[id] == a {
		delete(m.attempts, id)
	}
}

// InFlight reports whether a start is running for the session.
func (m *Manager) InFlight(id string) bool {
	return m.attemptFor(id) != nil
}

// markStopping flags a requested stop until the returned func is called.
// Reconcile leaves such sessions to the stop.
func (m *Manager) markStopping(id string) func() {
	m.attemptsMu.Lock()
	m.stopping[id]++
	m.attemptsMu.Unlock()
	return func() {
		m.attemptsMu.Lock()
		defer m.attemptsMu.Unlock()
		if m.stopping[id]--; m.stopping[id] <= 0 {
			delete(m.stopping, id)
		}
	}
}

// busy reports a start or stop in progress for the session.
func (m *Manager) busy(id string) bool {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()
	return m.attempts[id] != nil || m.stopping[id] > 0
}

func (m *Manager) mustSession(id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.NotFound("session %s not found", id)
	}
	return sess, nil
}

func (m *Manager) mustProject(id string) (*store.Project, error) {
	p, err := m.store.GetProject(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("project %s not found", id)
	}
	return p, nil
}

// change is a requested status transition. An empty SnapshotImage keeps the
// recorded one; ContainerID is written as given.
type change struct {
	To            store.SessionStatus
	Reason        string
	Message       string
	SnapshotImage string
	ContainerID   string
	ExitCode      *int
}

// commit applies c under the session's state lock. allow, when set, sees the
// current record and can veto the change; a vetoed commit returns false and
// no error.
func (m *Manager) commit(id string, c change, allow func(cur *store.Session) bool) (*store.Session, bool, error) {
	mu := m.stateLock(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := m.mustSession(id)
	if err != nil {
		return nil, false, err
	}
	if allow != nil && !allow(cur) {
		return cur, false, nil
	}
	if !canTransition(cur.Status, c.To) {
		return cur, false, apperr.Conflict("session %s cannot go from %s to %s", id, cur.Status, c.To)
	}

	image := c.SnapshotImage
	if image == "" {
		image = cur.SnapshotImage
	}
	if err := m.store.UpdateSessionStatus(id, store.StatusUpdate{
		Status:        c.To,
		Reason:        c.Reason,
		Message:       c.Message,
		SnapshotImage: image,
		ContainerID:   c.ContainerID,
		ExitCode:      c.ExitCode,
	}); err != nil {
		return cur, false, err
	}

	from := cur.Status
	next := *cur
	next.Status = c.To
	next.StatusReason = c.Reason
	next.StatusMessage = c.Message
	next.SnapshotImage = image
	next.ContainerID = c.ContainerID
	if c.ExitCode != nil {
		next.LastExitCode = c.ExitCode
	}
	next.StatusChangedAt = time.Now().UTC()
	next.UpdatedAt = next.StatusChangedAt

	m.logger.Info("session transition", "session_id", id, "from", from, "to", c.To, "reason", c.Reason)
	m.publishStatus(&next, from)
	return &next, true, nil
}

func (m *Manager) publishStatus(s *store.Session, from store.SessionStatus) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.TypeSessionStatus, events.SessionStatus{
		SessionID: s.ID,
		ProjectID: s.ProjectID,
		From:      string(from),
		To:        string(s.Status),
		Reason:    s.StatusReason,
		Message:   s.StatusMessage,
	})
}
