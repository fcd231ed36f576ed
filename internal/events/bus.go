// Package events fans state changes out to API subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	TypeSessionStatus = "session.status"
	TypeProjectBuild  = "project.build"
	TypeBuildLog      = "build.log"
)

const DefaultQueue = 512

type Event struct {
	ID   uint64    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// SessionStatus is the payload of a session.status event.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ProjectBuild is the payload of a project.build event.
type ProjectBuild struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Image     string `json:"image,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BuildLog carries one line of build output.
type BuildLog struct {
	ProjectID string `json:"project_id"`
	Line      string `json:"line"`
}

// Bus delivers events to subscribers without ever blocking the publisher.
// A subscriber that falls behind loses its oldest queued events.
type Bus struct {
	queue  int
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[*Subscription]struct{}
}

func NewBus(queue int, logger *slog.Logger) *Bus {
	if queue <= 0 {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{queue: queue, logger: logger, subs: make(map[*Subscription]struct{})}
}

type Subscription struct {
	ch      chan Event
	bus     *Bus
	dropped uint64
	closed  bool
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped reports how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{ch: make(chan Event, b.queue), bus: b}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) Publish(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ev := Event{ID: b.nextID, Type: typ, Time: time.Now().UTC(), Data: data}
	for s := range b.subs {
		s.deliver(ev)
	}
}

// deliver queues ev, discarding the oldest queued event when full. Only
// Publish sends, under the bus lock, so one discard always makes room.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped++
		s.bus.logger.Debug("event subscriber lagging, dropped oldest", "dropped", s.dropped)
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
