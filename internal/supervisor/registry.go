package supervisor

import (
	"sort"
	"sync"

	"github.com/p-arndt/agenthub/internal/apperr"
)

// Registry tracks the live handle of every session. A session id is either
// free, reserved by a launch in progress, or bound to a published handle.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	reserved map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		handles:  make(map[string]*Handle),
		reserved: make(map[string]struct{}),
	}
}

func (r *Registry) reserve(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[sessionID]; ok {
		return apperr.Conflict("session %s already has a live container", sessionID)
	}
	if _, ok := r.reserved[sessionID]; ok {
		return apperr.Conflict("session %s is already launching", sessionID)
	}
	r.reserved[sessionID] = struct{}{}
	return nil
}

func (r *Registry) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, sessionID)
}

// publish binds h to its session unless the container already exited.
func (r *Registry) publish(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, h.SessionID)
	if h.exited {
		return false
	}
	h.published = true
	r.handles[h.SessionID] = h
	return true
}

// exited marks h as gone and reports whether it had been published.
func (r *Registry) exited(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.exited = true
	if cur, ok := r.handles[h.SessionID]; ok && cur == h {
		delete(r.handles, h.SessionID)
	}
	return h.published
}

func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.SessionID]; ok && cur == h {
		delete(r.handles, h.SessionID)
	}
}

func (r *Registry) Get(sessionID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[sessionID]
}

// SessionIDs lists sessions with a live handle, sorted.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
