package session

import "github.com/p-arndt/agenthub/internal/store"

// transitions is the closed set of allowed status changes.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.StatusStopped:  {store.StatusStarting},
	store.StatusFailed:   {store.StatusStarting},
	store.StatusStarting: {store.StatusRunning, store.StatusFailed, store.StatusStopped},
	store.StatusRunning:  {store.StatusStopped, store.StatusFailed},
}

func canTransition(from, to store.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status reasons that are not error kinds.
const (
	ReasonStarting  = "starting"
	ReasonRunning   = "running"
	ReasonRequested = "stopped"
	ReasonExited    = "exited"
)
