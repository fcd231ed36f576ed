package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/p-arndt/agenthub/internal/events"
)

// setupSSE configures headers for Server-Sent Events streaming.
func setupSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, nil
}

// handleEvents streams bus events. ?types= takes a comma separated list of
// event types to keep.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, err := setupSSE(w)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var keep map[string]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		keep = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				keep[t] = true
			}
		}
	}

	sub := s.events.Subscribe()
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if keep != nil && !keep[ev.Type] {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("write event", "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
