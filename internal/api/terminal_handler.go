package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/terminal"
	"github.com/p-arndt/agenthub/protocol"
)

const (
	wsWriteWait       = 10 * time.Second
	wsMaxMessageBytes = 1 << 20
)

// newUpgrader accepts handshakes without an Origin (CLI clients) and
// same-host browser origins.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if v.Terminal != terminal.StateActive {
		writeAPIError(w, apperr.Conflict("session %s is %s, no terminal to attach", id, v.Status))
		return
	}
	viewer, err := s.terms.Attach(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer viewer.Detach()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("terminal upgrade", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageBytes)

	log := s.logger.With("session_id", id, "viewer_id", viewer.ID, "request_id", requestID(r.Context()))
	log.Info("terminal attached")

	var writeMu sync.Mutex
	send := func(msg protocol.ServerMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range viewer.Events() {
			switch ev.Kind {
			case terminal.EventOutput:
				if err := send(protocol.Output(ev.Data)); err != nil {
					log.Debug("terminal write", "error", err)
					conn.Close()
					return
				}
			case terminal.EventClosed:
				send(protocol.Closed(ev.Reason))
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Reason),
					time.Now().Add(wsWriteWait))
				writeMu.Unlock()
				// unblocks the read loop below
				conn.Close()
				return
			}
		}
	}()

	for {
		var msg protocol.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("terminal read", "error", err)
			}
			break
		}
		if err := msg.Validate(); err != nil {
			send(protocol.Error(err.Error()))
			continue
		}

		switch msg.Type {
		case protocol.ClientInput:
			p, _ := msg.Bytes()
			if err := s.terms.SendInput(id, p); err != nil {
				send(protocol.Error(err.Error()))
			}
		case protocol.ClientResize:
			if err := s.terms.Resize(id, msg.Cols, msg.Rows); err != nil {
				send(protocol.Error(err.Error()))
			}
		case protocol.ClientPing:
			send(protocol.ServerMessage{Type: protocol.ServerPong})
		}
	}

	viewer.Detach()
	<-done
	log.Info("terminal detached")
}
