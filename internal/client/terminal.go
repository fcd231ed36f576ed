package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-arndt/agenthub/protocol"
)

// DetachKey (Ctrl-]) ends an attach and leaves the session running.
const DetachKey = 0x1d

const keepalive = 30 * time.Second

var ErrDetached = errors.New("detached")

// ClosedError reports that the daemon closed the terminal, for example
// because the session exited or was stopped.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string { return "terminal closed: " + e.Reason }

// Terminal is one attached viewer connection.
type Terminal struct {
	conn *websocket.Conn

	// OnError, when set, receives non-fatal errors reported by the daemon.
	OnError func(msg string)

	writeMu sync.Mutex
}

func (c *Client) wsURL(path string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + path
	return u.String()
}

// DialTerminal attaches to a running session's terminal.
func (c *Client) DialTerminal(ctx context.Context, id string) (*Terminal, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL("/v1/sessions/"+url.PathEscape(id)+"/terminal"), header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			defer resp.Body.Close()
			apiErr := &Error{Status: resp.StatusCode}
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(data))
			}
			return nil, apiErr
		}
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}
	return &Terminal{conn: conn}, nil
}

func (t *Terminal) send(msg protocol.ClientMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(msg)
}

func (t *Terminal) Resize(cols, rows uint) error {
	return t.send(protocol.Resize(cols, rows))
}

func (t *Terminal) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// Run copies in to the session and its output to out. It returns a
// *ClosedError when the daemon closes the terminal, ErrDetached when in
// yields DetachKey or ends, or ctx's error.
func (t *Terminal) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	errCh := make(chan error, 3)

	go func() {
		for {
			var msg protocol.ServerMessage
			if err := t.conn.ReadJSON(&msg); err != nil {
				errCh <- fmt.Errorf("terminal read: %w", err)
				return
			}
			switch msg.Type {
			case protocol.ServerOutput:
				p, err := msg.Bytes()
				if err != nil {
					continue
				}
				if _, err := out.Write(p); err != nil {
					errCh <- err
					return
				}
			case protocol.ServerClosed:
				errCh <- &ClosedError{Reason: msg.Reason}
				return
			case protocol.ServerError:
				if t.OnError != nil {
					t.OnError(msg.Error)
				}
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				i := bytes.IndexByte(chunk, DetachKey)
				if i >= 0 {
					chunk = chunk[:i]
				}
				if len(chunk) > 0 {
					if err := t.send(protocol.Input(chunk)); err != nil {
						errCh <- err
						return
					}
				}
				if i >= 0 {
					errCh <- ErrDetached
					return
				}
			}
			if err != nil {
				errCh <- ErrDetached
				return
			}
		}
	}()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := t.send(protocol.ClientMessage{Type: protocol.ClientPing}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
