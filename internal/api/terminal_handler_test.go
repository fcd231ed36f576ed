package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/agenthub/internal/logging"
	"github.com/p-arndt/agenthub/internal/session"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
	"github.com/p-arndt/agenthub/protocol"
)

type pipeUpstream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes int
}

func newPipeUpstream() *pipeUpstream {
	pr, pw := io.Pipe()
	return &pipeUpstream{pr: pr, pw: pw}
}

func (u *pipeUpstream) Read(p []byte) (int, error) { return u.pr.Read(p) }

func (u *pipeUpstream) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.input.Write(p)
}

func (u *pipeUpstream) Resize(cols, rows uint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resizes++
	return nil
}

func (u *pipeUpstream) written() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.input.String()
}

func (u *pipeUpstream) resizeCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resizes
}

type terminalFixture struct {
	mgr   *MockSessionService
	mux   *terminal.Multiplexer
	up    *pipeUpstream
	srv   *httptest.Server
	wsURL string
}

func newTerminalFixture(t *testing.T) *terminalFixture {
	t.Helper()
	f := &terminalFixture{
		mgr: &MockSessionService{},
		mux: terminal.New(terminal.Options{Logger: logging.Discard()}),
		up:  newPipeUpstream(),
	}
	require.NoError(t, f.mux.Open("s1", f.up))

	s := testAPIServer(f.mgr)
	s.terms = f.mux
	s.routes()
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	f.wsURL = "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/sessions/s1/terminal"
	return f
}

func (f *terminalFixture) view(state terminal.State, status store.SessionStatus) {
	f.mgr.On("Get", mock.Anything, "s1").Return(&session.View{
		Session:  &store.Session{ID: "s1", Status: status},
		Terminal: state,
	}, nil)
}

func readServer(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestTerminal_BacklogInputResizeClose(t *testing.T) {
	f := newTerminalFixture(t)
	f.view(terminal.StateActive, store.StatusRunning)

	_, err := f.up.pw.Write([]byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return string(f.mux.Backlog("s1")) == "hello" }, 2*time.Second, 5*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readServer(t, conn)
	require.Equal(t, protocol.ServerOutput, msg.Type)
	data, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.WriteJSON(protocol.Input([]byte("ls\n"))))
	require.NoError(t, conn.WriteJSON(protocol.Resize(120, 40)))
	require.NoError(t, conn.WriteJSON(protocol.Resize(120, 40)))
	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{Type: protocol.ClientPing}))

	assert.Equal(t, protocol.ServerPong, readServer(t, conn).Type)
	assert.Equal(t, "ls\n", f.up.written())
	assert.Equal(t, 1, f.up.resizeCalls())

	_, err = f.up.pw.Write([]byte("live"))
	require.NoError(t, err)
	msg = readServer(t, conn)
	data, _ = msg.Bytes()
	assert.Equal(t, "live", string(data))

	f.mux.Close("s1", terminal.ReasonExited)
	msg = readServer(t, conn)
	assert.Equal(t, protocol.ServerClosed, msg.Type)
	assert.Equal(t, terminal.ReasonExited, msg.Reason)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestTerminal_InvalidMessage(t *testing.T) {
	f := newTerminalFixture(t)
	f.view(terminal.StateActive, store.StatusRunning)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "exec"}))
	msg := readServer(t, conn)
	assert.Equal(t, protocol.ServerError, msg.Type)
	assert.Contains(t, msg.Error, "unknown message type")

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{Type: protocol.ClientInput, Data: "%%%"}))
	assert.Equal(t, protocol.ServerError, readServer(t, conn).Type)
	assert.Empty(t, f.up.written())
}

func TestTerminal_DetachKeepsSession(t *testing.T) {
	f := newTerminalFixture(t)
	f.view(terminal.StateActive, store.StatusRunning)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.mux.ViewerCount("s1") == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.mux.ViewerCount("s1") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, terminal.StateActive, f.mux.State("s1"))
}

func TestTerminal_NotRunning(t *testing.T) {
	f := newTerminalFixture(t)
	f.view(terminal.StateAbsent, store.StatusStopped)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUpgraderOrigin(t *testing.T) {
	check := newUpgrader().CheckOrigin

	req := httptest.NewRequest("GET", "http://hub.local:8765/v1/sessions/s1/terminal", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://hub.local:8765")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
