package realtime

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claude-relay/internal/session"
)

type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	exitCode         chan int
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exitCode: make(chan int, 1)}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }
func (p *fakeProcess) Interrupt() error  { return nil }
func (p *fakeProcess) Kill() error       { return nil }
func (p *fakeProcess) Wait() int         { return <-p.exitCode }

func (p *fakeProcess) finish(t *testing.T, lines []string, code int) {
	t.Helper()
	for _, line := range lines {
		_, err := p.stdoutW.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	p.stdoutW.Close()
	p.stderrW.Close()
	p.exitCode <- code
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs chan *fakeProcess
}

func (l *fakeLauncher) Launch(threadID, prompt string) (session.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess()
	l.procs <- p
	return p, nil
}

func newTestServer(t *testing.T, pingInterval time.Duration) (*httptest.Server, *fakeLauncher, *session.Registry) {
	t.Helper()
	launcher := &fakeLauncher{procs: make(chan *fakeProcess, 8)}
	reg := session.NewRegistry(launcher, nil, nil, clock.New(), zap.NewNop(), session.Options{
		GracePeriod:      45 * time.Second,
		MaxContextTokens: 200_000,
		ShutdownTimeout:  10 * time.Millisecond,
	})
	srv := New(reg, zap.NewNop(), pingInterval, clock.New())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, launcher, reg
}

func dial(t *testing.T, ts *httptest.Server, threadID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + threadID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_InvalidThreadIDRejected(t *testing.T) {
	ts, _, _ := newTestServer(t, 30*time.Second)

	for _, id := range []string{"abc1", "T-ABC1", "t-abc1"} {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + id
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err, "thread id %q must be rejected", id)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

// TestWebSocket_MessageFlow covers the canonical happy path: ready, then a
// usage snapshot before any text, then done with code 0.
func TestWebSocket_MessageFlow(t *testing.T) {
	ts, launcher, _ := newTestServer(t, 30*time.Second)
	conn := dial(t, ts, "T-abc1")

	ready := readMessage(t, conn)
	require.Equal(t, "ready", ready["type"])

	snapshot := readMessage(t, conn)
	require.Equal(t, "usage", snapshot["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "message", "content": "hi"}))

	var proc *fakeProcess
	select {
	case proc = <-launcher.procs:
	case <-time.After(2 * time.Second):
		t.Fatal("child was not spawned")
	}
	proc.finish(t, []string{
		`{"type":"assistant","message":{"usage":{"input_tokens":12,"output_tokens":34},"content":[{"type":"text","text":"hello"}]}}`,
	}, 0)

	var kinds []string
	for {
		msg := readMessage(t, conn)
		kinds = append(kinds, msg["type"].(string))
		if msg["type"] == "done" {
			require.EqualValues(t, 0, msg["code"])
			break
		}
	}
	require.Equal(t, []string{"usage", "text", "done"}, kinds)
}

func TestWebSocket_MalformedMessageReportsErrorOnly(t *testing.T) {
	ts, _, _ := newTestServer(t, 30*time.Second)
	conn := dial(t, ts, "T-abc1")

	readMessage(t, conn) // ready
	readMessage(t, conn) // usage snapshot

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nonsense")))
	errMsg := readMessage(t, conn)
	require.Equal(t, "error", errMsg["type"])

	// The connection and session survive a bad message.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "cancel"}))
}

func TestWebSocket_ReconnectGetsFreshSnapshot(t *testing.T) {
	ts, launcher, _ := newTestServer(t, 30*time.Second)

	first := dial(t, ts, "T-abc1")
	readMessage(t, first) // ready
	readMessage(t, first) // usage

	require.NoError(t, first.WriteJSON(map[string]any{"type": "message", "content": "work"}))
	proc := <-launcher.procs
	first.Close()

	// Reconnect while the child is still running: only the handshake is
	// replayed, never buffered mid-turn events.
	second := dial(t, ts, "T-abc1")
	ready := readMessage(t, second)
	require.Equal(t, "ready", ready["type"])
	snapshot := readMessage(t, second)
	require.Equal(t, "usage", snapshot["type"])

	proc.finish(t, nil, 0)
	done := readMessage(t, second)
	require.Equal(t, "done", done["type"])
}

// TestWebSocket_MissedPongDisconnects covers the heartbeat: a client that
// swallows pings is closed once the read deadline (twice the ping interval)
// passes, and the close drives the idle session out of the registry.
func TestWebSocket_MissedPongDisconnects(t *testing.T) {
	ts, _, reg := newTestServer(t, 20*time.Millisecond)
	conn := dial(t, ts, "T-abc1")

	// Swallow pings instead of answering them; the default handler would
	// pong and keep the connection alive.
	conn.SetPingHandler(func(string) error { return nil })

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	// Keep reading so ping frames are consumed; the server must give up and
	// close the connection from its side.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
