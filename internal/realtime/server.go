// Package realtime serves the WebSocket transport, one connection per
// thread, with a per-connection heartbeat.
package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"claude-relay/internal/protocol"
	"claude-relay/internal/session"
)

const (
	writeDeadline = 10 * time.Second
	sendBufferCap = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server upgrades connections keyed by thread id and routes client messages
// into the session layer.
type Server struct {
	registry     *session.Registry
	log          *zap.Logger
	clk          clock.Clock
	pingInterval time.Duration
	readDeadline time.Duration
}

// New creates a realtime server. The heartbeat ping fires every
// pingInterval; a connection that misses a reply is closed.
func New(registry *session.Registry, log *zap.Logger, pingInterval time.Duration, clk clock.Clock) *Server {
	return &Server{
		registry:     registry,
		log:          log,
		clk:          clk,
		pingInterval: pingInterval,
		readDeadline: 2 * pingInterval,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{thread}", s.handleWebSocket)
	return mux
}

// handleWebSocket validates the thread key and upgrades the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if !protocol.ValidThreadID(threadID) {
		http.Error(w, "invalid thread id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	c := &client{
		id:       connID,
		threadID: threadID,
		conn:     conn,
		send:     make(chan []byte, sendBufferCap),
		server:   s,
		log:      s.log.With(zap.String("thread", threadID), zap.String("conn", connID)),
	}

	// Attaching swaps this connection in as the session's current socket
	// and cancels any pending grace timer.
	c.sess = s.registry.Attach(threadID, c)

	go c.writePump()
	go c.readPump()
}

// client is one WebSocket connection. Its lifetime belongs to the
// transport; the session only holds a lookup reference to it.
type client struct {
	id       string
	threadID string
	conn     *websocket.Conn
	send     chan []byte
	server   *Server
	sess     *session.Session
	log      *zap.Logger
}

// Send marshals a server message onto the outbound queue. Never blocks: a
// full queue drops the message.
func (c *client) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// readPump reads client messages until the connection dies, then drives the
// session's disconnect transition.
func (c *client) readPump() {
	defer func() {
		c.sess.Detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(c.server.clk.Now().Add(c.server.readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(c.server.clk.Now().Add(c.server.readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump drains the outbound queue and emits heartbeat pings.
func (c *client) writePump() {
	ticker := c.server.clk.Ticker(c.server.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(c.server.clk.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(c.server.clk.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage validates and dispatches one client message. Malformed
// input is reported to this socket only; session state is untouched.
func (c *client) handleMessage(raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.Send(protocol.NewError(err.Error()))
		return
	}

	switch msg.Type {
	case protocol.TypeMessage:
		c.sess.HandleMessage(msg.Content, msg.Image)
	case protocol.TypeCancel:
		c.sess.Cancel()
	}
}
