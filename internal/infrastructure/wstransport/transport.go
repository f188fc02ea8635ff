// Package wstransport carries the client-facing websocket connections and
// maps logical user ids onto live sockets. The presence layer addresses
// users, never sockets.
package wstransport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Transport is a gorilla/websocket coordination.Transport. A user may hold
// several connections (multiple tabs); outbound sends fan out to all of
// them, and disconnect is only reported when the last connection to a
// namespace closes.
type Transport struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handler  coordination.TransportHandler
	conns    map[string]map[*connection]struct{} // userID -> connections
	nsCounts map[nsUserKey]int
	closed   bool
}

type nsUserKey struct {
	namespaceID string
	userID      string
}

// New creates an unbound transport. Bind must be called before Serve.
func New(log zerolog.Logger) *Transport {
	return &Transport{
		log: log.With().Str("component", "ws-transport").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks are the gateway's job in this deployment.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]map[*connection]struct{}),
		nsCounts: make(map[nsUserKey]int),
	}
}

// Bind installs the event handler.
func (t *Transport) Bind(handler coordination.TransportHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Serve upgrades an HTTP request to a websocket connection for userID in
// namespaceID and blocks until the connection closes.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request, namespaceID, userID string) error {
	t.mu.RLock()
	handler := t.handler
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}
	if handler == nil {
		http.Error(w, "transport not ready", http.StatusServiceUnavailable)
		return nil
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return err
	}

	conn := &connection{
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		namespaceID: namespaceID,
		userID:      userID,
	}

	first := t.register(conn)
	if first {
		handler.HandleConnect(r.Context(), namespaceID, userID)
	}

	t.log.Debug().
		Str("namespace_id", namespaceID).
		Str("user_id", userID).
		Msg("websocket connected")

	go conn.writePump()
	t.readPump(conn, handler)
	return nil
}

// SendToUser delivers payload to every local connection of userID.
func (t *Transport) SendToUser(ctx context.Context, userID string, payload []byte) error {
	t.mu.RLock()
	targets := make([]*connection, 0, len(t.conns[userID]))
	for conn := range t.conns[userID] {
		targets = append(targets, conn)
	}
	t.mu.RUnlock()

	for _, conn := range targets {
		t.enqueue(conn, payload)
	}
	return nil
}

// SendToUsers delivers payload to each listed user.
func (t *Transport) SendToUsers(ctx context.Context, userIDs []string, payload []byte) error {
	for _, userID := range userIDs {
		if err := t.SendToUser(ctx, userID, payload); err != nil {
			return err
		}
	}
	return nil
}

// Close terminates all connections and rejects new upgrades.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*connection
	for _, set := range t.conns {
		for conn := range set {
			all = append(all, conn)
		}
	}
	t.mu.Unlock()

	for _, conn := range all {
		conn.shutdown()
	}
	return nil
}

// register adds conn and reports whether it is the user's first connection
// to its namespace.
func (t *Transport) register(conn *connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[conn.userID]
	if !ok {
		set = make(map[*connection]struct{})
		t.conns[conn.userID] = set
	}
	set[conn] = struct{}{}

	key := nsUserKey{conn.namespaceID, conn.userID}
	t.nsCounts[key]++
	return t.nsCounts[key] == 1
}

// unregister removes conn and reports whether it was the user's last
// connection to its namespace.
func (t *Transport) unregister(conn *connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if set, ok := t.conns[conn.userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(t.conns, conn.userID)
		}
	}

	key := nsUserKey{conn.namespaceID, conn.userID}
	if t.nsCounts[key] > 0 {
		t.nsCounts[key]--
	}
	if t.nsCounts[key] == 0 {
		delete(t.nsCounts, key)
		return true
	}
	return false
}

func (t *Transport) enqueue(conn *connection, payload []byte) {
	if conn.trySend(payload) {
		return
	}
	// Slow consumer; dropping the connection beats unbounded buffering.
	t.log.Warn().
		Str("user_id", conn.userID).
		Str("namespace_id", conn.namespaceID).
		Msg("send buffer full, closing connection")
	conn.shutdown()
}

func (t *Transport) readPump(conn *connection, handler coordination.TransportHandler) {
	defer func() {
		conn.shutdown()
		if last := t.unregister(conn); last {
			handler.HandleDisconnect(context.Background(), conn.namespaceID, conn.userID)
			t.log.Debug().
				Str("namespace_id", conn.namespaceID).
				Str("user_id", conn.userID).
				Msg("websocket disconnected")
		}
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Debug().Err(err).Str("user_id", conn.userID).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handler.HandleMessage(context.Background(), conn.namespaceID, conn.userID, payload)
	}
}

type connection struct {
	ws          *websocket.Conn
	send        chan []byte
	namespaceID string
	userID      string

	mu     sync.Mutex
	closed bool
}

// trySend enqueues payload without blocking. Returns false when the buffer
// is full; returns true (a silent drop) when the connection is already
// closed.
func (c *connection) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel, which makes the write pump send a close
// frame and drop the socket.
func (c *connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
