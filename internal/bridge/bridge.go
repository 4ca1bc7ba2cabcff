// Package bridge fans out state-variable updates to websocket clients, so
// UIs can watch device state without speaking GENA themselves.
package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/strefethen/go-upnp/internal/logging"
)

// StateUpdate is one pushed state change.
type StateUpdate struct {
	Type      string    `json:"type"` // always "state_update"
	UDN       string    `json:"udn"`
	ServiceID string    `json:"serviceId"`
	Variable  string    `json:"variable"`
	Value     string    `json:"value"`
	At        time.Time `json:"at"`
}

// Hub manages connected websocket clients and broadcasts updates to all
// of them. Slow clients are disconnected rather than buffered without
// bound.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	pingInterval time.Duration
}

type client struct {
	conn *websocket.Conn
	send chan StateUpdate
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:      make(map[*client]struct{}),
		pingInterval: 30 * time.Second,
	}
}

// ServeHTTP upgrades a GET into a websocket subscription to the update
// stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("BRIDGE: upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan StateUpdate, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	logging.Info("BRIDGE: client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.Int("clients", total))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Broadcast pushes one update to every connected client.
func (h *Hub) Broadcast(u StateUpdate) {
	u.Type = "state_update"
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- u:
		default:
			// The client is not keeping up; drop it.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case u, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(u); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop drains inbound frames so pongs and close frames are processed.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
