package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"i4.energy/across/cellmodem/sara"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Event is a message on the /events stream. The first message of a
// connection is a snapshot, every later one a single change.
type Event struct {
	Type     string         `json:"type"`
	Snapshot *sara.Snapshot `json:"snapshot,omitempty"`
	Change   *sara.Change   `json:"change,omitempty"`
}

// Hub fans module state changes out to websocket clients. A client that
// does not keep up loses events rather than stalling the reader loop,
// which is where Publish is called from.
type Hub struct {
	logger   *slog.Logger
	snapshot func() sara.Snapshot
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	send      chan Event
	closeOnce sync.Once
}

// NewHub creates a hub. snapshot provides the state sent to new clients.
func NewHub(logger *slog.Logger, snapshot func() sara.Snapshot) *Hub {
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish queues c for every connected client.
func (h *Hub) Publish(c sara.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- Event{Type: "change", Change: &c}:
		default:
			h.logger.Warn("Dropping event for slow client", "parameter", c.Parameter)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		delete(h.clients, cl)
		cl.close()
	}
}

// HandleWS upgrades the request and streams events until the client goes
// away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	snap := h.snapshot()
	cl := &client{conn: conn, send: make(chan Event, eventBuffer)}
	cl.send <- Event{Type: "snapshot", Snapshot: &snap}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	defer h.remove(cl)

	go cl.writeLoop()
	cl.readLoop()
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	cl.close()
}

// readLoop drains client messages so control frames are processed and a
// closed connection is noticed.
func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			c.conn.Close()
			return
		}
	}
}

// close must be called with the client removed from the hub, so that
// Publish can no longer send on the channel.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}
