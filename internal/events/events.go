// Package events pushes job state changes to websocket subscribers.
// Polling GET /jobs/{id} stays the source of truth; events are a
// best-effort side channel for dashboards.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"modelconv/internal/job"
)

// Event is one job state change as pushed over the wire.
type Event struct {
	JobID  string    `json:"job_id"`
	Status job.State `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher receives job state changes. Publish must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Nop returns a publisher that drops every event.
func Nop() Publisher { return nopPublisher{} }

// Hub fans events out to connected websocket clients. All writes go
// through the hub mutex so each connection sees a single writer.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

var _ Publisher = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Add registers a freshly upgraded connection and watches it for
// disconnects in the background.
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", slog.Int("clients", n))
	go h.drain(conn)
}

// drain reads and discards inbound frames; a read error is the only
// reliable disconnect signal gorilla gives us.
func (h *Hub) drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug("websocket client disconnected", slog.Int("clients", n))
}

func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteJSON(e); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Further Adds are rejected.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
