// Package notify announces newly created activities to connected browsers
// and, when Redis is configured, to every replica of the service.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventActivityCreated is the event type pushed when an activity is created.
const EventActivityCreated = "new_act"

// Event is the payload delivered to websocket clients and over Redis.
type Event struct {
	Type       string `json:"type"`
	ActivityID string `json:"activity_id"`
}

const (
	clientBuffer = 16
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	send chan Event
}

// Hub fans events out to every connected websocket client. Clients that
// cannot keep up are disconnected rather than blocking the broadcast.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("module", "socket"),
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues ev for every connected client.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropping slow websocket client")
		}
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan Event, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Messages sent by the client are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	c := h.register()
	defer h.unregister(c)

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.DebugContext(r.Context(), "websocket closed", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-quit:
			return
		case ev, ok := <-c.send:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				h.logger.DebugContext(r.Context(), "websocket write failed", "error", err)
				return
			}
		}
	}
}

// HubNotifier delivers creation events straight to a local Hub. It is used
// when no Redis bus is configured.
type HubNotifier struct {
	Hub *Hub
}

// NotifyActivityCreated broadcasts the event to local clients.
func (n HubNotifier) NotifyActivityCreated(_ context.Context, activityID string) error {
	n.Hub.Broadcast(Event{Type: EventActivityCreated, ActivityID: activityID})
	return nil
}
