// Package ws implements a Server-Sent Events (SSE) hub that streams task
// notifications to the users they are addressed to.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoCodeAlone/tasktrack/comms"
)

// Event is a typed real-time event sent to connected clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client represents a single SSE connection.
type client struct {
	userID string
	ch     chan []byte
}

// Hub manages SSE client connections keyed by user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Attach forwards every notification on bus to the addressed user's
// connections. The returned function detaches the hub.
func (h *Hub) Attach(bus comms.Bus) (detach func()) {
	return bus.Subscribe("", func(_ context.Context, n *comms.Notification) error {
		h.Publish(n.UserID, Event{Type: string(n.Kind), Payload: n})
		return nil
	})
}

// Publish sends an event to every connection of userID.
func (h *Hub) Publish(userID string, event Event) {
	h.send(event, func(c *client) bool { return c.userID == userID })
}

// Broadcast sends an event to all connected clients.
func (h *Hub) Broadcast(event Event) {
	h.send(event, func(*client) bool { return true })
}

func (h *Hub) send(event Event, match func(*client) bool) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("hub marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.ch <- data:
		default:
			// Slow client, drop
		}
	}
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeSSE streams events for userID until the request is cancelled.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{userID: userID, ch: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.ch)
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-c.ch:
			if !ok {
				return
			}
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
