package realtime

import (
	"log/slog"
	"sync"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/metrics"
)

// Hub tracks live connections so the server can report and drain them.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds a connected client.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.SessionID] = client
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	h.log.Info("ws.session.open", "session_id", client.SessionID, "actor_id", client.Actor.ID, "sessions", n)
}

// Unregister removes a client. Unknown session ids are ignored.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	_, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		metrics.WSConnections.Dec()
		h.log.Info("ws.session.close", "session_id", sessionID, "sessions", n)
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActorSessions returns the number of live connections of actor.
func (h *Hub) ActorSessions(actor chat.ActorID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.clients {
		if c.Actor.ID == actor {
			n++
		}
	}
	return n
}

// CloseAll signals every connection to stop. Connections unregister themselves as they exit.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	if len(clients) > 0 {
		h.log.Info("ws.drain", "sessions", len(clients))
	}
}
