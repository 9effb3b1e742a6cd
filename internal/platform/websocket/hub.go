// Package websocket streams a user's events (auth-state changes and notices)
// to their open browser tabs. Every connection is bound to the authenticated
// user's topic; clients cannot subscribe to anyone else's.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/healthpod/portal/internal/platform/events"
	"github.com/healthpod/portal/internal/platform/telemetry"
)

// UserTopic is the topic carrying one user's events.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Client represents a single WebSocket connection.
type Client struct {
	ID      string
	UserID  string
	TokenID string
	Send    chan []byte
}

func (c *Client) topic() string { return UserTopic(c.UserID) }

// Hub tracks connected clients by topic. All operations are thread-safe.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	closed  bool

	col    *telemetry.Collector
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger, col *telemetry.Collector) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		col:     col,
		logger:  logger,
	}
}

// Register adds a client under its user's topic. It returns false once the
// hub has been closed.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.all[client] = struct{}{}
	topic := client.topic()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
	if h.col != nil {
		h.col.WebSocketClients.Inc()
	}
	return true
}

// Unregister removes a client and closes its Send channel. Calling it twice
// is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(client)
}

func (h *Hub) unregisterLocked(client *Client) {
	if _, ok := h.all[client]; !ok {
		return
	}
	topic := client.topic()
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(h.all, client)
	close(client.Send)
	if h.col != nil {
		h.col.WebSocketClients.Dec()
	}
}

// Broadcast sends an already-encoded message to every client on topic.
// Clients whose buffer is full miss the message rather than block the hub.
func (h *Hub) Broadcast(topic string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("websocket buffer full, dropping event")
		}
	}
	return sent
}

// Publish delivers evt to its user's open streams. An account deletion
// closes all of the user's streams afterwards; a sign-out closes the streams
// opened with the revoked token.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	h.Broadcast(UserTopic(evt.UserID), data)

	switch evt.Type {
	case events.TypeAccountDeleted:
		h.disconnect(evt.UserID, func(*Client) bool { return true })
	case events.TypeSignedOut:
		if d, ok := evt.Data.(events.SignedOutData); ok && d.TokenID != "" {
			h.disconnect(evt.UserID, func(c *Client) bool { return c.TokenID == d.TokenID })
		}
	}
	return nil
}

func (h *Hub) disconnect(userID string, match func(*Client) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[UserTopic(userID)] {
		if match(client) {
			h.unregisterLocked(client)
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.all {
		h.unregisterLocked(client)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// UserClientCount returns how many streams a user has open.
func (h *Hub) UserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[UserTopic(userID)])
}
