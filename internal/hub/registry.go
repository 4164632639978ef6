// Package hub provides the server side of the live message channel.
package hub

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the live connection of each user. A user holds at most one
// connection; registering a new one closes the previous.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Client
	log    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]*Client),
		log:    logger.With("component", "hub"),
	}
}

// Get returns the active client for a user.
func (r *Registry) Get(userID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[userID]
}

// Register makes c the user's active connection, closing any prior one.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	existing := r.active[c.userID]
	r.active[c.userID] = c
	r.mu.Unlock()

	if existing != nil && existing != c {
		go existing.Close(websocket.StatusNormalClosure, "session replaced")
		r.log.Info("Live session replaced", "user_id", c.userID)
	}
	r.log.Info("Live session registered", "user_id", c.userID)
}

// Unregister removes c if it is still the user's active connection.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[c.userID]; ok && current == c {
		delete(r.active, c.userID)
		r.log.Info("Live session unregistered", "user_id", c.userID)
	}
}

// Send queues data for the user's active connection. It reports false when the
// user is offline or the connection was dropped for falling behind.
func (r *Registry) Send(userID string, data []byte) bool {
	c := r.Get(userID)
	if c == nil {
		return false
	}
	return c.Enqueue(data)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseAll terminates every live connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.active))
	for userID, c := range r.active {
		clients = append(clients, c)
		delete(r.active, userID)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
