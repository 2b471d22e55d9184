// ABOUTME: Registry of connected frontend clients with filtered broadcast
// ABOUTME: Session-scoped frames go to owners only, connection-scoped to all

package frontend

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks authenticated frontend connections and performs
// best-effort broadcast: a failed write drops that client only.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "frontend-registry"),
		clients: make(map[*Client]struct{}),
	}
}

// Add registers a client for broadcast.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	count := len(r.clients)
	r.mu.Unlock()
	r.logger.Debug("client registered", "clients", count)
}

// Remove unregisters a client. Safe to call for clients never added.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	count := len(r.clients)
	r.mu.Unlock()
	r.logger.Debug("client removed", "clients", count)
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// BroadcastAll delivers a connection-scoped frame to every authenticated
// client.
func (r *Registry) BroadcastAll(frame any) {
	r.broadcast(frame, func(*Client) bool { return true })
}

// BroadcastSession delivers a session-scoped frame to authenticated
// clients owning the session key.
func (r *Registry) BroadcastSession(frame any, sessionKey string) {
	r.broadcast(frame, func(c *Client) bool { return c.Owns(sessionKey) })
}

func (r *Registry) broadcast(frame any, include func(*Client) bool) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c.Authenticated() && include(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	var failed []*Client
	for _, c := range targets {
		if err := c.Write(frame); err != nil {
			r.logger.Debug("dropping client after failed write", "error", err)
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		c.Close(websocket.StatusAbnormalClosure, "write failed")
		r.Remove(c)
	}
}
