// ABOUTME: One connected browser client with auth flag and owned sessions
// ABOUTME: Serializes websocket writes behind a per-client mutex

package frontend

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// clientWriteTimeout bounds a single frame write to one browser.
const clientWriteTimeout = 5 * time.Second

// Client is one frontend connection. Owned sessions grow only through
// explicit sends and are never pruned; the set dies with the socket.
type Client struct {
	conn *websocket.Conn

	mu            sync.Mutex
	authenticated bool
	owned         map[string]struct{}
}

// NewClient wraps an accepted websocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:  conn,
		owned: make(map[string]struct{}),
	}
}

// Authenticated reports whether the connection passed the auth gate.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetAuthenticated marks the connection as authenticated.
func (c *Client) SetAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

// OwnSession records a session key this connection has sent on.
func (c *Client) OwnSession(sessionKey string) {
	c.mu.Lock()
	c.owned[sessionKey] = struct{}{}
	c.mu.Unlock()
}

// Owns reports whether this connection has sent on the session key.
func (c *Client) Owns(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[sessionKey]
	return ok
}

// Write sends one frame, holding the client lock so concurrent broadcasts
// never interleave on the socket.
func (c *Client) Write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// Close closes the underlying socket.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}
