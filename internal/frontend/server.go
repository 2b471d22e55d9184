// ABOUTME: Websocket endpoint for browser connections
// ABOUTME: Applies the auth gate and attachment limits, dispatches send/cancel

package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Attachment limits enforced at the boundary.
const (
	MaxAttachments    = 5
	MaxAttachmentSize = 10 << 20
)

// maxInboundBytes bounds one inbound frame. The largest legal send is
// MaxAttachments files at the size cap, inflated 4/3 by base64, plus
// envelope slack.
const maxInboundBytes = MaxAttachments*MaxAttachmentSize*4/3 + 1<<20

// allowedMimeTypes is advisory: types outside the list are logged and
// still forwarded.
var allowedMimeTypes = map[string]struct{}{
	"image/png":        {},
	"image/jpeg":       {},
	"image/gif":        {},
	"image/webp":       {},
	"application/pdf":  {},
	"text/plain":       {},
	"text/markdown":    {},
	"text/csv":         {},
	"application/json": {},
}

// Handler processes control messages from authenticated connections.
type Handler interface {
	// HandleSend forwards a message to the addressed gateway. Ownership of
	// the session key has already been recorded on the client.
	HandleSend(c *Client, frame ClientFrame)
	// HandleCancel cancels the tracked run for the addressed session.
	HandleCancel(c *Client, frame ClientFrame)
	// BuildInit describes the configured gateways and models.
	BuildInit() InitFrame
}

// Server accepts browser websockets and runs their read loops.
type Server struct {
	registry *Registry
	handler  Handler
	auth     *Authenticator
	logger   *slog.Logger
}

// NewServer wires the websocket endpoint.
func NewServer(registry *Registry, handler Handler, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		handler:  handler,
		auth:     auth,
		logger:   logger.With("component", "frontend-server"),
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxInboundBytes)

	c := NewClient(conn)
	defer func() {
		s.registry.Remove(c)
		c.Close(websocket.StatusNormalClosure, "")
	}()

	if s.auth.Required() {
		if err := c.Write(AckFrame{Type: TypeAuthRequired}); err != nil {
			return
		}
	} else {
		c.SetAuthenticated()
		s.registry.Add(c)
		if err := c.Write(s.handler.BuildInit()); err != nil {
			return
		}
	}

	s.readLoop(r.Context(), c, conn)
}

func (s *Server) readLoop(ctx context.Context, c *Client, conn *websocket.Conn) {
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.logger.Debug("connection closed", "error", err)
			return
		}

		if !c.Authenticated() {
			s.handleUnauthenticated(c, frame)
			continue
		}

		switch frame.Type {
		case TypeSend:
			if err := s.validateAttachments(frame.Attachments); err != nil {
				_ = c.Write(NewErrorFrame(err.Error()))
				continue
			}
			// Ownership is recorded before the forward so a fast first
			// event cannot miss this connection.
			c.OwnSession(frame.SessionKey)
			s.handler.HandleSend(c, frame)
		case TypeCancel:
			s.handler.HandleCancel(c, frame)
		case TypeAuth:
			// Already authenticated; nothing to do.
		default:
			s.logger.Debug("dropping unknown frame type", "type", frame.Type)
		}
	}
}

// handleUnauthenticated admits only the auth frame; everything else is
// answered with another auth_required and never processed.
func (s *Server) handleUnauthenticated(c *Client, frame ClientFrame) {
	if frame.Type != TypeAuth {
		_ = c.Write(AckFrame{Type: TypeAuthRequired})
		return
	}

	if !s.auth.Check(frame.Password) {
		s.logger.Warn("rejected auth attempt")
		_ = c.Write(AckFrame{Type: TypeAuthFail})
		return
	}

	c.SetAuthenticated()
	s.registry.Add(c)
	if err := c.Write(AckFrame{Type: TypeAuthOK}); err != nil {
		return
	}
	_ = c.Write(s.handler.BuildInit())
}

// validateAttachments enforces the count and size limits and logs
// non-whitelisted MIME types without rejecting them.
func (s *Server) validateAttachments(attachments []Attachment) error {
	if len(attachments) > MaxAttachments {
		return fmt.Errorf("too many attachments: %d (max %d)", len(attachments), MaxAttachments)
	}
	for _, att := range attachments {
		// Base64 inflates by 4/3; compare against the decoded size.
		decodedSize := int64(len(att.Data)) / 4 * 3
		if att.Size > MaxAttachmentSize || decodedSize > MaxAttachmentSize {
			return fmt.Errorf("attachment %q exceeds %d MB limit", att.Filename, MaxAttachmentSize>>20)
		}
		if _, ok := allowedMimeTypes[att.MimeType]; !ok {
			s.logger.Warn("attachment with non-whitelisted MIME type",
				"filename", att.Filename,
				"mime_type", att.MimeType)
		}
	}
	return nil
}
