// ABOUTME: Tests for the websocket endpoint and authentication gate
// ABOUTME: Covers auth scenarios, ownership recording, attachment limits

package frontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

// recordingHandler captures dispatched control frames.
type recordingHandler struct {
	mu      sync.Mutex
	sends   []ClientFrame
	cancels []ClientFrame
}

func (h *recordingHandler) HandleSend(c *Client, frame ClientFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, frame)
}

func (h *recordingHandler) HandleCancel(c *Client, frame ClientFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels = append(h.cancels, frame)
}

func (h *recordingHandler) BuildInit() InitFrame {
	return InitFrame{
		Type:     TypeInit,
		Models:   []config.ModelConfig{{Value: "claude-sonnet-4", Label: "Sonnet"}},
		Gateways: []GatewayStatus{{Name: "main", Connected: true}},
	}
}

func (h *recordingHandler) sendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sends)
}

func dialServer(t *testing.T, authCfg config.AuthConfig) (*websocket.Conn, *recordingHandler, *Registry) {
	t.Helper()

	handler := &recordingHandler{}
	registry := NewRegistry(nil)
	server := NewServer(registry, handler, NewAuthenticator(authCfg), nil)

	srv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return conn, handler, registry
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestServer_NoSecretAuthenticatedOnAccept(t *testing.T) {
	conn, _, _ := dialServer(t, config.AuthConfig{})

	frame := readFrame(t, conn)
	assert.Equal(t, "init", frame["type"])
	assert.NotEmpty(t, frame["gateways"])
	assert.NotEmpty(t, frame["models"])
}

func TestServer_AuthRequiredOnAccept(t *testing.T) {
	conn, _, _ := dialServer(t, config.AuthConfig{Password: "secret"})

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_required", frame["type"])
}

func TestServer_UnauthenticatedSendNotForwarded(t *testing.T) {
	conn, handler, _ := dialServer(t, config.AuthConfig{Password: "secret"})
	readFrame(t, conn) // auth_required

	writeFrame(t, conn, ClientFrame{Type: TypeSend, SessionKey: "webui:s1", Message: "hi"})

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_required", frame["type"])
	assert.Equal(t, 0, handler.sendCount())
}

func TestServer_CorrectPasswordAuthOKThenInit(t *testing.T) {
	conn, _, registry := dialServer(t, config.AuthConfig{Password: "secret"})
	readFrame(t, conn) // auth_required

	writeFrame(t, conn, ClientFrame{Type: TypeAuth, Password: "secret"})

	first := readFrame(t, conn)
	assert.Equal(t, "auth_ok", first["type"])
	second := readFrame(t, conn)
	assert.Equal(t, "init", second["type"])

	require.Eventually(t, func() bool { return registry.Count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestServer_WrongPasswordAuthFail(t *testing.T) {
	conn, _, registry := dialServer(t, config.AuthConfig{Password: "secret"})
	readFrame(t, conn) // auth_required

	writeFrame(t, conn, ClientFrame{Type: TypeAuth, Password: "wrong"})

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_fail", frame["type"])
	assert.Equal(t, 0, registry.Count())
}

func TestServer_BcryptPassword(t *testing.T) {
	// bcrypt hash of "secret", cost 10.
	hash := "$2a$10$gQWGhujLM2Yyhc9TA4OWPee/RN7VW/1yYk6AJjawn7WGB9PYBVGdO"
	auth := NewAuthenticator(config.AuthConfig{PasswordHash: hash})

	assert.True(t, auth.Required())
	assert.True(t, auth.Check("secret"))
	assert.False(t, auth.Check("wrong"))
}

func TestServer_SendRecordsOwnershipBeforeForward(t *testing.T) {
	conn, handler, registry := dialServer(t, config.AuthConfig{})
	readFrame(t, conn) // init

	writeFrame(t, conn, ClientFrame{Type: TypeSend, Gateway: 0, SessionKey: "webui:s1", Message: "hi"})

	require.Eventually(t, func() bool { return handler.sendCount() == 1 },
		time.Second, 10*time.Millisecond)

	// The registered client owns the session as soon as the send was accepted.
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	require.Len(t, registry.clients, 1)
	for c := range registry.clients {
		assert.True(t, c.Owns("webui:s1"))
	}
}

func TestServer_CancelDispatched(t *testing.T) {
	conn, handler, _ := dialServer(t, config.AuthConfig{})
	readFrame(t, conn) // init

	writeFrame(t, conn, ClientFrame{Type: TypeCancel, Gateway: 0, SessionKey: "webui:s1"})

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.cancels) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServer_TooManyAttachmentsRejected(t *testing.T) {
	conn, handler, _ := dialServer(t, config.AuthConfig{})
	readFrame(t, conn) // init

	atts := make([]Attachment, MaxAttachments+1)
	for i := range atts {
		atts[i] = Attachment{Filename: "f.txt", MimeType: "text/plain", Data: "aGk=", Size: 3}
	}
	writeFrame(t, conn, ClientFrame{Type: TypeSend, SessionKey: "webui:s1", Message: "hi", Attachments: atts})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "too many attachments")
	assert.Equal(t, 0, handler.sendCount())
}

func TestServer_MultipleMaxSizeAttachmentsForwarded(t *testing.T) {
	conn, handler, _ := dialServer(t, config.AuthConfig{})
	readFrame(t, conn) // init

	// Two files at the decoded size cap inflate the frame well past any
	// single-file bound; the socket read limit must admit the whole send.
	data := strings.Repeat("A", MaxAttachmentSize/3*4)
	atts := []Attachment{
		{Filename: "a.bin", MimeType: "application/octet-stream", Data: data, Size: MaxAttachmentSize},
		{Filename: "b.bin", MimeType: "application/octet-stream", Data: data, Size: MaxAttachmentSize},
	}
	writeFrame(t, conn, ClientFrame{Type: TypeSend, SessionKey: "webui:s1", Message: "hi", Attachments: atts})

	require.Eventually(t, func() bool { return handler.sendCount() == 1 },
		5*time.Second, 50*time.Millisecond)
}

func TestValidateAttachments_SizeLimit(t *testing.T) {
	s := NewServer(NewRegistry(nil), &recordingHandler{}, NewAuthenticator(config.AuthConfig{}), nil)

	err := s.validateAttachments([]Attachment{{
		Filename: "big.bin",
		MimeType: "application/octet-stream",
		Size:     MaxAttachmentSize + 1,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestValidateAttachments_NonWhitelistedMimeAllowed(t *testing.T) {
	s := NewServer(NewRegistry(nil), &recordingHandler{}, NewAuthenticator(config.AuthConfig{}), nil)

	// Logged but not rejected.
	err := s.validateAttachments([]Attachment{{
		Filename: "weird.xyz",
		MimeType: "application/x-weird",
		Data:     "aGk=",
		Size:     3,
	}})
	assert.NoError(t, err)
}
