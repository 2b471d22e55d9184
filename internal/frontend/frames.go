// ABOUTME: Frontend control protocol frame types
// ABOUTME: Tagged JSON variants exchanged with browser connections

package frontend

import (
	"encoding/json"

	"github.com/2389/coven-relay/internal/config"
)

// Frame type tags.
const (
	TypeAuth         = "auth"
	TypeSend         = "send"
	TypeCancel       = "cancel"
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthFail     = "auth_fail"
	TypeInit         = "init"
	TypeStatus       = "status"
	TypeLifecycle    = "lifecycle"
	TypeChunk        = "chunk"
	TypeThinking     = "thinking"
	TypeToolStart    = "tool_start"
	TypeToolResult   = "tool_result"
	TypeError        = "error"
)

// ClientFrame is any inbound frame from a browser connection.
type ClientFrame struct {
	Type        string       `json:"type"`
	Password    string       `json:"password,omitempty"`
	Gateway     int          `json:"gateway"`
	SessionKey  string       `json:"sessionKey,omitempty"`
	Message     string       `json:"message,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one file attached to a send. Data is base64.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
	Size     int64  `json:"size"`
}

// AckFrame carries only a type tag (auth_required, auth_ok, auth_fail).
type AckFrame struct {
	Type string `json:"type"`
}

// GatewayStatus is one entry of the init frame's gateway list.
type GatewayStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// InitFrame describes the configured gateways and models to a freshly
// authenticated connection.
type InitFrame struct {
	Type     string               `json:"type"`
	Models   []config.ModelConfig `json:"models"`
	Gateways []GatewayStatus      `json:"gateways"`
}

// StatusFrame reports a gateway link transition.
type StatusFrame struct {
	Type      string `json:"type"`
	Gateway   int    `json:"gateway"`
	Connected bool   `json:"connected"`
}

// EventFrame carries one session-scoped agent event (lifecycle, chunk,
// thinking, tool_start, tool_result).
type EventFrame struct {
	Type       string          `json:"type"`
	Gateway    int             `json:"gateway"`
	SessionKey string          `json:"sessionKey"`
	Phase      string          `json:"phase,omitempty"`
	RunID      string          `json:"runId,omitempty"`
	Message    string          `json:"message,omitempty"`
	Text       string          `json:"text,omitempty"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ErrorFrame reports a failure to one connection or all of them. Gateway
// is present when the error concerns a specific link.
type ErrorFrame struct {
	Type    string `json:"type"`
	Gateway *int   `json:"gateway,omitempty"`
	Message string `json:"message"`
}

// NewErrorFrame builds a connection-scoped error.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// NewGatewayErrorFrame builds an error attributed to one gateway index.
func NewGatewayErrorFrame(gateway int, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Gateway: &gateway, Message: message}
}
