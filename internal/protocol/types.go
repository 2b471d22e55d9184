// ABOUTME: Wire frame and parameter types for the gateway protocol (v3)
// ABOUTME: Mirrors the req/res/event JSON shapes spoken by gateway services

package protocol

import "encoding/json"

// ProtocolVersion is the protocol version offered in connect requests.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Method names.
const (
	MethodConnect     = "connect"
	MethodAgent       = "agent"
	MethodAgentCancel = "agent.cancel"
)

// Event names.
const (
	EventConnectChallenge = "connect.challenge"
	EventAgent            = "agent"
)

// Connect identity constants. The gateway validates the client id and mode
// against its known backend clients.
const (
	ClientID      = "gateway-client"
	ClientMode    = "backend"
	RoleOperator  = "operator"
	ScopeOperator = "operator.admin"
	CapToolEvents = "tool-events"
)

// Agent event streams.
const (
	StreamAssistant = "assistant"
	StreamThinking  = "thinking"
	StreamTool      = "tool"
	StreamLifecycle = "lifecycle"
)

// Lifecycle and tool phases carried in agent event data.
const (
	PhaseStart     = "start"
	PhaseEnd       = "end"
	PhaseCancelled = "cancelled"
	PhaseError     = "error"
	PhaseResult    = "result"
)

// Frame is a raw protocol frame covering all three wire shapes. Params and
// Payload stay undecoded until the receiver picks a concrete type.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape is the error object attached to failed responses.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChallengePayload is the connect.challenge event payload.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts,omitempty"`
}

// ConnectParams is the connect request body.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	Auth        *AuthInfo   `json:"auth,omitempty"`
	Device      *DeviceInfo `json:"device,omitempty"`
}

// ClientInfo identifies the connecting client to the gateway.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode"`
}

// AuthInfo carries the shared gateway token.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// DeviceInfo is the signed device assertion attached to connect requests.
// PublicKey and Signature are base64url without padding; SignedAt is unix
// milliseconds captured when the assertion was built.
type DeviceInfo struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// AgentParams is the agent request body. Message is either a plain string
// or an ordered slice of ContentBlock.
type AgentParams struct {
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Message        any    `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AgentCancelParams is the agent.cancel request body.
type AgentCancelParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// AgentRunPayload is the agent response payload of interest.
type AgentRunPayload struct {
	RunID string `json:"runId"`
}

// AgentEventPayload is the agent event body. Data shape depends on Stream.
type AgentEventPayload struct {
	Stream     string          `json:"stream"`
	Data       json.RawMessage `json:"data"`
	RunID      string          `json:"runId,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

// AgentEventData is the union of fields observed across the four streams.
type AgentEventData struct {
	Phase   string          `json:"phase,omitempty"`
	RunID   string          `json:"runId,omitempty"`
	Message string          `json:"message,omitempty"`
	Delta   string          `json:"delta,omitempty"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Content block types for structured agent messages.
const (
	BlockTypeText     = "text"
	BlockTypeImage    = "image"
	BlockTypeDocument = "document"
	SourceTypeBase64  = "base64"
)

// ContentBlock is one element of a structured message: the leading text
// block or an attached image/document.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *BlockSource `json:"source,omitempty"`
	Title  string       `json:"title,omitempty"`
}

// BlockSource holds base64 attachment bytes and their media type.
type BlockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}
