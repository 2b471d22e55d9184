// ABOUTME: Translation from gateway agent events to the frontend vocabulary
// ABOUTME: Demultiplexes by stream and strips agent-qualified session keys

package gateway

import (
	"encoding/json"
	"strings"

	"github.com/2389/coven-relay/internal/protocol"
)

// EventKind classifies a translated event.
type EventKind int

const (
	KindLifecycle EventKind = iota
	KindChunk
	KindThinking
	KindToolStart
	KindToolResult
)

func (k EventKind) String() string {
	switch k {
	case KindLifecycle:
		return "lifecycle"
	case KindChunk:
		return "chunk"
	case KindThinking:
		return "thinking"
	case KindToolStart:
		return "tool_start"
	case KindToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// Event is one translated agent event, ready for frontend broadcast. The
// session key is always prefix-stripped.
type Event struct {
	Kind       EventKind
	SessionKey string
	Phase      string          // lifecycle
	RunID      string          // lifecycle
	Message    string          // lifecycle error message
	Text       string          // chunk, thinking
	Name       string          // tool_start, tool_result
	Args       json.RawMessage // tool_start
	Result     json.RawMessage // tool_result
}

// StripAgentPrefix removes the owning-agent namespace from a gateway
// session key: "agent:main:webui:s1" becomes "webui:s1". Keys without the
// prefix pass through unchanged, so the stripped form is the identity for
// all internal lookups.
func StripAgentPrefix(sessionKey string) string {
	if !strings.HasPrefix(sessionKey, "agent:") {
		return sessionKey
	}
	parts := strings.SplitN(sessionKey, ":", 3)
	if len(parts) < 3 {
		return sessionKey
	}
	return parts[2]
}

// Translate maps one agent event payload to a frontend event. The second
// return is false when the event produces nothing to forward: unknown
// streams, empty assistant/thinking text, and tool phases other than
// start/result.
func Translate(p protocol.AgentEventPayload) (Event, bool) {
	var d protocol.AgentEventData
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &d); err != nil {
			return Event{}, false
		}
	}

	key := StripAgentPrefix(p.SessionKey)

	switch p.Stream {
	case protocol.StreamLifecycle:
		runID := d.RunID
		if runID == "" {
			runID = p.RunID
		}
		return Event{
			Kind:       KindLifecycle,
			SessionKey: key,
			Phase:      d.Phase,
			RunID:      runID,
			Message:    d.Message,
		}, true

	case protocol.StreamAssistant, protocol.StreamThinking:
		text := d.Delta
		if text == "" {
			text = d.Text
		}
		if text == "" {
			return Event{}, false
		}
		kind := KindChunk
		if p.Stream == protocol.StreamThinking {
			kind = KindThinking
		}
		return Event{
			Kind:       kind,
			SessionKey: key,
			Text:       text,
		}, true

	case protocol.StreamTool:
		switch d.Phase {
		case protocol.PhaseStart:
			return Event{
				Kind:       KindToolStart,
				SessionKey: key,
				Name:       d.Name,
				Args:       d.Args,
			}, true
		case protocol.PhaseResult:
			return Event{
				Kind:       KindToolResult,
				SessionKey: key,
				Name:       d.Name,
				Result:     d.Result,
			}, true
		}
		return Event{}, false

	default:
		return Event{}, false
	}
}
