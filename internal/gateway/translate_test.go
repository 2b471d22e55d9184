// ABOUTME: Tests for agent event translation and session key prefix handling
// ABOUTME: Covers stream demultiplexing, empty-chunk suppression, prefix strip round-trip

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
)

func agentEvent(t *testing.T, stream, sessionKey string, data map[string]any) protocol.AgentEventPayload {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return protocol.AgentEventPayload{
		Stream:     stream,
		Data:       raw,
		SessionKey: sessionKey,
	}
}

func TestStripAgentPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"agent:main:webui:s1", "webui:s1"},
		{"agent:other:webui:s2", "webui:s2"},
		{"webui:s1", "webui:s1"},
		{"agent:broken", "agent:broken"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripAgentPrefix(tt.in), "input %q", tt.in)
	}
}

func TestStripAgentPrefix_RoundTrip(t *testing.T) {
	// The gateway qualifies caller-supplied keys with its agent namespace;
	// stripping must restore the original key exactly.
	keys := []string{"webui:s1", "tab:42", "a:b:c"}
	for _, k := range keys {
		qualified := "agent:main:" + k
		assert.Equal(t, k, StripAgentPrefix(qualified))
	}
}

func TestTranslate_LifecycleStart(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "lifecycle", "agent:main:webui:s1", map[string]any{
		"phase": "start",
		"runId": "r1",
	}))
	require.True(t, ok)
	assert.Equal(t, KindLifecycle, ev.Kind)
	assert.Equal(t, "webui:s1", ev.SessionKey)
	assert.Equal(t, "start", ev.Phase)
	assert.Equal(t, "r1", ev.RunID)
}

func TestTranslate_LifecycleRunIDFromEnvelope(t *testing.T) {
	p := agentEvent(t, "lifecycle", "agent:main:webui:s1", map[string]any{"phase": "end"})
	p.RunID = "r-envelope"

	ev, ok := Translate(p)
	require.True(t, ok)
	assert.Equal(t, "r-envelope", ev.RunID)
}

func TestTranslate_LifecycleErrorMessage(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "lifecycle", "webui:s1", map[string]any{
		"phase":   "error",
		"message": "model overloaded",
	}))
	require.True(t, ok)
	assert.Equal(t, "error", ev.Phase)
	assert.Equal(t, "model overloaded", ev.Message)
}

func TestTranslate_AssistantDelta(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "assistant", "agent:main:webui:s1", map[string]any{
		"delta": "hel",
	}))
	require.True(t, ok)
	assert.Equal(t, KindChunk, ev.Kind)
	assert.Equal(t, "hel", ev.Text)
}

func TestTranslate_AssistantTextFallback(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "assistant", "webui:s1", map[string]any{
		"text": "full text",
	}))
	require.True(t, ok)
	assert.Equal(t, "full text", ev.Text)
}

func TestTranslate_EmptyTextNotForwarded(t *testing.T) {
	_, ok := Translate(agentEvent(t, "assistant", "webui:s1", map[string]any{}))
	assert.False(t, ok)

	_, ok = Translate(agentEvent(t, "thinking", "webui:s1", map[string]any{"delta": ""}))
	assert.False(t, ok)
}

func TestTranslate_Thinking(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "thinking", "webui:s1", map[string]any{
		"delta": "hmm",
	}))
	require.True(t, ok)
	assert.Equal(t, KindThinking, ev.Kind)
	assert.Equal(t, "hmm", ev.Text)
}

func TestTranslate_ToolStart(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "tool", "agent:main:webui:s1", map[string]any{
		"phase": "start",
		"name":  "read_file",
		"args":  map[string]any{"path": "/tmp/x"},
	}))
	require.True(t, ok)
	assert.Equal(t, KindToolStart, ev.Kind)
	assert.Equal(t, "read_file", ev.Name)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(ev.Args))
}

func TestTranslate_ToolResult(t *testing.T) {
	ev, ok := Translate(agentEvent(t, "tool", "webui:s1", map[string]any{
		"phase":  "result",
		"name":   "read_file",
		"result": "contents",
	}))
	require.True(t, ok)
	assert.Equal(t, KindToolResult, ev.Kind)
	assert.Equal(t, "read_file", ev.Name)
	assert.JSONEq(t, `"contents"`, string(ev.Result))
}

func TestTranslate_ToolOtherPhaseDropped(t *testing.T) {
	_, ok := Translate(agentEvent(t, "tool", "webui:s1", map[string]any{"phase": "progress"}))
	assert.False(t, ok)
}

func TestTranslate_UnknownStreamDropped(t *testing.T) {
	_, ok := Translate(agentEvent(t, "telemetry", "webui:s1", map[string]any{"x": 1}))
	assert.False(t, ok)
}

func TestTranslate_MalformedDataDropped(t *testing.T) {
	_, ok := Translate(protocol.AgentEventPayload{
		Stream:     "assistant",
		Data:       json.RawMessage(`{broken`),
		SessionKey: "webui:s1",
	})
	assert.False(t, ok)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "lifecycle", KindLifecycle.String())
	assert.Equal(t, "chunk", KindChunk.String())
	assert.Equal(t, "thinking", KindThinking.String())
	assert.Equal(t, "tool_start", KindToolStart.String())
	assert.Equal(t, "tool_result", KindToolResult.String())
}
