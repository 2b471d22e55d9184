// ABOUTME: Tests for the gateway link state machine and request bookkeeping
// ABOUTME: Covers backoff sequence, cancel no-op rule, run tracking, message building

package gateway

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/identity"
	"github.com/2389/coven-relay/internal/protocol"
)

func testLink(t *testing.T) *Link {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "identity.json"))
	require.NoError(t, err)
	return NewLink(Options{
		Gateway: config.GatewayConfig{
			Name:    "main",
			URL:     "ws://localhost:0/ws/gateway",
			Token:   "tok",
			AgentID: "main",
		},
		Reconnect: config.ReconnectConfig{
			BaseDelay: time.Second,
			MaxDelay:  8 * time.Second,
			Factor:    2,
		},
		Identity: id,
	}, Callbacks{})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "awaiting-challenge", StateAwaitingChallenge.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "ready", StateReady.String())
}

func TestNextDelay_ExponentialWithCap(t *testing.T) {
	l := testLink(t)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, l.nextDelay(), "attempt %d", i)
	}
}

func TestNextDelay_ResetsAfterReady(t *testing.T) {
	l := testLink(t)

	l.nextDelay()
	l.nextDelay()
	l.nextDelay()

	// Reaching Ready resets the attempt counter.
	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()

	assert.Equal(t, time.Second, l.nextDelay())
}

func TestCancelRun_NoTrackedRunIsNoOp(t *testing.T) {
	l := testLink(t)
	l.mu.Lock()
	l.state = StateReady
	l.mu.Unlock()

	// No active run for the session: no frame, no error, even though the
	// link has no usable connection to send one on.
	assert.NoError(t, l.CancelRun("webui:s1"))
}

func TestCancelRun_NotReadyWithRun(t *testing.T) {
	l := testLink(t)
	l.mu.Lock()
	l.activeRuns["webui:s1"] = "r1"
	l.mu.Unlock()

	assert.ErrorIs(t, l.CancelRun("webui:s1"), ErrNotReady)
}

func TestSendMessage_NotReady(t *testing.T) {
	l := testLink(t)
	assert.ErrorIs(t, l.SendMessage("webui:s1", "hello", nil), ErrNotReady)
}

func okFrame(t *testing.T, id string, payload any) protocol.Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ok := true
	return protocol.Frame{
		Type:    protocol.FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}
}

func TestHandleResponse_TracksRunAndClearsPending(t *testing.T) {
	l := testLink(t)
	l.mu.Lock()
	l.pending["req-1"] = "webui:s1"
	l.mu.Unlock()

	l.handleResponse(okFrame(t, "req-1", map[string]any{"runId": "r1"}))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.pending)
	assert.Equal(t, "r1", l.activeRuns["webui:s1"])
}

func TestHandleResponse_FailureClearsPendingWithoutRun(t *testing.T) {
	l := testLink(t)
	l.mu.Lock()
	l.pending["req-1"] = "webui:s1"
	l.mu.Unlock()

	notOK := false
	l.handleResponse(protocol.Frame{
		Type:  protocol.FrameTypeResponse,
		ID:    "req-1",
		OK:    &notOK,
		Error: &protocol.ErrorShape{Code: "INTERNAL", Message: "boom"},
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.pending)
	assert.Empty(t, l.activeRuns)
}

func TestHandleResponse_UnknownIDIgnored(t *testing.T) {
	l := testLink(t)
	l.handleResponse(okFrame(t, "stranger", map[string]any{"runId": "r9"}))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.activeRuns)
}

func TestHandleAgentEvent_LifecycleRunTracking(t *testing.T) {
	l := testLink(t)
	var got []Event
	l.callbacks.OnEvent = func(ev Event) { got = append(got, ev) }

	start, _ := json.Marshal(map[string]any{"phase": "start", "runId": "r1"})
	l.handleAgentEvent(protocol.AgentEventPayload{
		Stream:     protocol.StreamLifecycle,
		Data:       start,
		SessionKey: "agent:main:webui:s1",
	})

	l.mu.Lock()
	assert.Equal(t, "r1", l.activeRuns["webui:s1"])
	l.mu.Unlock()

	end, _ := json.Marshal(map[string]any{"phase": "end", "runId": "r1"})
	l.handleAgentEvent(protocol.AgentEventPayload{
		Stream:     protocol.StreamLifecycle,
		Data:       end,
		SessionKey: "agent:main:webui:s1",
	})

	l.mu.Lock()
	assert.Empty(t, l.activeRuns)
	l.mu.Unlock()

	require.Len(t, got, 2)
	assert.Equal(t, "start", got[0].Phase)
	assert.Equal(t, "webui:s1", got[0].SessionKey)
	assert.Equal(t, "end", got[1].Phase)
}

func TestHandleAgentEvent_CancelledClearsRun(t *testing.T) {
	l := testLink(t)
	l.mu.Lock()
	l.activeRuns["webui:s1"] = "r1"
	l.mu.Unlock()

	data, _ := json.Marshal(map[string]any{"phase": "cancelled", "runId": "r1"})
	l.handleAgentEvent(protocol.AgentEventPayload{
		Stream:     protocol.StreamLifecycle,
		Data:       data,
		SessionKey: "agent:main:webui:s1",
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.activeRuns)
}

func TestBuildMessage_PlainString(t *testing.T) {
	msg := BuildMessage("hello", nil)
	assert.Equal(t, "hello", msg)
}

func TestBuildMessage_ContentBlocks(t *testing.T) {
	msg := BuildMessage("look at these", []Attachment{
		{Filename: "photo.png", MimeType: "image/png", Data: "aGk="},
		{Filename: "report.pdf", MimeType: "application/pdf", Data: "cGRm"},
	})

	blocks, ok := msg.([]protocol.ContentBlock)
	require.True(t, ok)
	require.Len(t, blocks, 3)

	assert.Equal(t, protocol.BlockTypeText, blocks[0].Type)
	assert.Equal(t, "look at these", blocks[0].Text)

	assert.Equal(t, protocol.BlockTypeImage, blocks[1].Type)
	assert.Empty(t, blocks[1].Title)
	require.NotNil(t, blocks[1].Source)
	assert.Equal(t, protocol.SourceTypeBase64, blocks[1].Source.Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, "aGk=", blocks[1].Source.Data)

	assert.Equal(t, protocol.BlockTypeDocument, blocks[2].Type)
	assert.Equal(t, "report.pdf", blocks[2].Title)
	require.NotNil(t, blocks[2].Source)
	assert.Equal(t, "application/pdf", blocks[2].Source.MediaType)
}

func TestTeardown_ClearsPendingKeepsRuns(t *testing.T) {
	l := testLink(t)
	l.mu.Lock()
	l.state = StateReady
	l.pending["req-1"] = "webui:s1"
	l.activeRuns["webui:s1"] = "r1"
	l.mu.Unlock()

	l.teardown()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, StateDisconnected, l.state)
	assert.Empty(t, l.pending)
	assert.Equal(t, "r1", l.activeRuns["webui:s1"])
}
