// ABOUTME: Persistent connection to one backend gateway with signed handshake
// ABOUTME: State machine, reconnection backoff, request correlation, run tracking

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/identity"
	"github.com/2389/coven-relay/internal/protocol"
)

// State is the link lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotReady is returned for sends and cancels while the link is not Ready.
var ErrNotReady = errors.New("gateway link not ready")

// maxFrameBytes bounds inbound frames. Tool results can be large but a
// single frame past this size indicates a broken peer.
const maxFrameBytes = 16 << 20

// writeTimeout bounds individual frame writes.
const writeTimeout = 10 * time.Second

// Callbacks deliver link output to the composition root. OnEvent receives
// translated agent events; OnStatus fires with true when the link reaches
// Ready and false when an established connection is lost or a handshake is
// rejected. Either may be nil.
type Callbacks struct {
	OnEvent  func(Event)
	OnStatus func(connected bool)
}

// Options configures a Link.
type Options struct {
	Gateway          config.GatewayConfig
	Reconnect        config.ReconnectConfig
	HandshakeTimeout time.Duration
	Identity         *identity.Identity
	Logger           *slog.Logger
}

// Link owns one persistent gateway connection.
type Link struct {
	cfg              config.GatewayConfig
	reconnect        config.ReconnectConfig
	handshakeTimeout time.Duration
	identity         *identity.Identity
	logger           *slog.Logger
	callbacks        Callbacks

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	pending    map[string]string // request id -> session key
	activeRuns map[string]string // session key -> run id
	attempts   int
}

// NewLink creates a link for one configured gateway. Call Run to start it.
func NewLink(opts Options, cb Callbacks) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ht := opts.HandshakeTimeout
	if ht == 0 {
		ht = config.DefaultHandshakeTimeout
	}
	return &Link{
		cfg:              opts.Gateway,
		reconnect:        opts.Reconnect,
		handshakeTimeout: ht,
		identity:         opts.Identity,
		logger:           logger.With("component", "gateway-link", "gateway", opts.Gateway.Name),
		callbacks:        cb,
		state:            StateDisconnected,
		pending:          make(map[string]string),
		activeRuns:       make(map[string]string),
	}
}

// Name returns the configured gateway name.
func (l *Link) Name() string {
	return l.cfg.Name
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether the link is Ready.
func (l *Link) Connected() bool {
	return l.State() == StateReady
}

// Run drives the connect/handshake/read cycle until ctx is canceled,
// sleeping the backoff delay between attempts. The delay grows by the
// configured factor per consecutive failure, capped at the maximum, and
// resets to the base once the link reaches Ready.
func (l *Link) Run(ctx context.Context) {
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			l.logger.Info("link stopped")
			return
		}
		delay := l.nextDelay()
		l.logger.Warn("connection lost, reconnecting",
			"error", err,
			"delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextDelay computes min(base * factor^n, max) and advances the attempt
// counter.
func (l *Link) nextDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := time.Duration(float64(l.reconnect.BaseDelay) * math.Pow(l.reconnect.Factor, float64(l.attempts)))
	if d > l.reconnect.MaxDelay || d <= 0 {
		d = l.reconnect.MaxDelay
	}
	l.attempts++
	return d
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.logger.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

// runOnce performs one full connection attempt: dial, handshake, then the
// ready loop. Returns when the connection is lost or rejected.
func (l *Link) runOnce(ctx context.Context) error {
	l.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, l.handshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.cfg.URL, nil)
	cancel()
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("dialing %s: %w", l.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "link closed")
		l.teardown()
	}()

	frames := make(chan protocol.Frame, 32)
	readErr := make(chan error, 1)
	go l.readFrames(ctx, conn, frames, readErr)

	l.setState(StateAwaitingChallenge)
	if err := l.handshake(ctx, frames, readErr); err != nil {
		l.emitStatus(false)
		return err
	}

	l.mu.Lock()
	l.state = StateReady
	l.attempts = 0
	l.mu.Unlock()
	l.logger.Info("gateway link ready")
	l.emitStatus(true)
	defer l.emitStatus(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case f := <-frames:
			l.handleFrame(f)
		}
	}
}

// readFrames is the sole reader for one connection. Plain-text ping/pong
// heartbeats are answered here, before JSON parsing; unparsable frames are
// dropped without affecting the connection.
func (l *Link) readFrames(ctx context.Context, conn *websocket.Conn, frames chan<- protocol.Frame, readErr chan<- error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}

		if typ == websocket.MessageText {
			switch string(data) {
			case "ping":
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				_ = conn.Write(wctx, websocket.MessageText, []byte("pong"))
				cancel()
				continue
			case "pong":
				continue
			}
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			l.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// handshake waits for the connect.challenge event, answers with a signed
// connect request, and waits for the gateway's verdict. Gateways that
// never send a challenge get a legacy v1 (no-nonce) assertion after the
// handshake timeout.
func (l *Link) handshake(ctx context.Context, frames <-chan protocol.Frame, readErr <-chan error) error {
	timer := time.NewTimer(l.handshakeTimeout)
	defer timer.Stop()

	var reqID string
	sentLegacy := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("handshake read: %w", err)
		case <-timer.C:
			if l.State() == StateAwaitingChallenge && !sentLegacy {
				// Legacy no-challenge gateway: sign without a nonce.
				l.logger.Debug("no challenge received, attempting v1 connect")
				id, err := l.sendConnect("")
				if err != nil {
					return err
				}
				reqID = id
				sentLegacy = true
				l.setState(StateHandshaking)
				timer.Reset(l.handshakeTimeout)
				continue
			}
			return errors.New("handshake timeout")
		case f := <-frames:
			switch {
			case f.Type == protocol.FrameTypeEvent && f.Event == protocol.EventConnectChallenge:
				if l.State() != StateAwaitingChallenge {
					continue
				}
				var ch protocol.ChallengePayload
				if err := json.Unmarshal(f.Payload, &ch); err != nil {
					return fmt.Errorf("parsing challenge: %w", err)
				}
				id, err := l.sendConnect(ch.Nonce)
				if err != nil {
					return err
				}
				reqID = id
				l.setState(StateHandshaking)

			case f.Type == protocol.FrameTypeResponse && f.ID == reqID && reqID != "":
				if f.OK != nil && *f.OK {
					return nil
				}
				msg := "unknown error"
				if f.Error != nil {
					msg = f.Error.Message
				}
				return fmt.Errorf("connect rejected: %s", msg)

			default:
				// Business frames before Ready are discarded.
			}
		}
	}
}

// sendConnect issues the connect request with a freshly signed assertion.
func (l *Link) sendConnect(nonce string) (string, error) {
	device := l.identity.SignAssertion(l.cfg.Token, nonce)
	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:          protocol.ClientID,
			DisplayName: "coven-relay",
			Platform:    "linux",
			Mode:        protocol.ClientMode,
		},
		Role:   protocol.RoleOperator,
		Scopes: []string{protocol.ScopeOperator},
		Caps:   []string{protocol.CapToolEvents},
		Auth:   &protocol.AuthInfo{Token: l.cfg.Token},
		Device: &device,
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding connect params: %w", err)
	}

	id := uuid.New().String()
	err = l.write(protocol.Frame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: protocol.MethodConnect,
		Params: raw,
	})
	if err != nil {
		return "", fmt.Errorf("sending connect: %w", err)
	}
	return id, nil
}

// handleFrame processes one frame in the Ready state.
func (l *Link) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeResponse:
		l.handleResponse(f)
	case protocol.FrameTypeEvent:
		if f.Event == protocol.EventAgent {
			var p protocol.AgentEventPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				l.logger.Debug("dropping malformed agent event", "error", err)
				return
			}
			l.handleAgentEvent(p)
		}
	}
}

// handleResponse resolves a pending send request. The pending entry is
// removed whether the response succeeded or not; a successful payload
// carrying a runId starts run tracking for the session.
func (l *Link) handleResponse(f protocol.Frame) {
	l.mu.Lock()
	sessionKey, ok := l.pending[f.ID]
	if ok {
		delete(l.pending, f.ID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	if f.OK == nil || !*f.OK {
		msg := ""
		if f.Error != nil {
			msg = f.Error.Message
		}
		l.logger.Warn("agent request failed", "session_key", sessionKey, "error", msg)
		return
	}

	var payload protocol.AgentRunPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			l.logger.Debug("unparsable agent response payload", "error", err)
			return
		}
	}
	if payload.RunID != "" {
		l.mu.Lock()
		l.activeRuns[sessionKey] = payload.RunID
		l.mu.Unlock()
	}
}

// handleAgentEvent updates run tracking for lifecycle phases and forwards
// the translated event.
func (l *Link) handleAgentEvent(p protocol.AgentEventPayload) {
	ev, ok := Translate(p)
	if !ok {
		return
	}

	if ev.Kind == KindLifecycle {
		switch ev.Phase {
		case protocol.PhaseStart:
			if ev.RunID != "" {
				l.mu.Lock()
				l.activeRuns[ev.SessionKey] = ev.RunID
				l.mu.Unlock()
			}
		case protocol.PhaseEnd, protocol.PhaseCancelled:
			l.mu.Lock()
			delete(l.activeRuns, ev.SessionKey)
			l.mu.Unlock()
		}
	}

	if l.callbacks.OnEvent != nil {
		l.callbacks.OnEvent(ev)
	}
}

// Attachment is one file attached to an outbound message. Data is base64.
type Attachment struct {
	Filename string
	MimeType string
	Data     string
}

// SendMessage issues an agent request for the session. The session key is
// remembered under the request id so the response's runId can be tracked.
// Returns ErrNotReady when the link is not Ready; nothing is queued.
func (l *Link) SendMessage(sessionKey, text string, attachments []Attachment) error {
	l.mu.Lock()
	if l.state != StateReady {
		l.mu.Unlock()
		return ErrNotReady
	}
	id := uuid.New().String()
	l.pending[id] = sessionKey
	l.mu.Unlock()

	params := protocol.AgentParams{
		AgentID:        l.cfg.AgentID,
		SessionKey:     sessionKey,
		Message:        BuildMessage(text, attachments),
		Deliver:        false,
		IdempotencyKey: uuid.New().String(),
	}
	raw, err := json.Marshal(params)
	if err != nil {
		l.dropPending(id)
		return fmt.Errorf("encoding agent params: %w", err)
	}

	err = l.write(protocol.Frame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: protocol.MethodAgent,
		Params: raw,
	})
	if err != nil {
		l.dropPending(id)
		return fmt.Errorf("sending agent request: %w", err)
	}

	l.logger.Debug("agent request sent", "session_key", sessionKey, "request_id", id)
	return nil
}

// CancelRun cancels the tracked run for the session. With no tracked run
// there is nothing to cancel and no frame is sent.
func (l *Link) CancelRun(sessionKey string) error {
	l.mu.Lock()
	runID, ok := l.activeRuns[sessionKey]
	ready := l.state == StateReady
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if !ready {
		return ErrNotReady
	}

	params := protocol.AgentCancelParams{
		SessionKey: sessionKey,
		RunID:      runID,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding cancel params: %w", err)
	}

	err = l.write(protocol.Frame{
		Type:   protocol.FrameTypeRequest,
		ID:     uuid.New().String(),
		Method: protocol.MethodAgentCancel,
		Params: raw,
	})
	if err != nil {
		return fmt.Errorf("sending cancel request: %w", err)
	}

	l.logger.Debug("cancel request sent", "session_key", sessionKey, "run_id", runID)
	return nil
}

// BuildMessage serializes the outbound message: a plain string when there
// are no attachments, otherwise an ordered content-block array with the
// text first. Image MIME types become image blocks, everything else a
// document block titled with the filename.
func BuildMessage(text string, attachments []Attachment) any {
	if len(attachments) == 0 {
		return text
	}

	blocks := []protocol.ContentBlock{{
		Type: protocol.BlockTypeText,
		Text: text,
	}}
	for _, att := range attachments {
		block := protocol.ContentBlock{
			Type:  protocol.BlockTypeDocument,
			Title: att.Filename,
			Source: &protocol.BlockSource{
				Type:      protocol.SourceTypeBase64,
				MediaType: att.MimeType,
				Data:      att.Data,
			},
		}
		if isImageMime(att.MimeType) {
			block.Type = protocol.BlockTypeImage
			block.Title = ""
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func isImageMime(mimeType string) bool {
	return len(mimeType) > 6 && mimeType[:6] == "image/"
}

func (l *Link) dropPending(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// write sends one frame with a bounded timeout.
func (l *Link) write(f protocol.Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotReady
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// teardown clears connection-scoped state after a disconnect. Pending
// requests are dropped; active runs survive so a reconnected link can
// still receive their lifecycle events.
func (l *Link) teardown() {
	l.mu.Lock()
	l.conn = nil
	l.pending = make(map[string]string)
	l.state = StateDisconnected
	l.mu.Unlock()
}

func (l *Link) emitStatus(connected bool) {
	if l.callbacks.OnStatus != nil {
		l.callbacks.OnStatus(connected)
	}
}
