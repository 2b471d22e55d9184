// ABOUTME: Composition root wiring gateway links to the frontend registry
// ABOUTME: Dispatches send/cancel by gateway index and broadcasts link output

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/frontend"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/identity"
)

// shutdownTimeout bounds the graceful shutdown after Run's context ends.
const shutdownTimeout = 5 * time.Second

// Relay owns the gateway links, the frontend registry, and the HTTP
// server. Construct with New, start with Run.
type Relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	identity *identity.Identity

	links    []*gateway.Link
	registry *frontend.Registry
	server   *frontend.Server

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	linkCancel context.CancelFunc
}

// New loads the device identity and wires all components. A failed
// identity load or persist is returned as-is: without an identity no
// gateway handshake is possible, so startup must abort.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id, err := identity.LoadOrCreate(identityPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}
	logger.Info("device identity loaded", "device_id", id.DeviceID)

	r := &Relay{
		cfg:      cfg,
		logger:   logger.With("component", "relay"),
		identity: id,
		registry: frontend.NewRegistry(logger),
	}

	for i, gw := range cfg.Gateways {
		idx := i
		link := gateway.NewLink(gateway.Options{
			Gateway:          gw,
			Reconnect:        cfg.Reconnect,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Identity:         id,
			Logger:           logger,
		}, gateway.Callbacks{
			OnEvent:  func(ev gateway.Event) { r.broadcastEvent(idx, ev) },
			OnStatus: func(connected bool) { r.broadcastStatus(idx, connected) },
		})
		r.links = append(r.links, link)
	}

	r.server = frontend.NewServer(r.registry, r, frontend.NewAuthenticator(cfg.Auth), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.server.HandleWS)
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/health/ready", r.handleReady)
	r.httpServer = &http.Server{Handler: mux}

	return r, nil
}

// identityPath returns the configured identity file location or the
// XDG data default.
func identityPath(cfg *config.Config) string {
	if cfg.Identity.Path != "" {
		return cfg.Identity.Path
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "identity.json"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven-relay", "identity.json")
}

// Run starts the links and the HTTP server and blocks until the context
// is canceled or the server fails. Returns nil on graceful shutdown.
func (r *Relay) Run(ctx context.Context) error {
	listener, err := r.setupListener(ctx)
	if err != nil {
		return err
	}

	linkCtx, cancel := context.WithCancel(ctx)
	r.linkCancel = cancel
	for _, link := range r.links {
		go link.Run(linkCtx)
	}

	errCh := r.startServer(listener)
	serverErr := r.waitForShutdownSignal(ctx, errCh)

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning its error
// channel.
func (r *Relay) startServer(listener net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (r *Relay) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		r.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is
// already canceled.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(ctx)
}

// Shutdown stops the links and servers and releases resources.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	if r.linkCancel != nil {
		r.linkCancel()
	}

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", r.httpServer.Shutdown(ctx))
	if r.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", r.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// HandleSend forwards a send to the addressed link. The session key is
// already recorded in the issuing connection's owned set. A link that is
// not Ready rejects the send with an error frame; nothing is queued.
func (r *Relay) HandleSend(c *frontend.Client, frame frontend.ClientFrame) {
	link, ok := r.linkAt(frame.Gateway)
	if !ok {
		_ = c.Write(frontend.NewErrorFrame(fmt.Sprintf("unknown gateway %d", frame.Gateway)))
		return
	}

	attachments := make([]gateway.Attachment, 0, len(frame.Attachments))
	for _, att := range frame.Attachments {
		attachments = append(attachments, gateway.Attachment{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Data:     att.Data,
		})
	}

	if err := link.SendMessage(frame.SessionKey, frame.Message, attachments); err != nil {
		if errors.Is(err, gateway.ErrNotReady) {
			_ = c.Write(frontend.NewGatewayErrorFrame(frame.Gateway, "gateway not connected"))
			return
		}
		r.logger.Warn("send failed", "gateway", link.Name(), "error", err)
		_ = c.Write(frontend.NewGatewayErrorFrame(frame.Gateway, "send failed"))
	}
}

// HandleCancel cancels the tracked run for the session. With no tracked
// run the cancel is a silent no-op.
func (r *Relay) HandleCancel(c *frontend.Client, frame frontend.ClientFrame) {
	link, ok := r.linkAt(frame.Gateway)
	if !ok {
		_ = c.Write(frontend.NewErrorFrame(fmt.Sprintf("unknown gateway %d", frame.Gateway)))
		return
	}

	if err := link.CancelRun(frame.SessionKey); err != nil {
		if errors.Is(err, gateway.ErrNotReady) {
			_ = c.Write(frontend.NewGatewayErrorFrame(frame.Gateway, "gateway not connected"))
			return
		}
		r.logger.Warn("cancel failed", "gateway", link.Name(), "error", err)
	}
}

// BuildInit describes the configured gateways and models with their live
// connection state.
func (r *Relay) BuildInit() frontend.InitFrame {
	gateways := make([]frontend.GatewayStatus, 0, len(r.links))
	for _, link := range r.links {
		gateways = append(gateways, frontend.GatewayStatus{
			Name:      link.Name(),
			Connected: link.Connected(),
		})
	}
	models := r.cfg.Models
	if models == nil {
		models = []config.ModelConfig{}
	}
	return frontend.InitFrame{
		Type:     frontend.TypeInit,
		Models:   models,
		Gateways: gateways,
	}
}

func (r *Relay) linkAt(index int) (*gateway.Link, bool) {
	if index < 0 || index >= len(r.links) {
		return nil, false
	}
	return r.links[index], true
}

// broadcastEvent fans one translated agent event out to the connections
// owning its session.
func (r *Relay) broadcastEvent(gatewayIndex int, ev gateway.Event) {
	frame := frontend.EventFrame{
		Type:       eventFrameType(ev.Kind),
		Gateway:    gatewayIndex,
		SessionKey: ev.SessionKey,
		Phase:      ev.Phase,
		RunID:      ev.RunID,
		Message:    ev.Message,
		Text:       ev.Text,
		Name:       ev.Name,
		Args:       ev.Args,
		Result:     ev.Result,
	}
	r.registry.BroadcastSession(frame, ev.SessionKey)
}

func eventFrameType(kind gateway.EventKind) string {
	switch kind {
	case gateway.KindLifecycle:
		return frontend.TypeLifecycle
	case gateway.KindChunk:
		return frontend.TypeChunk
	case gateway.KindThinking:
		return frontend.TypeThinking
	case gateway.KindToolStart:
		return frontend.TypeToolStart
	case gateway.KindToolResult:
		return frontend.TypeToolResult
	default:
		return frontend.TypeError
	}
}

// broadcastStatus reports a link transition to every authenticated
// connection.
func (r *Relay) broadcastStatus(gatewayIndex int, connected bool) {
	r.registry.BroadcastAll(frontend.StatusFrame{
		Type:      frontend.TypeStatus,
		Gateway:   gatewayIndex,
		Connected: connected,
	})
}

// handleHealth returns 200 OK if the server is alive.
func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one gateway link is Ready.
func (r *Relay) handleReady(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	for _, link := range r.links {
		if link.Connected() {
			connected++
		}
	}
	if connected == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no gateways connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d/%d gateways)", connected, len(r.links))
}
