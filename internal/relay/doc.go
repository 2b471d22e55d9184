// Package relay wires the gateway links to the frontend registry.
//
// The Relay is the composition root: it loads the device identity, starts
// one gateway.Link per configured gateway, serves the frontend websocket
// endpoint, and routes traffic both ways. Inbound send/cancel frames are
// dispatched to the addressed link by gateway index; translated agent
// events and link status changes are broadcast through the registry with
// ownership filtering.
//
// Serving is plain TCP or a Tailscale tsnet node (optionally with tailnet
// HTTPS certs or public Funnel), chosen by configuration. Run blocks until
// the context is canceled and then shuts everything down with a bounded
// grace period.
package relay
