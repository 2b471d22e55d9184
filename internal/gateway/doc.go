// Package gateway maintains the persistent links to backend gateways.
//
// # Link lifecycle
//
// Each configured gateway gets one Link running its own connection loop:
//
//	Disconnected -> Connecting -> AwaitingChallenge -> Handshaking -> Ready
//
// The link dials the gateway websocket, waits for the connect.challenge
// event, answers with a connect request signed by the device identity, and
// becomes Ready when the gateway accepts. Any failure at any state drops
// back to Disconnected and schedules a reconnect with exponential backoff
// (reset to the base delay once Ready is reached). The run loop is the
// only place a reconnect is scheduled, so at most one timer exists per
// link.
//
// # Request correlation and run tracking
//
// SendMessage issues an agent request with a unique id and remembers the
// session key under that id. When the matching response arrives carrying a
// runId, the run is recorded for the session; lifecycle events keep the
// record current. CancelRun consults only that record: no tracked run, no
// cancel frame.
//
// # Translation
//
// Inbound agent events are demultiplexed by stream and mapped to the flat
// frontend event vocabulary (see Translate). Session keys are stripped of
// the gateway's agent-qualifying prefix before they leave this package.
package gateway
