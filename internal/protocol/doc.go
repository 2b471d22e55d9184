// Package protocol defines the gateway wire protocol (v3).
//
// # Frames
//
// Every message on a gateway socket is one JSON frame, tagged by type:
//
//   - "req"   client request: {type, id, method, params}
//   - "res"   server response: {type, id, ok, payload|error}
//   - "event" server push: {type, event, payload}
//
// The Frame type holds all three shapes; params and payloads stay raw
// until the caller knows which concrete type to decode into.
//
// # Handshake
//
// After the socket opens the gateway emits a connect.challenge event with
// a nonce. The client answers with a connect request carrying the auth
// token and a device assertion signed over that nonce. The matching
// response's ok field decides whether the link is usable.
//
// # Agent traffic
//
// Messages are sent with the agent method; the response payload carries
// the runId of the spawned invocation. Streaming output arrives as agent
// events demultiplexed by their stream field (assistant, thinking, tool,
// lifecycle). Cancellation uses agent.cancel with the tracked runId.
package protocol
