// Package frontend terminates browser websocket connections.
//
// # Control protocol
//
// Frames are JSON objects tagged by type. Inbound: auth, send, cancel.
// Outbound: auth_required, auth_ok, auth_fail, init, status, lifecycle,
// chunk, thinking, tool_start, tool_result, error.
//
// # Authentication gate
//
// With no shared secret configured, connections are authenticated as soon
// as they are accepted. Otherwise a connection receives auth_required and
// only the auth frame is processed until the password checks out; anything
// else is answered with another auth_required. A correct password yields
// auth_ok followed by init, in that order.
//
// # Ownership and broadcast
//
// Each connection tracks the session keys it has sent on. Session-scoped
// frames (lifecycle, chunk, thinking, tool_start, tool_result) are
// delivered only to authenticated connections owning the frame's session
// key; connection-scoped frames (status, error) go to every authenticated
// connection. One browser tab never sees another tab's conversation.
//
// # Attachment limits
//
// Sends accept at most 5 attachments of 10 MiB each. MIME types outside
// the whitelist are logged and forwarded anyway; the gateway decides what
// it accepts.
package frontend
