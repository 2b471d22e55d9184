// Package identity manages the relay's long-lived device keypair.
//
// The identity is an ed25519 keypair persisted as a small JSON file with
// owner-only permissions. Its fingerprint (a stable hash of the raw public
// key) becomes the device id presented to gateways. The keypair signs a
// canonical assertion payload during every connect handshake; v2
// assertions cover the gateway-issued challenge nonce, v1 is the legacy
// no-challenge form.
package identity
