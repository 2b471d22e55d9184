// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateways:
//	  - name: "main"
//	    url: "ws://localhost:18789/ws/gateway"
//	    token: "${GATEWAY_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration fields accept Go duration strings ("1s", "500ms", "5m"). They
// are declared twice on the struct: a raw string field bound to YAML and a
// parsed time.Duration twin populated by Load.
//
// # Validation
//
// Load fails with a field-named error when required fields are missing:
// a listen address (or Tailscale), at least one gateway with name and url,
// sane backoff parameters, and at most one of the two password forms.
package config
