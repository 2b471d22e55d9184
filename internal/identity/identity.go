// ABOUTME: Device identity persistence and signed connect assertions
// ABOUTME: ed25519 keypair stored on disk, fingerprint-derived device id

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

// Identity is the relay's signing keypair. Immutable for process lifetime.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

// identityFile is the on-disk JSON shape. Keys are base64 (standard
// encoding) of the raw key bytes.
type identityFile struct {
	DeviceID   string    `json:"deviceId"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Fingerprint derives the device id from the raw public key bytes.
// Deterministic: the same key always yields the same id.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:32]
}

// LoadOrCreate returns the identity stored at path, generating and
// persisting a fresh one if no valid identity exists. A write failure is
// returned to the caller; without a persisted identity no handshake is
// possible, so callers treat it as fatal at startup.
func LoadOrCreate(path string) (*Identity, error) {
	if id, err := load(path); err == nil {
		return id, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}

	id := &Identity{
		DeviceID:   Fingerprint(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  time.Now().UTC(),
	}

	if err := save(path, id); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}
	return id, nil
}

func load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	if f.DeviceID == "" || f.PublicKey == "" || f.PrivateKey == "" {
		return nil, fmt.Errorf("identity file missing fields")
	}

	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file has malformed keys")
	}

	return &Identity{
		DeviceID:   f.DeviceID,
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
		CreatedAt:  f.CreatedAt,
	}, nil
}

func save(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating identity dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(identityFile{
		DeviceID:   id.DeviceID,
		PublicKey:  base64.StdEncoding.EncodeToString(id.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(id.PrivateKey),
		CreatedAt:  id.CreatedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// SignAssertion builds and signs the canonical connect assertion. The
// payload is pipe-delimited:
//
//	version|deviceId|clientId|clientMode|role|scopes|signedAtMs|token[|nonce]
//
// Version is v2 when a nonce is supplied, v1 otherwise (legacy
// no-challenge gateways). SignedAt is captured here and the result must
// not be reused across handshake attempts.
func (id *Identity) SignAssertion(token, nonce string) protocol.DeviceInfo {
	signedAt := time.Now().UnixMilli()

	version := "v1"
	if nonce != "" {
		version = "v2"
	}

	parts := []string{
		version,
		id.DeviceID,
		protocol.ClientID,
		protocol.ClientMode,
		protocol.RoleOperator,
		protocol.ScopeOperator,
		strconv.FormatInt(signedAt, 10),
		token,
	}
	if nonce != "" {
		parts = append(parts, nonce)
	}
	payload := strings.Join(parts, "|")

	sig := ed25519.Sign(id.PrivateKey, []byte(payload))

	return protocol.DeviceInfo{
		ID:        id.DeviceID,
		PublicKey: base64.RawURLEncoding.EncodeToString(id.PublicKey),
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}
}
