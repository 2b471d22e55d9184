// ABOUTME: Shared-secret gate for frontend connections
// ABOUTME: Plain constant-time compare or bcrypt hash verification

package frontend

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-relay/internal/config"
)

// Authenticator checks frontend passwords against the configured secret.
// With neither password form configured, Required reports false and every
// connection is authenticated on accept.
type Authenticator struct {
	password string
	hash     []byte
}

// NewAuthenticator builds the gate from the auth config section.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{password: cfg.Password}
	if cfg.PasswordHash != "" {
		a.hash = []byte(cfg.PasswordHash)
	}
	return a
}

// Required reports whether connections must authenticate.
func (a *Authenticator) Required() bool {
	return a.password != "" || a.hash != nil
}

// Check verifies a password attempt.
func (a *Authenticator) Check(password string) bool {
	if a.hash != nil {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(password)) == 1
}
