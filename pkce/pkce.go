// Package pkce generates and checks the PKCE values used by the
// authorization handoff (RFC 7636, S256 only).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// MethodS256 is the only challenge method the proxy accepts
	MethodS256 = "S256"

	stateLength    = 16
	verifierLength = 32
)

// Challenge bundles everything a client needs to start a flow.
type Challenge struct {
	State     string
	Verifier  string
	Challenge string
	Method    string
}

// Generate creates a fresh state, verifier and matching challenge.
func Generate() (*Challenge, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, err
	}
	return &Challenge{
		State:     state,
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
		Method:    MethodS256,
	}, nil
}

// GenerateState returns 16 random bytes, base64url encoded without padding.
func GenerateState() (string, error) {
	return RandomString(stateLength)
}

// GenerateCodeVerifier returns 32 random bytes, base64url encoded without padding.
func GenerateCodeVerifier() (string, error) {
	return RandomString(verifierLength)
}

// GenerateCodeChallenge returns base64url(sha256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyCodeChallenge reports whether verifier hashes to challenge.
func VerifyCodeChallenge(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := GenerateCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// RandomString reads n bytes from the CSPRNG and base64url encodes them.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("[pkce.RandomString] failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
