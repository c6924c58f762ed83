package bus

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TokenAuthority issues and verifies per-agent bearer tokens. Each agent's
// token is a keyed MAC over its agent ID, verified with crypto/hmac +
// crypto/sha256 (the same construction the teacher uses for envelope key
// derivation, reused here for MAC verification instead of encryption).
type TokenAuthority struct {
	secret []byte
}

// NewTokenAuthority constructs an authority keyed by secret, typically the
// control plane's SECRETS_MASTER_KEY.
func NewTokenAuthority(secret []byte) *TokenAuthority {
	return &TokenAuthority{secret: secret}
}

// IssueToken returns an opaque bearer token for agentID, to be stored by
// the agent and presented in every future handshake (spec.md §4.2
// "Each agent is issued an opaque bearer token at first registration").
func (a *TokenAuthority) IssueToken(agentID string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(agentID))
	return mac.Sum(nil)
}

// Verify reports whether token is the correct MAC for agentID.
func (a *TokenAuthority) Verify(agentID string, token []byte) bool {
	want := a.IssueToken(agentID)
	return hmac.Equal(want, token)
}

// NewNonce returns a random hex nonce for a handshake.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("bus: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
