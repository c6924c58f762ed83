package secrets

import (
	"context"
	"errors"
	"time"
)

// MasterKeyEnv is the env var name holding the root key the control plane
// uses to derive per-subject envelope keys for secrets at rest (see
// internal/crypto.EncryptEnvelope). It is the same root key
// internal/bus.TokenAuthority uses directly as its MAC key.
const MasterKeyEnv = "SECRETS_MASTER_KEY"

var (
	// ErrNotFound indicates the secret does not exist for the given agent/node key.
	ErrNotFound = errors.New("secret not found")
	// ErrForbidden indicates the caller is not allowed to access the secret.
	ErrForbidden = errors.New("secret access forbidden")
	// ErrInvalidCiphertext indicates the stored secret cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid secret ciphertext")
)

// Provider resolves decrypted secret values for a given agent.
//
// Implementations must enforce per-agent ownership, because callers treat
// the returned value as sensitive key material and must not be able to
// fetch secrets belonging to another agent's nodes.
type Provider interface {
	GetSecret(ctx context.Context, agentID, nodeKey string) (string, error)
}

// Secret is an encrypted secret at rest, keyed by the owning agent and the
// node key the secret was issued for (spec.md §3's PrivateKeyRef material).
type Secret struct {
	ID             string
	AgentID        string
	NodeKey        string
	EncryptedValue []byte
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditLog records an access attempt against a secret.
type AuditLog struct {
	ID           string
	AgentID      string
	NodeKey      string
	Action       string // create, read, update, delete
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}
