package secrets

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/monadicus/snops-core/internal/crypto"
)

// envelopeInfo scopes the key this package derives from SECRETS_MASTER_KEY
// (via internal/crypto's HMAC-based derivation) away from
// internal/bus.TokenAuthority's use of the same root secret as a direct
// HMAC key for bearer tokens: two different derivations of one root key,
// never the same derived key for two purposes.
const envelopeInfo = "secrets-at-rest"

// Repository persists encrypted secrets and their audit trail, keyed by the
// owning agent and the node key the secret material belongs to.
type Repository interface {
	GetSecret(ctx context.Context, agentID, nodeKey string) (*Secret, error)
	PutSecret(ctx context.Context, secret *Secret) error
	CreateAuditLog(ctx context.Context, log *AuditLog) error
}

// Manager encrypts and decrypts secret values at rest using
// internal/crypto's envelope scheme, and records every access in the
// repository's audit log.
type Manager struct {
	repo      Repository
	masterKey []byte
}

// NewManager constructs a Manager backed by repo, validating rawKey as a
// 32-byte (or 64 hex char) master key.
func NewManager(repo Repository, rawKey []byte) (*Manager, error) {
	if repo == nil {
		return nil, fmt.Errorf("secrets: repository is required")
	}
	key, err := normalizeMasterKey(rawKey)
	if err != nil {
		return nil, err
	}
	return &Manager{repo: repo, masterKey: key}, nil
}

// Put encrypts value and stores it for (agentID, nodeKey), overwriting any
// existing secret.
func (m *Manager) Put(ctx context.Context, agentID, nodeKey, value string) error {
	if agentID == "" || nodeKey == "" {
		return fmt.Errorf("secrets: agentID and nodeKey required")
	}
	encrypted, err := crypto.EncryptEnvelope(m.masterKey, []byte(subject(agentID, nodeKey)), envelopeInfo, []byte(value))
	if err != nil {
		m.audit(ctx, agentID, nodeKey, "create", false, err)
		return err
	}
	if err := m.repo.PutSecret(ctx, &Secret{AgentID: agentID, NodeKey: nodeKey, EncryptedValue: encrypted}); err != nil {
		m.audit(ctx, agentID, nodeKey, "create", false, err)
		return err
	}
	m.audit(ctx, agentID, nodeKey, "create", true, nil)
	return nil
}

// Get returns the decrypted secret value stored for (agentID, nodeKey).
func (m *Manager) Get(ctx context.Context, agentID, nodeKey string) (string, error) {
	if agentID == "" || nodeKey == "" {
		return "", fmt.Errorf("secrets: agentID and nodeKey required")
	}

	secret, err := m.repo.GetSecret(ctx, agentID, nodeKey)
	if err != nil {
		m.audit(ctx, agentID, nodeKey, "read", false, err)
		return "", err
	}
	if secret == nil {
		m.audit(ctx, agentID, nodeKey, "read", false, ErrNotFound)
		return "", ErrNotFound
	}

	plaintext, err := crypto.DecryptEnvelope(m.masterKey, []byte(subject(agentID, nodeKey)), envelopeInfo, secret.EncryptedValue)
	if err != nil {
		m.audit(ctx, agentID, nodeKey, "read", false, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err))
		return "", ErrInvalidCiphertext
	}

	m.audit(ctx, agentID, nodeKey, "read", true, nil)
	return string(plaintext), nil
}

// GetSecret implements Provider.
func (m *Manager) GetSecret(ctx context.Context, agentID, nodeKey string) (string, error) {
	return m.Get(ctx, agentID, nodeKey)
}

func subject(agentID, nodeKey string) string {
	return agentID + "/" + nodeKey
}

func (m *Manager) audit(ctx context.Context, agentID, nodeKey, action string, success bool, err error) {
	if m.repo == nil {
		return
	}
	entry := &AuditLog{
		AgentID: agentID,
		NodeKey: nodeKey,
		Action:  action,
		Success: success,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	_ = m.repo.CreateAuditLog(ctx, entry)
}

func normalizeMasterKey(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("secrets: %s is required", MasterKeyEnv)
	}
	if isHex(trimmed) {
		decoded, err := hex.DecodeString(trimmed)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}

	if len(trimmed) == 32 {
		if !isDevEnv() {
			return nil, fmt.Errorf("secrets: %s must be 32 bytes (or 64 hex chars)", MasterKeyEnv)
		}
		log.Printf("[SECURITY WARNING] Using plaintext %s in development mode.", MasterKeyEnv)
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("secrets: %s must be 32 bytes (or 64 hex chars)", MasterKeyEnv)
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isDevEnv() bool {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("SNOPS_ENV")))
	if env == "" {
		env = strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	}
	return env == "development" || env == "dev" || env == "local"
}
