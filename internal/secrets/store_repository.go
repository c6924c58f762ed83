package secrets

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	state "github.com/monadicus/snops-core/internal/store"
)

// prefixes within the shared state.Backend namespace (spec.md §4.1 reserves
// no room for per-secret keys under agent/ or env/, so secrets get their
// own top-level prefix).
const (
	secretPrefix = "secret/"
	auditPrefix  = "audit/secret/"
)

func secretKey(agentID, nodeKey string) string {
	return secretPrefix + agentID + "/" + nodeKey
}

func auditKey(agentID, nodeKey string, seq int64) string {
	return fmt.Sprintf("%s%s/%s/%020d", auditPrefix, agentID, nodeKey, seq)
}

// StoreRepository implements Repository on top of the control plane's
// state.Backend, the same durable key/value namespace the Delegator and
// event bus persist through (spec.md §4.1). It is the state-store-backed
// Repository internal/delegator wires Manager against.
type StoreRepository struct {
	backend state.Backend
}

// NewStoreRepository wraps backend as a secrets Repository.
func NewStoreRepository(backend state.Backend) *StoreRepository {
	return &StoreRepository{backend: backend}
}

func (r *StoreRepository) GetSecret(ctx context.Context, agentID, nodeKey string) (*Secret, error) {
	data, err := r.backend.Get(ctx, secretKey(agentID, nodeKey))
	if err != nil {
		if err == state.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var s Secret
	if err := decodeSecret(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StoreRepository) PutSecret(ctx context.Context, secret *Secret) error {
	now := time.Now().UTC()
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = now
	}
	secret.UpdatedAt = now
	secret.Version++
	data, err := encodeSecret(*secret)
	if err != nil {
		return err
	}
	return r.backend.Put(ctx, secretKey(secret.AgentID, secret.NodeKey), data)
}

func (r *StoreRepository) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	data, err := encodeAuditLog(*log)
	if err != nil {
		return err
	}
	return r.backend.Put(ctx, auditKey(log.AgentID, log.NodeKey, log.CreatedAt.UnixNano()), data)
}

func encodeSecret(s Secret) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("secrets: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSecret(data []byte, s *Secret) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(s); err != nil {
		return fmt.Errorf("secrets: decode: %w", err)
	}
	return nil
}

func encodeAuditLog(a AuditLog) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("secrets: encode audit log: %w", err)
	}
	return buf.Bytes(), nil
}
