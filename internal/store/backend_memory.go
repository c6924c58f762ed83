package state

import (
	"context"
	"strings"
	"sync"
)

// MemoryKVBackend is an in-process Backend implementation, used by agents
// (which need no cross-process durability) and by tests.
type MemoryKVBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKVBackend constructs an empty in-memory Backend.
func NewMemoryKVBackend() *MemoryKVBackend {
	return &MemoryKVBackend{data: make(map[string][]byte)}
}

func (m *MemoryKVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryKVBackend) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryKVBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKVBackend) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

func (m *MemoryKVBackend) Batch(ctx context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			cp := make([]byte, len(op.Value))
			copy(cp, op.Value)
			m.data[op.Key] = cp
		case OpDelete:
			delete(m.data, op.Key)
		}
	}
	return nil
}

func (m *MemoryKVBackend) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}
