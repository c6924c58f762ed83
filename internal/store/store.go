package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/monadicus/snops-core/internal/ids"
)

// ErrNotFound is returned by Backend.Get and the typed accessors built on
// top of it when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Backend is the durable ordered key/value namespace every other
// component ultimately reads and writes through (spec.md §4.1). Besides
// single-key access it offers atomic batch writes and prefix scans.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	Batch(ctx context.Context, ops []BatchOp) error
	Close(ctx context.Context) error
}

// BatchOpKind discriminates a Batch entry.
type BatchOpKind int

const (
	OpPut BatchOpKind = iota
	OpDelete
)

// BatchOp is one write within an atomic Batch call.
type BatchOp struct {
	Kind  BatchOpKind
	Key   string
	Value []byte
}

// Key namespace prefixes, as named in spec.md §4.1.
const (
	prefixAgent          = "agent/"
	prefixEnv            = "env/"
	prefixEvent          = "event/"
	keyGeneration        = "meta/generation"
)

func agentKey(id ids.ID) string { return prefixAgent + string(id) }
func envKey(id ids.ID) string   { return prefixEnv + string(id) }
func envTargetKey(envID ids.ID, nk ids.NodeKey) string {
	return prefixEnv + string(envID) + "/target/" + nk.String()
}
func envTargetPrefix(envID ids.ID) string {
	return prefixEnv + string(envID) + "/target/"
}
func eventKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixEvent, seq)
}

// Store wraps a Backend with the typed key namespace and accessors used by
// every other component (spec.md §4.1).
type Store struct {
	mu      sync.Mutex // serializes casRaw and NextGeneration in this process; Batch atomicity is the backend's
	backend Backend
}

// New wraps backend in a Store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("store: decode: %w", err)
	}
	return nil
}

// GetAgent returns the agent record for id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id ids.ID) (*Agent, error) {
	data, err := s.backend.Get(ctx, agentKey(id))
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := decode(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutAgent writes the full agent record.
func (s *Store) PutAgent(ctx context.Context, a *Agent) error {
	data, err := encode(*a)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, agentKey(a.ID), data)
}

// CompareAndSwapAgent performs the CAS used by the agent-pool reader/writer
// discipline (spec.md §5): it reads the agent record, applies mutate, and
// writes the result only if the stored record is still byte-for-byte the
// one it read; otherwise it returns ErrCASConflict.
func (s *Store) CompareAndSwapAgent(ctx context.Context, id ids.ID, mutate func(a *Agent) error) error {
	// before is the stored encoding itself, not a re-encoding: gob writes
	// map entries in iteration order, so re-encoding can change the bytes.
	before, err := s.backend.Get(ctx, agentKey(id))
	if err != nil {
		return err
	}
	var a Agent
	if err := decode(before, &a); err != nil {
		return err
	}
	if err := mutate(&a); err != nil {
		return err
	}
	after, err := encode(a)
	if err != nil {
		return err
	}
	if bytes.Equal(before, after) {
		return nil
	}
	ok, err := s.casRaw(ctx, agentKey(id), before, after)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCASConflict
	}
	return nil
}

// ErrCASConflict is returned when a compare-and-swap's expected value does
// not match the store's current value.
var ErrCASConflict = fmt.Errorf("store: compare-and-swap conflict")

func (s *Store) casRaw(ctx context.Context, key string, old, new []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.backend.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		return false, err
	}
	if !bytes.Equal(current, old) {
		return false, nil
	}
	return true, s.backend.Put(ctx, key, new)
}

// DeleteAgent removes an agent record entirely (used for eviction).
func (s *Store) DeleteAgent(ctx context.Context, id ids.ID) error {
	return s.backend.Delete(ctx, agentKey(id))
}

// ListAgents returns every agent record in the store.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	raw, err := s.backend.Scan(ctx, prefixAgent)
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(raw))
	for _, data := range raw {
		var a Agent
		if err := decode(data, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, nil
}

// GetEnv returns the environment record for id.
func (s *Store) GetEnv(ctx context.Context, id ids.ID) (*Environment, error) {
	data, err := s.backend.Get(ctx, envKey(id))
	if err != nil {
		return nil, err
	}
	var e Environment
	if err := decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEnvs returns every environment record.
func (s *Store) ListEnvs(ctx context.Context) ([]*Environment, error) {
	raw, err := s.backend.Scan(ctx, prefixEnv)
	if err != nil {
		return nil, err
	}
	out := make([]*Environment, 0)
	for k, data := range raw {
		// environments and their per-node targets share the env/ prefix;
		// only keys with no further "/" after the id are the env record
		// itself ("env/<id>", never "env/<id>/target/<node_key>").
		rest := strings.TrimPrefix(k, prefixEnv)
		if strings.Contains(rest, "/") {
			continue
		}
		var e Environment
		if err := decode(data, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// PutEnv writes the environment record and its resolved per-node target
// states atomically (spec.md §4.4 "Outputs ... written atomically").
func (s *Store) PutEnv(ctx context.Context, e *Environment, targets map[ids.NodeKey]TargetState) error {
	envData, err := encode(*e)
	if err != nil {
		return err
	}
	ops := []BatchOp{{Kind: OpPut, Key: envKey(e.ID), Value: envData}}
	for nk, t := range targets {
		data, err := encode(t)
		if err != nil {
			return err
		}
		ops = append(ops, BatchOp{Kind: OpPut, Key: envTargetKey(e.ID, nk), Value: data})
	}
	return s.backend.Batch(ctx, ops)
}

// DeleteEnv removes an environment and every per-node target state under it.
func (s *Store) DeleteEnv(ctx context.Context, id ids.ID) error {
	targets, err := s.backend.Scan(ctx, envTargetPrefix(id))
	if err != nil {
		return err
	}
	ops := []BatchOp{{Kind: OpDelete, Key: envKey(id)}}
	for k := range targets {
		ops = append(ops, BatchOp{Kind: OpDelete, Key: k})
	}
	return s.backend.Batch(ctx, ops)
}

// GetTarget returns the resolved target state for one node key within an
// environment.
func (s *Store) GetTarget(ctx context.Context, envID ids.ID, nk ids.NodeKey) (*TargetState, error) {
	data, err := s.backend.Get(ctx, envTargetKey(envID, nk))
	if err != nil {
		return nil, err
	}
	var t TargetState
	if err := decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ScanTargets returns every resolved target state for an environment.
func (s *Store) ScanTargets(ctx context.Context, envID ids.ID) (map[ids.NodeKey]TargetState, error) {
	raw, err := s.backend.Scan(ctx, envTargetPrefix(envID))
	if err != nil {
		return nil, err
	}
	out := make(map[ids.NodeKey]TargetState, len(raw))
	prefix := envTargetPrefix(envID)
	for k, data := range raw {
		nkStr := strings.TrimPrefix(k, prefix)
		nk, err := ids.ParseNodeKey(nkStr)
		if err != nil {
			continue
		}
		var t TargetState
		if err := decode(data, &t); err != nil {
			return nil, err
		}
		out[nk] = t
	}
	return out, nil
}

// AppendEvent persists the event under its seq (caller-computed, strictly
// monotonic per generation), mirroring the event bus's last-N
// persistence rule (spec.md §4.6).
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, eventKey(ev.Seq), data)
}

// PruneEvents deletes persisted events with seq < minSeq (bounded
// retention, spec.md §4.6).
func (s *Store) PruneEvents(ctx context.Context, minSeq uint64) error {
	raw, err := s.backend.Scan(ctx, prefixEvent)
	if err != nil {
		return err
	}
	var ops []BatchOp
	for k := range raw {
		seqStr := strings.TrimPrefix(k, prefixEvent)
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			continue
		}
		if seq < minSeq {
			ops = append(ops, BatchOp{Kind: OpDelete, Key: k})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return s.backend.Batch(ctx, ops)
}

// ListEvents returns persisted events with seq >= minSeq in ascending
// order, used to rehydrate the in-memory ring after a restart.
func (s *Store) ListEvents(ctx context.Context, minSeq uint64) ([]Event, error) {
	raw, err := s.backend.Scan(ctx, prefixEvent)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, data := range raw {
		var ev Event
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.Seq >= minSeq {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out, nil
}

func sortEvents(evs []Event) {
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && evs[j-1].Seq > evs[j].Seq; j-- {
			evs[j-1], evs[j] = evs[j], evs[j-1]
		}
	}
}

// NextGeneration reads the persisted generation counter, increments it, and
// persists the new value, implementing "a generation counter is bumped on
// every cold start" (spec.md §3).
func (s *Store) NextGeneration(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gen uint64
	data, err := s.backend.Get(ctx, keyGeneration)
	if err == nil {
		gen = binary.BigEndian.Uint64(data)
	} else if err != ErrNotFound {
		return 0, err
	}
	gen++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, gen)
	if err := s.backend.Put(ctx, keyGeneration, buf); err != nil {
		return 0, err
	}
	return gen, nil
}
