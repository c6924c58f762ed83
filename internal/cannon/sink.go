package cannon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// Sink delivers one broadcast, signed transaction body (spec.md §4.5
// "Broadcast").
type Sink interface {
	Broadcast(ctx context.Context, item Item) error
	Close() error
}

// recordEntry is one line written by RecordSink.
type recordEntry struct {
	Seq     uint64 `json:"seq"`
	TxBytes []byte `json:"tx_bytes"`
}

// RecordSink appends broadcast items to a JSON-lines file (spec.md §4.5
// "record(file) appends JSON-lines").
type RecordSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenRecordSink opens (creating/appending) path for JSON-lines output.
func OpenRecordSink(path string) (*RecordSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannon: open record sink: %w", err)
	}
	return &RecordSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *RecordSink) Broadcast(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(recordEntry{Seq: item.Seq, TxBytes: item.TxBytes})
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *RecordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}

// AgentResolver maps a node selector to a concrete, currently-claimed
// agent within an environment (the Delegator's assignment, spec.md §4.4).
type AgentResolver interface {
	ResolveAgent(ctx context.Context, envID ids.ID, sel ids.Selector) (ids.ID, error)
}

// CannonTxSender issues the broadcast RPC to an agent.
type CannonTxSender interface {
	CannonTx(ctx context.Context, agentID ids.ID, txBytes []byte, broadcastEndpoint string) error
}

// TargetSink POSTs signed transactions to a resolved agent's
// `/network/transaction/broadcast` (spec.md §4.5 "target(node_sel)").
type TargetSink struct {
	envID    ids.ID
	sel      ids.Selector
	resolver AgentResolver
	sender   CannonTxSender
	endpoint string

	mu   sync.Mutex
	seen map[string]struct{} // txBytes fingerprints this sink has broadcast successfully; never reset
}

// NewTargetSink constructs a Sink that resolves sel within envID on every
// broadcast (so it follows re-delegation) and issues CannonTx over sender.
func NewTargetSink(envID ids.ID, sel ids.Selector, resolver AgentResolver, sender CannonTxSender) *TargetSink {
	return &TargetSink{
		envID:    envID,
		sel:      sel,
		resolver: resolver,
		sender:   sender,
		endpoint: "/network/transaction/broadcast",
		seen:     make(map[string]struct{}),
	}
}

func (t *TargetSink) Broadcast(ctx context.Context, item Item) error {
	agentID, err := t.resolver.ResolveAgent(ctx, t.envID, t.sel)
	if err != nil {
		return fmt.Errorf("cannon: resolve target sink agent: %w", err)
	}
	fp := fmt.Sprintf("%x", item.TxBytes)
	t.mu.Lock()
	_, already := t.seen[fp]
	t.mu.Unlock()
	if already {
		return nil // sent at most once per sink; not tied to block height, and the target is not queried
	}
	if err := t.sender.CannonTx(ctx, agentID, item.TxBytes, t.endpoint); err != nil {
		return err
	}
	t.mu.Lock()
	t.seen[fp] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *TargetSink) Close() error { return nil }

// NewSink constructs the configured Sink for spec within envID.
func NewSink(envID ids.ID, spec state.CannonSpec, resolver AgentResolver, sender CannonTxSender) (Sink, error) {
	switch spec.SinkKind {
	case state.SinkRecord:
		return OpenRecordSink(spec.RecordFile)
	case state.SinkTarget:
		return NewTargetSink(envID, spec.TargetSel, resolver, sender), nil
	default:
		return nil, fmt.Errorf("cannon: unknown sink kind %q", spec.SinkKind)
	}
}
