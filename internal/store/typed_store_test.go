package state

import (
	"context"
	"testing"
	"time"

	"github.com/monadicus/snops-core/internal/ids"
)

func newTestStore() *Store {
	return New(NewMemoryKVBackend())
}

func TestStoreAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	a := &Agent{
		ID:        "agent-1",
		Connected: true,
		LastSeen:  time.Now(),
		Mode:      ModeFlags{Validator: true},
		Labels:    map[string]struct{}{"local": {}},
	}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.ID != a.ID || !got.Connected || !got.Mode.Validator {
		t.Fatalf("got %+v", got)
	}

	all, err := s.ListAgents(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListAgents: %v %v", all, err)
	}
}

func TestStoreAgentCASAppliesMutation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	a := &Agent{ID: "agent-1"}
	if err := s.PutAgent(ctx, a); err != nil {
		t.Fatalf("PutAgent: %v", err)
	}

	err := s.CompareAndSwapAgent(ctx, "agent-1", func(a *Agent) error {
		a.Claim = &ClaimRef{EnvID: "env-1", NodeKey: ids.NodeKey{Type: ids.NodeValidator, Name: "0"}}
		return nil
	})
	if err != nil {
		t.Fatalf("CompareAndSwapAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Claim == nil || got.Claim.EnvID != "env-1" {
		t.Fatalf("claim not applied: %+v", got.Claim)
	}
}

func TestStoreEnvAndTargets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	nk := ids.NodeKey{Type: ids.NodeValidator, Name: "0"}
	env := &Environment{ID: "env-1", NetworkID: "mainnet", Topology: map[ids.NodeKey]InternalNode{
		nk: {Online: true, Height: HeightSpec{Kind: HeightGenesis}},
	}}
	targets := map[ids.NodeKey]TargetState{
		nk: {Online: true, NodeType: ids.NodeValidator},
	}
	if err := s.PutEnv(ctx, env, targets); err != nil {
		t.Fatalf("PutEnv: %v", err)
	}

	gotEnv, err := s.GetEnv(ctx, "env-1")
	if err != nil || gotEnv.NetworkID != "mainnet" {
		t.Fatalf("GetEnv: %+v %v", gotEnv, err)
	}

	gotTargets, err := s.ScanTargets(ctx, "env-1")
	if err != nil {
		t.Fatalf("ScanTargets: %v", err)
	}
	if len(gotTargets) != 1 || !gotTargets[nk].Online {
		t.Fatalf("got %+v", gotTargets)
	}

	if err := s.DeleteEnv(ctx, "env-1"); err != nil {
		t.Fatalf("DeleteEnv: %v", err)
	}
	if _, err := s.GetEnv(ctx, "env-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	remaining, err := s.ScanTargets(ctx, "env-1")
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected no targets after delete, got %+v", remaining)
	}
}

func TestStoreGenerationMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	g1, err := s.NextGeneration(ctx)
	if err != nil {
		t.Fatalf("NextGeneration: %v", err)
	}
	g2, err := s.NextGeneration(ctx)
	if err != nil {
		t.Fatalf("NextGeneration: %v", err)
	}
	if g2 != g1+1 {
		t.Fatalf("generation not monotonic: %d -> %d", g1, g2)
	}
}

func TestStoreEventsOrderedAndPruned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.AppendEvent(ctx, Event{Seq: seq, Kind: EventTargetChanged}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	evs, err := s.ListEvents(ctx, 0)
	if err != nil || len(evs) != 5 {
		t.Fatalf("ListEvents: %+v %v", evs, err)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("events not ordered: %+v", evs)
		}
	}

	if err := s.PruneEvents(ctx, 3); err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	evs, err = s.ListEvents(ctx, 0)
	if err != nil || len(evs) != 3 {
		t.Fatalf("expected 3 events after prune, got %+v", evs)
	}
}
