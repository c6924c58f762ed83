package delegator

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

func validatorKey(name string) ids.NodeKey {
	return ids.NodeKey{Type: ids.NodeValidator, Name: name}
}

func newAgent(id string, validator bool) *state.Agent {
	return &state.Agent{
		ID:   ids.ID(id),
		Mode: state.ModeFlags{Validator: validator, Client: true},
	}
}

func TestDelegateAssignsFreeSlotsLeastLoaded(t *testing.T) {
	d := &Delegator{store: nil, log: logrus.NewEntry(logrus.New())}
	topology := map[ids.NodeKey]state.InternalNode{
		validatorKey("1"): {Online: true},
		validatorKey("2"): {Online: true},
	}
	agents := []*state.Agent{newAgent("a", true), newAgent("b", true)}

	assignment, err := d.Delegate(context.Background(), ids.ID("env-1"), topology, agents)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(assignment) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(assignment))
	}
	if assignment[validatorKey("1")] == assignment[validatorKey("2")] {
		t.Fatalf("expected distinct agents for two slots with two equally-feasible agents, got both on %s", assignment[validatorKey("1")])
	}
}

func TestDelegateRespectsPinnedAgent(t *testing.T) {
	d := &Delegator{log: logrus.NewEntry(logrus.New())}
	topology := map[ids.NodeKey]state.InternalNode{
		validatorKey("1"): {Online: true, Agent: ids.ID("b")},
	}
	agents := []*state.Agent{newAgent("a", true), newAgent("b", true)}

	assignment, err := d.Delegate(context.Background(), ids.ID("env-1"), topology, agents)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if assignment[validatorKey("1")] != ids.ID("b") {
		t.Fatalf("expected pinned agent 'b', got %s", assignment[validatorKey("1")])
	}
}

func TestDelegateRejectsMissingPinnedAgent(t *testing.T) {
	d := &Delegator{log: logrus.NewEntry(logrus.New())}
	topology := map[ids.NodeKey]state.InternalNode{
		validatorKey("1"): {Online: true, Agent: ids.ID("ghost")},
	}
	agents := []*state.Agent{newAgent("a", true)}

	_, err := d.Delegate(context.Background(), ids.ID("env-1"), topology, agents)
	if err == nil {
		t.Fatal("expected an error for an unavailable pinned agent")
	}
	derr, ok := err.(*Error)
	if !ok || len(derr.Unsatisfiable) != 1 {
		t.Fatalf("expected a delegator.Error naming one unsatisfiable slot, got %v (%T)", err, err)
	}
}

func TestDelegateRejectsNoFeasibleAgent(t *testing.T) {
	d := &Delegator{log: logrus.NewEntry(logrus.New())}
	topology := map[ids.NodeKey]state.InternalNode{
		validatorKey("1"): {Online: true},
	}
	agents := []*state.Agent{newAgent("a", false)} // client-only agent, can't serve a validator slot

	_, err := d.Delegate(context.Background(), ids.ID("env-1"), topology, agents)
	if err == nil {
		t.Fatal("expected an error when no agent can serve a validator slot")
	}
}

func TestDelegateIsDeterministicAcrossRepeatedApplies(t *testing.T) {
	d := &Delegator{log: logrus.NewEntry(logrus.New())}
	topology := map[ids.NodeKey]state.InternalNode{
		validatorKey("1"): {Online: true},
		validatorKey("2"): {Online: true},
		validatorKey("3"): {Online: true},
	}
	agents := []*state.Agent{newAgent("a", true), newAgent("b", true), newAgent("c", true)}

	first, err := d.Delegate(context.Background(), ids.ID("env-1"), topology, agents)
	if err != nil {
		t.Fatalf("first Delegate: %v", err)
	}

	// Simulate a sticky re-apply: each agent now carries the claim it was
	// just assigned, matching what Apply's CAS write-back would persist.
	for nk, agentID := range first {
		for _, a := range agents {
			if a.ID == agentID {
				a.Claim = &state.ClaimRef{EnvID: ids.ID("env-1"), NodeKey: nk}
			}
		}
	}

	second, err := d.Delegate(context.Background(), ids.ID("env-1"), topology, agents)
	if err != nil {
		t.Fatalf("second Delegate: %v", err)
	}
	for nk, agentID := range first {
		if second[nk] != agentID {
			t.Fatalf("expected sticky re-apply to preserve %s -> %s, got %s", nk, agentID, second[nk])
		}
	}
}

func TestExpandReplicasNamesInstancesByIndex(t *testing.T) {
	topology := map[ids.NodeKey]state.InternalNode{
		validatorKey("pool"): {Online: true, Replicas: 3},
	}
	expanded := ExpandReplicas(topology)
	if len(expanded) != 3 {
		t.Fatalf("expected 3 expanded slots, got %d", len(expanded))
	}
	for _, name := range []string{"pool", "pool-1", "pool-2"} {
		if _, ok := expanded[validatorKey(name)]; !ok {
			t.Fatalf("expected expanded slot %q, got %+v", name, expanded)
		}
	}
}
