// Package delegator implements the agent-assignment algorithm (C4,
// spec.md §4.4): matching a declarative topology to a heterogeneous pool
// of live agents, sticky across re-applies, CAS-guarded against
// concurrent agent-pool mutation.
package delegator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// UnsatisfiableSlot names one topology slot the delegator could not
// assign, and why (spec.md §4.4 step 6).
type UnsatisfiableSlot struct {
	NodeKey ids.NodeKey
	Reason  string
}

// Error is returned when delegation fails; it lists every unsatisfiable
// slot so the caller can surface a single structured error (spec.md §7
// "Delegation").
type Error struct {
	Unsatisfiable []UnsatisfiableSlot
}

func (e *Error) Error() string {
	return fmt.Sprintf("delegator: %d slot(s) could not be assigned", len(e.Unsatisfiable))
}

// ErrPoolChanged is returned after the CAS retry budget (3 attempts, per
// spec.md §5) is exhausted because the agent pool changed underneath a
// write-back.
var ErrPoolChanged = fmt.Errorf("delegator: agent pool changed during write-back (PoolChanged)")

// maxCASRetries bounds the write-back retry loop (spec.md §5).
const maxCASRetries = 3

// Delegator assigns node keys to agents for one environment at a time
// (spec.md §5: "a semaphore bounds concurrent delegations to 1").
type Delegator struct {
	mu    sync.Mutex // held for the whole of Apply
	store *state.Store
	log   *logrus.Entry
	vault SecretVault
}

// New constructs a Delegator over store. vault may be nil, in which case
// control-plane-managed PrivateKeyRef material is hashed but not persisted
// at rest (used by tests that do not exercise key material).
func New(store *state.Store, log *logrus.Entry, vault SecretVault) *Delegator {
	return &Delegator{store: store, log: log, vault: vault}
}

// slot is one expanded topology entry (InternalNode.Replicas > 1 is
// expanded into distinct keys by index before Delegate is called).
type slot struct {
	key  ids.NodeKey
	node state.InternalNode
}

// ExpandReplicas expands a topology map's replica counts into one slot per
// instance, named "<name>-<index>" for index >= 1 and the bare name for
// index 0, matching spec.md §4.4 "Inputs".
func ExpandReplicas(topology map[ids.NodeKey]state.InternalNode) map[ids.NodeKey]state.InternalNode {
	out := make(map[ids.NodeKey]state.InternalNode, len(topology))
	for key, node := range topology {
		if node.Replicas <= 1 {
			out[key] = node
			continue
		}
		for i := uint32(0); i < node.Replicas; i++ {
			name := key.Name
			if i > 0 {
				name = fmt.Sprintf("%s-%d", key.Name, i)
			}
			out[ids.NodeKey{Type: key.Type, Name: name}] = node
		}
	}
	return out
}

// Delegate assigns every slot in topology to a concrete agent and returns
// the resulting NodeKey -> AgentID map (spec.md §4.4 "Outputs"). It does
// not write the result to the store; call Apply to do that atomically
// alongside target-state materialization.
func (d *Delegator) Delegate(ctx context.Context, envID ids.ID, topology map[ids.NodeKey]state.InternalNode, agents []*state.Agent) (map[ids.NodeKey]ids.ID, error) {
	slots := make([]slot, 0, len(topology))
	for k, n := range topology {
		slots = append(slots, slot{key: k, node: n})
	}

	pinned, free := partitionSlots(slots)

	assignment := make(map[ids.NodeKey]ids.ID, len(slots))
	used := make(map[ids.ID]int) // load count per agent, for least-loaded tie-break
	byID := make(map[ids.ID]*state.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	var unsatisfiable []UnsatisfiableSlot

	// Step 2: pinned slots; reject the whole apply if any pinned agent is
	// unavailable (spec.md §4.4 step 2).
	for _, s := range pinned {
		a, ok := byID[s.node.Agent]
		if !ok {
			unsatisfiable = append(unsatisfiable, UnsatisfiableSlot{NodeKey: s.key, Reason: "pinned agent not found"})
			continue
		}
		if !feasible(a, s, envID) {
			unsatisfiable = append(unsatisfiable, UnsatisfiableSlot{NodeKey: s.key, Reason: "pinned agent does not satisfy slot constraints or is claimed elsewhere"})
			continue
		}
		assignment[s.key] = a.ID
		used[a.ID]++
	}
	if len(unsatisfiable) > 0 {
		return nil, &Error{Unsatisfiable: unsatisfiable}
	}

	// Step 3-4: compute feasibility sets for free slots, most-constrained-first.
	type freeSlot struct {
		s         slot
		feasible  []*state.Agent
	}
	pinnedAgents := make(map[ids.ID]struct{}, len(assignment))
	for _, agentID := range assignment {
		pinnedAgents[agentID] = struct{}{}
	}

	freeSlots := make([]freeSlot, 0, len(free))
	for _, s := range free {
		var feas []*state.Agent
		for _, a := range agents {
			if _, isPinnedElsewhere := pinnedAgents[a.ID]; isPinnedElsewhere {
				// A pinned agent is otherwise unavailable (spec.md §4.4
				// "that agent is otherwise unavailable"), unless this
				// free slot happens to resolve to the same agent via
				// stickiness below — pinned slots take priority so we
				// exclude pinned agents from the free pool entirely.
				continue
			}
			if feasible(a, s, envID) {
				feas = append(feas, a)
			}
		}
		freeSlots = append(freeSlots, freeSlot{s: s, feasible: feas})
	}

	sort.Slice(freeSlots, func(i, j int) bool {
		return len(freeSlots[i].feasible) < len(freeSlots[j].feasible)
	})

	for _, fs := range freeSlots {
		if len(fs.feasible) == 0 {
			unsatisfiable = append(unsatisfiable, UnsatisfiableSlot{NodeKey: fs.s.key, Reason: "no feasible agent"})
			continue
		}

		// Step 5: prefer the sticky agent (same env + node key claim).
		var chosen *state.Agent
		for _, a := range fs.feasible {
			if a.Claim != nil && a.Claim.EnvID == envID && a.Claim.NodeKey == fs.s.key {
				chosen = a
				break
			}
		}
		if chosen == nil {
			chosen = leastLoaded(fs.feasible, used)
		}
		assignment[fs.s.key] = chosen.ID
		used[chosen.ID]++
	}

	if len(unsatisfiable) > 0 {
		return nil, &Error{Unsatisfiable: unsatisfiable}
	}
	return assignment, nil
}

func partitionSlots(slots []slot) (pinned, free []slot) {
	for _, s := range slots {
		if s.node.Agent != "" {
			pinned = append(pinned, s)
		} else {
			free = append(free, s)
		}
	}
	return pinned, free
}

// feasible reports whether agent a can serve slot s within envID
// (spec.md §4.4 "Constraints").
func feasible(a *state.Agent, s slot, envID ids.ID) bool {
	if !a.Mode.Allows(s.key.Type) {
		return false
	}
	if !a.HasLabels(s.node.Labels) {
		return false
	}
	if s.node.Key != nil && s.node.Key.Local && !a.LocalPKAvailable {
		return false
	}
	if a.Claim != nil && (a.Claim.EnvID != envID || a.Claim.NodeKey != s.key) {
		return false // claimed by a different environment, or a different node key in this one
	}
	return true
}

// leastLoaded picks the feasible agent with the fewest assignments so far
// this run, tie-breaking on lowest agent ID (spec.md §4.4 step 5).
func leastLoaded(agents []*state.Agent, used map[ids.ID]int) *state.Agent {
	best := agents[0]
	for _, a := range agents[1:] {
		if used[a.ID] < used[best.ID] || (used[a.ID] == used[best.ID] && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

// Apply runs Delegate, materializes a resolved TargetState per node key,
// and writes both the environment and its target states to the store
// under a CAS-guarded write-back: the agent pool read by Delegate must not
// have changed by the time the write-back commits, or the whole call
// retries up to maxCASRetries times before surfacing ErrPoolChanged
// (spec.md §5).
func (d *Delegator) Apply(ctx context.Context, env *state.Environment) (map[ids.NodeKey]ids.ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expanded := ExpandReplicas(env.Topology)

	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		agents, err := d.store.ListAgents(ctx)
		if err != nil {
			return nil, err
		}

		assignment, err := d.Delegate(ctx, env.ID, expanded, agents)
		if err != nil {
			return nil, err // Delegation errors are not retried; they're a constraint failure.
		}

		targets, err := Materialize(ctx, env, expanded, assignment, d.vault)
		if err != nil {
			return nil, err
		}

		if err := d.claimAgents(ctx, env.ID, assignment); err != nil {
			lastErr = err
			d.log.WithError(err).WithField("attempt", attempt+1).Warn("delegator: CAS conflict claiming agents, retrying")
			continue
		}

		if err := d.store.PutEnv(ctx, env, targets); err != nil {
			return nil, err
		}
		return assignment, nil
	}
	if lastErr != nil {
		return nil, ErrPoolChanged
	}
	return nil, ErrPoolChanged
}

// claimAgents CAS-updates every assigned agent's Claim field to point at
// (envID, nodeKey), verifying no concurrent mutation raced this write
// (spec.md §5 "compare-and-swap on an agent's claim field").
func (d *Delegator) claimAgents(ctx context.Context, envID ids.ID, assignment map[ids.NodeKey]ids.ID) error {
	for nk, agentID := range assignment {
		nk := nk
		err := d.store.CompareAndSwapAgent(ctx, agentID, func(a *state.Agent) error {
			a.Claim = &state.ClaimRef{EnvID: envID, NodeKey: nk}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
