package delegator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// SecretVault persists non-local PrivateKeyRef material at rest, keyed by
// the agent it was assigned to and the node key it belongs to. It is
// satisfied by *internal/secrets.Manager.
type SecretVault interface {
	Put(ctx context.Context, agentID, nodeKey, value string) error
}

// Materialize resolves one TargetState per assigned node key: the
// topology slot's own fields (online flag, height goal, env vars, binary
// digest) plus its Peers/Validators selectors resolved to addresses by
// resolveSelector (spec.md §4.4 "Outputs", §3 "Target state").
//
// A node's PrivateKeyRef is never forwarded to the bus verbatim: only its
// hash crosses to the agent (spec.md §3 "private_key_hash"). When the key
// is control-plane-managed (Local == false) the raw reference is encrypted
// at rest via vault before its hash is computed, so the plaintext never
// leaves this call.
func Materialize(ctx context.Context, env *state.Environment, expanded map[ids.NodeKey]state.InternalNode, assignment map[ids.NodeKey]ids.ID, vault SecretVault) (map[ids.NodeKey]state.TargetState, error) {
	out := make(map[ids.NodeKey]state.TargetState, len(expanded))
	for nk, node := range expanded {
		keyHash, err := resolveKeyHash(ctx, nk, node, assignment, vault)
		if err != nil {
			return nil, err
		}
		out[nk] = state.TargetState{
			Online:         node.Online,
			NodeType:       nk.Type,
			PrivateKeyHash: keyHash,
			HeightGoal:     node.Height,
			Peers:          resolveSelector(env, expanded, node.Peers),
			Validators:     resolveSelector(env, expanded, node.Validators),
			Env:            node.EnvVars,
			BinaryDigest:   node.BinaryRef,
		}
	}
	return out, nil
}

// resolveKeyHash hashes a node's PrivateKeyRef, persisting non-local
// (control-plane-managed) key material at rest first.
func resolveKeyHash(ctx context.Context, nk ids.NodeKey, node state.InternalNode, assignment map[ids.NodeKey]ids.ID, vault SecretVault) (string, error) {
	if node.Key == nil {
		return "", nil
	}
	if !node.Key.Local {
		agentID, ok := assignment[nk]
		if ok && vault != nil {
			if err := vault.Put(ctx, string(agentID), nk.String(), node.Key.Ref); err != nil {
				return "", fmt.Errorf("delegator: persisting key material for %s: %w", nk, err)
			}
		}
	}
	sum := sha256.Sum256([]byte(node.Key.Ref))
	return hex.EncodeToString(sum[:]), nil
}

// resolveSelector expands sel against every node key known to the
// environment (its own topology plus declared external endpoints),
// returning a sorted, de-duplicated list of addresses. Only node keys with
// a declared external endpoint yield an address: internal topology nodes,
// assigned or not, are omitted, and cross-environment entries are skipped
// (Selector.Match never matches them). The reconciler treats a changed
// Peers slice as wiring churn regardless (spec.md §4.3).
func resolveSelector(env *state.Environment, expanded map[ids.NodeKey]state.InternalNode, sel ids.Selector) []string {
	if sel.Empty() {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for nk := range expanded {
		if !sel.Match(nk, env.NetworkID) {
			continue
		}
		if ext, ok := env.External[nk]; ok {
			add(ext.Addr)
			continue
		}
		// No external endpoint recorded: this node contributes no address.
	}
	for nk, ext := range env.External {
		if sel.Match(nk, env.NetworkID) {
			add(ext.Addr)
		}
	}

	sort.Strings(out)
	return out
}
