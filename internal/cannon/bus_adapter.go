package cannon

import (
	"context"
	"fmt"

	"github.com/monadicus/snops-core/internal/bus"
	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// BusDispatcher adapts *bus.Server to the Authorizer/Executor/
// CannonTxSender interfaces the pipeline stages depend on, so a compute
// agent (or broadcast target) is reached the same way the reconciler's
// target-state delivery is: one serialized command per agent connection
// (spec.md §4.2 "Ordering").
type BusDispatcher struct {
	server *bus.Server
}

// NewBusDispatcher wraps server.
func NewBusDispatcher(server *bus.Server) *BusDispatcher {
	return &BusDispatcher{server: server}
}

func (b *BusDispatcher) Authorize(ctx context.Context, agentID ids.ID, item Item) ([]byte, error) {
	resp, err := b.server.SendCommand(ctx, agentID, bus.Command{
		Op:      bus.OpAuthorize,
		Program: item.Program,
		Fn:      item.Fn,
		Inputs:  item.Inputs,
		KeyRef:  item.KeyRef,
		Seed:    item.Seed,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != bus.StatusOK {
		return nil, fmt.Errorf("cannon: agent %s authorize failed: %s %s", agentID, resp.ErrKind, resp.ErrMessage)
	}
	return resp.Result, nil
}

func (b *BusDispatcher) Execute(ctx context.Context, agentID ids.ID, item Item) ([]byte, error) {
	resp, err := b.server.SendCommand(ctx, agentID, bus.Command{
		Op:            bus.OpExecute,
		AuthBytes:     item.AuthBytes,
		QueryEndpoint: item.QueryEndpoint,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != bus.StatusOK {
		return nil, fmt.Errorf("cannon: agent %s execute failed: %s %s", agentID, resp.ErrKind, resp.ErrMessage)
	}
	return resp.Result, nil
}

func (b *BusDispatcher) CannonTx(ctx context.Context, agentID ids.ID, txBytes []byte, broadcastEndpoint string) error {
	resp, err := b.server.SendCommand(ctx, agentID, bus.Command{
		Op:                bus.OpCannonTx,
		TxBytes:           txBytes,
		BroadcastEndpoint: broadcastEndpoint,
	})
	if err != nil {
		return err
	}
	if resp.Status != bus.StatusOK {
		return fmt.Errorf("cannon: agent %s broadcast failed: %s %s", agentID, resp.ErrKind, resp.ErrMessage)
	}
	return nil
}

// StoreAgentResolver resolves a node selector to the agent currently
// claiming a matching node key within an environment (the Delegator's
// live assignment, spec.md §4.4), re-resolved on every call so a sink
// follows re-delegation rather than caching a stale agent.
type StoreAgentResolver struct {
	store *state.Store
}

// NewStoreAgentResolver wraps store.
func NewStoreAgentResolver(store *state.Store) *StoreAgentResolver {
	return &StoreAgentResolver{store: store}
}

func (r *StoreAgentResolver) ResolveAgent(ctx context.Context, envID ids.ID, sel ids.Selector) (ids.ID, error) {
	env, err := r.store.GetEnv(ctx, envID)
	if err != nil {
		return "", fmt.Errorf("cannon: resolve target sink: %w", err)
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if a.Claim == nil || a.Claim.EnvID != envID {
			continue
		}
		if sel.Match(a.Claim.NodeKey, env.NetworkID) && a.Connected {
			return a.ID, nil
		}
	}
	return "", fmt.Errorf("cannon: no connected agent claims a node key matching the target selector")
}
