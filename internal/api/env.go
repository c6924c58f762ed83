package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/monadicus/snops-core/internal/cannon"
	"github.com/monadicus/snops-core/internal/delegator"
	"github.com/monadicus/snops-core/internal/errs"
	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// listEnvs handles GET /env.
func (h *handlers) listEnvs(w http.ResponseWriter, r *http.Request) {
	envs, err := h.d.Store.ListEnvs(r.Context())
	if err != nil {
		writeError(w, errs.StorageFailure("list_envs", err))
		return
	}
	docs := make([]EnvironmentDoc, 0, len(envs))
	for _, e := range envs {
		docs = append(docs, EnvironmentDocFrom(e))
	}
	writeJSON(w, http.StatusOK, docs)
}

// getEnv handles GET /env/{id}.
func (h *handlers) getEnv(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	env, err := h.d.Store.GetEnv(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "environment not found").WithDetails("id", string(id)))
		return
	}
	writeJSON(w, http.StatusOK, EnvironmentDocFrom(env))
}

// applyEnv handles POST /env/{id}/apply (spec.md §6, §4.4). Delegation
// and the store write happen atomically in Delegator.Apply (two-phase:
// delegate -> commit, spec.md §7 "Any failing apply leaves the previous
// environment state intact"); this handler's own job after a successful
// Apply is pushing the newly materialized target states to every
// affected, connected agent and starting any declared cannons.
func (h *handlers) applyEnv(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])

	var doc EnvironmentDoc
	if err := decodeJSON(r, &doc); err != nil {
		writeError(w, err)
		return
	}
	doc.ID = string(id)

	env, err := doc.ToEnvironment()
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "invalid environment document", err))
		return
	}

	assignment, err := h.d.Delegator.Apply(r.Context(), env)
	if err != nil {
		var delErr *delegator.Error
		if errsAs(err, &delErr) {
			details := make(map[string]any, len(delErr.Unsatisfiable))
			for _, u := range delErr.Unsatisfiable {
				details[u.NodeKey.String()] = u.Reason
			}
			writeError(w, errs.New(errs.Delegation, "insufficient or incompatible agents for topology").WithDetails("unsatisfiable", details))
			return
		}
		if err == delegator.ErrPoolChanged {
			writeError(w, errs.New(errs.Delegation, "agent pool changed during write-back").WithDetails("retryable", true))
			return
		}
		writeError(w, errs.StorageFailure("apply_env", err))
		return
	}

	failures := h.pushTargets(r.Context(), id, assignment)
	h.startCannons(r.Context(), env)

	writeJSON(w, http.StatusOK, map[string]any{
		"assignment": stringifyAssignment(assignment),
		"failures":   failures,
	})
}

// deleteEnv handles DELETE /env/{id} (spec.md §9 open question 3:
// deletion cancels every associated cannon).
func (h *handlers) deleteEnv(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	if h.d.Cannons != nil {
		h.d.Cannons.StopEnvironment(r.Context(), id)
	}
	if err := h.d.Store.DeleteEnv(r.Context(), id); err != nil {
		writeError(w, errs.StorageFailure("delete_env", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getTopology handles GET /env/{id}/topology: the declarative topology as
// submitted.
func (h *handlers) getTopology(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	env, err := h.d.Store.GetEnv(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "environment not found").WithDetails("id", string(id)))
		return
	}
	topology := make(map[string]InternalNodeDoc, len(env.Topology))
	for nk, n := range env.Topology {
		topology[nk.String()] = internalNodeDoc(n)
	}
	writeJSON(w, http.StatusOK, topology)
}

// getResolvedTopology handles GET /env/{id}/topology/resolved: the
// expanded (replica-expanded) topology joined with its current agent
// assignment and materialized target state (spec.md §4.4 "Outputs").
func (h *handlers) getResolvedTopology(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	env, err := h.d.Store.GetEnv(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "environment not found").WithDetails("id", string(id)))
		return
	}
	targets, err := h.d.Store.ScanTargets(r.Context(), id)
	if err != nil {
		writeError(w, errs.StorageFailure("scan_targets", err))
		return
	}
	agents, err := h.d.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, errs.StorageFailure("list_agents", err))
		return
	}
	claimedBy := make(map[ids.NodeKey]ids.ID, len(agents))
	for _, a := range agents {
		if a.Claim != nil && a.Claim.EnvID == id {
			claimedBy[a.Claim.NodeKey] = a.ID
		}
	}

	type resolvedEntry struct {
		Agent  string             `json:"agent,omitempty"`
		Target state.TargetState `json:"target"`
	}
	out := make(map[string]resolvedEntry, len(targets))
	for nk, t := range targets {
		out[nk.String()] = resolvedEntry{Agent: string(claimedBy[nk]), Target: t}
	}
	writeJSON(w, http.StatusOK, out)
}

// envAgents handles GET /env/{id}/agents: the agents currently claimed by
// this environment.
func (h *handlers) envAgents(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	agents, err := h.d.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, errs.StorageFailure("list_agents", err))
		return
	}
	docs := make([]AgentDoc, 0)
	for _, a := range agents {
		if a.Claim != nil && a.Claim.EnvID == id {
			docs = append(docs, agentDoc(a))
		}
	}
	writeJSON(w, http.StatusOK, docs)
}

// envInfoResponse is the summary body for GET /env/{id}/info.
type envInfoResponse struct {
	ID          string `json:"id"`
	NetworkID   string `json:"network_id"`
	StorageRef  string `json:"storage_ref"`
	NodeCount   int    `json:"node_count"`
	CannonCount int    `json:"cannon_count"`
}

// envInfo handles GET /env/{id}/info.
func (h *handlers) envInfo(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	env, err := h.d.Store.GetEnv(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "environment not found").WithDetails("id", string(id)))
		return
	}
	writeJSON(w, http.StatusOK, envInfoResponse{
		ID:          string(env.ID),
		NetworkID:   env.NetworkID,
		StorageRef:  env.StorageRef,
		NodeCount:   len(env.Topology),
		CannonCount: len(env.Cannons),
	})
}

// envHeight handles GET /env/{id}/height: the maximum reported height
// across the environment's claimed agents.
func (h *handlers) envHeight(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	agents, err := h.d.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, errs.StorageFailure("list_agents", err))
		return
	}
	var maxHeight uint64
	for _, a := range agents {
		if a.Claim != nil && a.Claim.EnvID == id && a.ObservedState.CurrentHeight > maxHeight {
			maxHeight = a.ObservedState.CurrentHeight
		}
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"height": maxHeight})
}

// envBlock handles GET /env/{id}/block/{height}: block lookup needs the
// embedded blockchain-node wrapper, which is out of scope (spec.md §1).
// The route exists, but the handler resolves no agent and always answers
// with an Internal error.
func (h *handlers) envBlock(w http.ResponseWriter, r *http.Request) {
	writeError(w, errs.New(errs.Internal, "block lookup requires the embedded node wrapper, which is out of scope for this core"))
}

// actionRequest is the body of POST /env/{id}/action/{action} (spec.md
// §6: "body: {nodes, ...}").
type actionRequest struct {
	Nodes []string `json:"nodes"`
}

// actionResult reports one node's outcome, matching spec.md §7 "Any
// failing action lists the failed nodes in the response body with
// per-node error kind".
type actionResult struct {
	NodeKey string `json:"node_key"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// envAction handles POST /env/{id}/action/{online|offline|reboot|config|execute|deploy}.
func (h *handlers) envAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := ids.ID(vars["id"])
	action := vars["action"]

	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sel, err := ids.ParseSelectorList(req.Nodes)
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "invalid node selector", err))
		return
	}

	env, err := h.d.Store.GetEnv(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "environment not found").WithDetails("id", string(id)))
		return
	}

	switch action {
	case "online", "offline":
		h.setOnline(w, r, env, sel, action == "online")
	case "reboot":
		h.reboot(w, r, env, sel)
	case "config":
		h.pushConfig(w, r, env, sel)
	case "execute", "deploy":
		// Neither is carried out by this core: both are rejected with a
		// Validation error and the topology is left unchanged.
		writeError(w, errs.New(errs.Validation, "action requires an embedded node wrapper payload not modeled by this core").WithDetails("action", action))
	default:
		writeError(w, errs.New(errs.Validation, "unknown action").WithDetails("action", action))
	}
}

func (h *handlers) setOnline(w http.ResponseWriter, r *http.Request, env *state.Environment, sel ids.Selector, online bool) {
	changed := false
	for nk, node := range env.Topology {
		if !sel.Match(nk, env.NetworkID) {
			continue
		}
		node.Online = online
		env.Topology[nk] = node
		changed = true
	}
	if !changed {
		writeJSON(w, http.StatusOK, map[string]any{"results": []actionResult{}})
		return
	}

	assignment, err := h.d.Delegator.Apply(r.Context(), env)
	if err != nil {
		writeError(w, errs.Wrap(errs.Delegation, "re-delegation failed", err))
		return
	}
	results := h.pushTargets(r.Context(), env.ID, assignment)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *handlers) reboot(w http.ResponseWriter, r *http.Request, env *state.Environment, sel ids.Selector) {
	h.setOnline(w, r, env, sel, false)
	h.setOnline(w, r, env, sel, true)
}

func (h *handlers) pushConfig(w http.ResponseWriter, r *http.Request, env *state.Environment, sel ids.Selector) {
	assignment, err := h.d.Delegator.Apply(r.Context(), env)
	if err != nil {
		writeError(w, errs.Wrap(errs.Delegation, "re-delegation failed", err))
		return
	}
	results := h.pushTargets(r.Context(), env.ID, assignment)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// pushTargets delivers SetTargetState to every agent in assignment,
// synchronously (spec.md §8 scenario 3: "async=false ... before the
// response returns"), collecting per-node failures rather than aborting
// on the first one (spec.md §7 "per-node error kind").
func (h *handlers) pushTargets(ctx context.Context, envID ids.ID, assignment map[ids.NodeKey]ids.ID) []actionResult {
	var results []actionResult
	for nk, agentID := range assignment {
		target, err := h.d.Store.GetTarget(ctx, envID, nk)
		if err != nil {
			results = append(results, actionResult{NodeKey: nk.String(), Error: err.Error(), Kind: string(errs.Storage)})
			continue
		}
		if h.d.Bus == nil || !h.d.Bus.IsConnected(agentID) {
			results = append(results, actionResult{NodeKey: nk.String(), Error: "agent not connected", Kind: string(errs.Transport)})
			continue
		}
		if _, err := h.d.Bus.SetTargetState(ctx, agentID, *target); err != nil {
			results = append(results, actionResult{NodeKey: nk.String(), Error: err.Error(), Kind: string(errs.Transport)})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].NodeKey < results[j].NodeKey })
	return results
}

// startCannons starts every cannon declared in env.Cannons (spec.md §4.5),
// replacing any prior instance of the same name.
func (h *handlers) startCannons(ctx context.Context, env *state.Environment) {
	if h.d.Cannons == nil {
		return
	}
	resolver := cannon.NewStoreAgentResolver(h.d.Store)
	var sender cannon.CannonTxSender
	if h.d.Bus != nil {
		sender = cannon.NewBusDispatcher(h.d.Bus)
	}
	for _, spec := range env.Cannons {
		if _, err := h.d.Cannons.Start(ctx, env.ID, spec, resolver, sender); err != nil {
			h.log.WithError(err).WithField("cannon", string(spec.Name)).Warn("api: failed to start declared cannon")
		}
	}
}

func stringifyAssignment(assignment map[ids.NodeKey]ids.ID) map[string]string {
	out := make(map[string]string, len(assignment))
	for nk, a := range assignment {
		out[nk.String()] = string(a)
	}
	return out
}

// errsAs is a thin wrapper so this file doesn't need a direct "errors"
// import alongside the errs package's own As helper, which only extracts
// *errs.Error.
func errsAs(err error, target **delegator.Error) bool {
	for err != nil {
		if de, ok := err.(*delegator.Error); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
