package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/monadicus/snops-core/internal/errs"
	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// AgentDoc is the JSON form of state.Agent returned by the agents
// endpoints (spec.md §6 "GET /agents, GET /agents/{id}").
type AgentDoc struct {
	ID               string            `json:"id"`
	Connected        bool              `json:"connected"`
	LastSeen         string            `json:"last_seen"`
	ExternalAddr     string            `json:"external_addr,omitempty"`
	InternalAddrs    []string          `json:"internal_addrs,omitempty"`
	ModeFlags        ModeFlagsDoc      `json:"mode_flags"`
	Labels           []string          `json:"labels,omitempty"`
	LocalPKAvailable bool              `json:"local_pk_available"`
	Claim            *ClaimDoc         `json:"claim,omitempty"`
	ObservedState    state.ObservedState `json:"observed_state"`
}

// ModeFlagsDoc is the JSON form of state.ModeFlags.
type ModeFlagsDoc struct {
	Validator bool `json:"validator"`
	Prover    bool `json:"prover"`
	Client    bool `json:"client"`
	Compute   bool `json:"compute"`
}

// ClaimDoc is the JSON form of state.ClaimRef.
type ClaimDoc struct {
	EnvID   string `json:"env_id"`
	NodeKey string `json:"node_key"`
}

func agentDoc(a *state.Agent) AgentDoc {
	labels := make([]string, 0, len(a.Labels))
	for l := range a.Labels {
		labels = append(labels, l)
	}
	var claim *ClaimDoc
	if a.Claim != nil {
		claim = &ClaimDoc{EnvID: string(a.Claim.EnvID), NodeKey: a.Claim.NodeKey.String()}
	}
	return AgentDoc{
		ID:            string(a.ID),
		Connected:     a.Connected,
		LastSeen:      a.LastSeen.UTC().Format("2006-01-02T15:04:05Z07:00"),
		ExternalAddr:  a.ExternalAddr,
		InternalAddrs: a.InternalAddrs,
		ModeFlags: ModeFlagsDoc{
			Validator: a.Mode.Validator,
			Prover:    a.Mode.Prover,
			Client:    a.Mode.Client,
			Compute:   a.Mode.Compute,
		},
		Labels:           labels,
		LocalPKAvailable: a.LocalPKAvailable,
		Claim:            claim,
		ObservedState:    a.ObservedState,
	}
}

// listAgents handles GET /agents.
func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.d.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, errs.StorageFailure("list_agents", err))
		return
	}
	docs := make([]AgentDoc, 0, len(agents))
	for _, a := range agents {
		docs = append(docs, agentDoc(a))
	}
	writeJSON(w, http.StatusOK, docs)
}

// getAgent handles GET /agents/{id}.
func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	a, err := h.d.Store.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "agent not found").WithDetails("id", string(id)))
		return
	}
	writeJSON(w, http.StatusOK, agentDoc(a))
}

// findAgentsRequest is the body of POST /agents/find (spec.md §6:
// "body: filter predicate").
type findAgentsRequest struct {
	ModeFlags        []string `json:"mode_flags,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	Connected        *bool    `json:"connected,omitempty"`
	LocalPKAvailable *bool    `json:"local_pk_available,omitempty"`
	Unclaimed        bool     `json:"unclaimed,omitempty"`
}

func (f findAgentsRequest) matches(a *state.Agent) bool {
	for _, m := range f.ModeFlags {
		if !a.Mode.Allows(ids.NodeType(m)) {
			return false
		}
	}
	if !a.HasLabels(f.Labels) {
		return false
	}
	if f.Connected != nil && a.Connected != *f.Connected {
		return false
	}
	if f.LocalPKAvailable != nil && a.LocalPKAvailable != *f.LocalPKAvailable {
		return false
	}
	if f.Unclaimed && a.Claim != nil {
		return false
	}
	return true
}

// findAgents handles POST /agents/find.
func (h *handlers) findAgents(w http.ResponseWriter, r *http.Request) {
	var req findAgentsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agents, err := h.d.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, errs.StorageFailure("find_agents", err))
		return
	}
	docs := make([]AgentDoc, 0)
	for _, a := range agents {
		if req.matches(a) {
			docs = append(docs, agentDoc(a))
		}
	}
	writeJSON(w, http.StatusOK, docs)
}

// agentTPSResponse reports the throughput counters of every cannon in the
// environment this agent is claimed by (spec.md §6 "GET /agents/{id}/tps").
// Cannons are not filtered by their target selector, so a cannon aimed at
// another node of the same environment is listed too. cannon.Stats tracks
// cumulative counters, not an instantaneous rate, so this is reported as
// a coarse per-cannon total rather than a precise "transactions per
// second" figure; the endpoint is illustrative per spec.md §6's header.
type agentTPSResponse struct {
	AgentID string                   `json:"agent_id"`
	Cannons map[string]cannonStatsDoc `json:"cannons"`
}

type cannonStatsDoc struct {
	Authorized int64 `json:"authorized"`
	Executed   int64 `json:"executed"`
	Broadcast  int64 `json:"broadcast"`
	Failed     int64 `json:"failed"`
}

// agentTPS handles GET /agents/{id}/tps.
func (h *handlers) agentTPS(w http.ResponseWriter, r *http.Request) {
	id := ids.ID(mux.Vars(r)["id"])
	a, err := h.d.Store.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, errs.New(errs.Validation, "agent not found").WithDetails("id", string(id)))
		return
	}
	resp := agentTPSResponse{AgentID: string(id), Cannons: map[string]cannonStatsDoc{}}
	if a.Claim == nil || h.d.Cannons == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	for name, c := range h.d.Cannons.List(a.Claim.EnvID) {
		stats := c.Stats()
		resp.Cannons[string(name)] = cannonStatsDoc{
			Authorized: stats.Authorized,
			Executed:   stats.Executed,
			Broadcast:  stats.Broadcast,
			Failed:     stats.Failed,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
