package api

import (
	"fmt"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// This file converts between the wire-level JSON documents the HTTP API
// accepts/returns and the core's internal state records. Parsing and
// validating the YAML *document* format itself is out of scope (spec.md
// §1 "YAML parsing/validation of environment documents"); the core here
// only receives already-validated records — these DTOs are the JSON
// analogue of that boundary, not a YAML document parser.

// PrivateKeyRefDoc is the JSON form of state.PrivateKeyRef.
type PrivateKeyRefDoc struct {
	Local bool   `json:"local"`
	Ref   string `json:"ref"`
}

// HeightSpecDoc is the JSON form of state.HeightSpec.
type HeightSpecDoc struct {
	Kind     string `json:"kind"`
	Absolute uint32 `json:"absolute,omitempty"`
	Span     string `json:"span,omitempty"`
}

func (h HeightSpecDoc) toState() state.HeightSpec {
	return state.HeightSpec{Kind: state.HeightKind(h.Kind), Absolute: h.Absolute, Span: h.Span}
}

func heightSpecDoc(h state.HeightSpec) HeightSpecDoc {
	return HeightSpecDoc{Kind: string(h.Kind), Absolute: h.Absolute, Span: h.Span}
}

// InternalNodeDoc is the JSON form of state.InternalNode; Validators/Peers
// are selector strings (spec.md §3's "literal, wildcard, list" selector
// grammar) rather than the parsed ids.Selector the core uses internally.
type InternalNodeDoc struct {
	Online     bool              `json:"online"`
	Replicas   uint32            `json:"replicas,omitempty"`
	Key        *PrivateKeyRefDoc `json:"key,omitempty"`
	Height     HeightSpecDoc     `json:"height"`
	Labels     []string          `json:"labels,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	Validators []string          `json:"validators,omitempty"`
	Peers      []string          `json:"peers,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	BinaryRef  string            `json:"binary_ref,omitempty"`
}

func (n InternalNodeDoc) toState() (state.InternalNode, error) {
	validators, err := ids.ParseSelectorList(n.Validators)
	if err != nil {
		return state.InternalNode{}, fmt.Errorf("validators: %w", err)
	}
	peers, err := ids.ParseSelectorList(n.Peers)
	if err != nil {
		return state.InternalNode{}, fmt.Errorf("peers: %w", err)
	}
	var key *state.PrivateKeyRef
	if n.Key != nil {
		key = &state.PrivateKeyRef{Local: n.Key.Local, Ref: n.Key.Ref}
	}
	return state.InternalNode{
		Online:     n.Online,
		Replicas:   n.Replicas,
		Key:        key,
		Height:     n.Height.toState(),
		Labels:     n.Labels,
		Agent:      ids.ID(n.Agent),
		Validators: validators,
		Peers:      peers,
		EnvVars:    n.EnvVars,
		BinaryRef:  n.BinaryRef,
	}, nil
}

func internalNodeDoc(n state.InternalNode) InternalNodeDoc {
	var key *PrivateKeyRefDoc
	if n.Key != nil {
		key = &PrivateKeyRefDoc{Local: n.Key.Local, Ref: n.Key.Ref}
	}
	return InternalNodeDoc{
		Online:     n.Online,
		Replicas:   n.Replicas,
		Key:        key,
		Height:     heightSpecDoc(n.Height),
		Labels:     n.Labels,
		Agent:      string(n.Agent),
		Validators: selectorStrings(n.Validators),
		Peers:      selectorStrings(n.Peers),
		EnvVars:    n.EnvVars,
		BinaryRef:  n.BinaryRef,
	}
}

// selectorStrings renders a Selector back to its "type/name[@network]"
// entry strings for JSON responses. Lossy only in that entry order within
// the original document isn't preserved past re-parsing (sets, not
// sequences, are what matching cares about).
func selectorStrings(sel ids.Selector) []string {
	if sel.Empty() {
		return nil
	}
	out := make([]string, 0, len(sel.Entries))
	for _, e := range sel.Entries {
		s := string(e.Type) + "/" + e.Name
		if e.Network != "" {
			s += "@" + e.Network
		}
		out = append(out, s)
	}
	return out
}

// CannonSpecDoc is the JSON form of state.CannonSpec.
type CannonSpecDoc struct {
	Name CannonName `json:"name"`

	SourceKind      string   `json:"source_kind"`
	PlaybackFile    string   `json:"playback_file,omitempty"`
	RealtimeTxModes []string `json:"realtime_tx_modes,omitempty"`
	RealtimeKeys    []string `json:"realtime_keys,omitempty"`
	RealtimeAddrs   []string `json:"realtime_addrs,omitempty"`
	ListenEndpoint  string   `json:"listen_endpoint,omitempty"`

	SinkKind   string   `json:"sink_kind"`
	RecordFile string   `json:"record_file,omitempty"`
	TargetSel  []string `json:"target_sel,omitempty"`
	ComputeSel []string `json:"compute_sel,omitempty"`

	AuthWorkers  int `json:"auth_workers,omitempty"`
	ExecWorkers  int `json:"exec_workers,omitempty"`
	BcastWorkers int `json:"bcast_workers,omitempty"`
	QueueCap     int `json:"queue_cap,omitempty"`

	AuthorizeAttempts int    `json:"authorize_attempts,omitempty"`
	AuthorizeTimeout  string `json:"authorize_timeout,omitempty"`
	ExecuteAttempts   int    `json:"execute_attempts,omitempty"`
	ExecuteTimeout    string `json:"execute_timeout,omitempty"`
	BroadcastAttempts int    `json:"broadcast_attempts,omitempty"`
	BroadcastTimeout  string `json:"broadcast_timeout,omitempty"`

	Count int `json:"count,omitempty"`
}

// CannonName mirrors state.CannonName for JSON field typing without an
// import-cycle-prone alias.
type CannonName = state.CannonName

func (c CannonSpecDoc) toState() (state.CannonSpec, error) {
	targetSel, err := ids.ParseSelectorList(c.TargetSel)
	if err != nil {
		return state.CannonSpec{}, fmt.Errorf("target_sel: %w", err)
	}
	computeSel, err := ids.ParseSelectorList(c.ComputeSel)
	if err != nil {
		return state.CannonSpec{}, fmt.Errorf("compute_sel: %w", err)
	}
	authTimeout, err := parseDurationOrZero(c.AuthorizeTimeout)
	if err != nil {
		return state.CannonSpec{}, fmt.Errorf("authorize_timeout: %w", err)
	}
	execTimeout, err := parseDurationOrZero(c.ExecuteTimeout)
	if err != nil {
		return state.CannonSpec{}, fmt.Errorf("execute_timeout: %w", err)
	}
	bcastTimeout, err := parseDurationOrZero(c.BroadcastTimeout)
	if err != nil {
		return state.CannonSpec{}, fmt.Errorf("broadcast_timeout: %w", err)
	}
	return state.CannonSpec{
		Name:              c.Name,
		SourceKind:        state.CannonSourceKind(c.SourceKind),
		PlaybackFile:      c.PlaybackFile,
		RealtimeTxModes:   c.RealtimeTxModes,
		RealtimeKeys:      c.RealtimeKeys,
		RealtimeAddrs:     c.RealtimeAddrs,
		ListenEndpoint:    c.ListenEndpoint,
		SinkKind:          state.CannonSinkKind(c.SinkKind),
		RecordFile:        c.RecordFile,
		TargetSel:         targetSel,
		ComputeSel:        computeSel,
		AuthWorkers:       c.AuthWorkers,
		ExecWorkers:       c.ExecWorkers,
		BcastWorkers:      c.BcastWorkers,
		QueueCap:          c.QueueCap,
		AuthorizeAttempts: c.AuthorizeAttempts,
		AuthorizeTimeout:  authTimeout,
		ExecuteAttempts:   c.ExecuteAttempts,
		ExecuteTimeout:    execTimeout,
		BroadcastAttempts: c.BroadcastAttempts,
		BroadcastTimeout:  bcastTimeout,
		Count:             c.Count,
	}, nil
}

func cannonSpecDoc(c state.CannonSpec) CannonSpecDoc {
	return CannonSpecDoc{
		Name:              c.Name,
		SourceKind:        string(c.SourceKind),
		PlaybackFile:      c.PlaybackFile,
		RealtimeTxModes:   c.RealtimeTxModes,
		RealtimeKeys:      c.RealtimeKeys,
		RealtimeAddrs:     c.RealtimeAddrs,
		ListenEndpoint:    c.ListenEndpoint,
		SinkKind:          string(c.SinkKind),
		RecordFile:        c.RecordFile,
		TargetSel:         selectorStrings(c.TargetSel),
		ComputeSel:        selectorStrings(c.ComputeSel),
		AuthWorkers:       c.AuthWorkers,
		ExecWorkers:       c.ExecWorkers,
		BcastWorkers:      c.BcastWorkers,
		QueueCap:          c.QueueCap,
		AuthorizeAttempts: c.AuthorizeAttempts,
		AuthorizeTimeout:  durationString(c.AuthorizeTimeout),
		ExecuteAttempts:   c.ExecuteAttempts,
		ExecuteTimeout:    durationString(c.ExecuteTimeout),
		BroadcastAttempts: c.BroadcastAttempts,
		BroadcastTimeout:  durationString(c.BroadcastTimeout),
		Count:             c.Count,
	}
}

// EnvironmentDoc is the JSON form of state.Environment accepted by
// POST /env/{id}/apply and returned by GET /env, GET /env/{id}.
type EnvironmentDoc struct {
	ID         string                      `json:"id"`
	StorageRef string                      `json:"storage_ref,omitempty"`
	NetworkID  string                      `json:"network_id,omitempty"`
	Topology   map[string]InternalNodeDoc  `json:"topology,omitempty"`
	External   map[string]string           `json:"external,omitempty"`
	Cannons    map[CannonName]CannonSpecDoc `json:"cannons,omitempty"`
}

// ToEnvironment validates and converts the document into the core's
// Environment record.
func (d EnvironmentDoc) ToEnvironment() (*state.Environment, error) {
	if err := ids.Validate(d.ID); err != nil {
		return nil, err
	}
	topology := make(map[ids.NodeKey]state.InternalNode, len(d.Topology))
	for rawKey, nodeDoc := range d.Topology {
		nk, err := ids.ParseNodeKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("topology key %q: %w", rawKey, err)
		}
		node, err := nodeDoc.toState()
		if err != nil {
			return nil, fmt.Errorf("topology[%s]: %w", rawKey, err)
		}
		topology[nk] = node
	}
	external := make(map[ids.NodeKey]state.ExternalEndpoint, len(d.External))
	for rawKey, addr := range d.External {
		nk, err := ids.ParseNodeKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("external key %q: %w", rawKey, err)
		}
		external[nk] = state.ExternalEndpoint{NodeKey: nk, Addr: addr}
	}
	cannons := make(map[state.CannonName]state.CannonSpec, len(d.Cannons))
	for name, specDoc := range d.Cannons {
		specDoc.Name = name
		spec, err := specDoc.toState()
		if err != nil {
			return nil, fmt.Errorf("cannons[%s]: %w", name, err)
		}
		cannons[name] = spec
	}
	return &state.Environment{
		ID:         ids.ID(d.ID),
		StorageRef: d.StorageRef,
		Topology:   topology,
		External:   external,
		Cannons:    cannons,
		NetworkID:  d.NetworkID,
	}, nil
}

// EnvironmentDocFrom converts a core Environment record into its JSON
// form.
func EnvironmentDocFrom(e *state.Environment) EnvironmentDoc {
	topology := make(map[string]InternalNodeDoc, len(e.Topology))
	for nk, n := range e.Topology {
		topology[nk.String()] = internalNodeDoc(n)
	}
	external := make(map[string]string, len(e.External))
	for nk, ep := range e.External {
		external[nk.String()] = ep.Addr
	}
	cannons := make(map[CannonName]CannonSpecDoc, len(e.Cannons))
	for name, c := range e.Cannons {
		cannons[name] = cannonSpecDoc(c)
	}
	return EnvironmentDoc{
		ID:         string(e.ID),
		StorageRef: e.StorageRef,
		NetworkID:  e.NetworkID,
		Topology:   topology,
		External:   external,
		Cannons:    cannons,
	}
}
