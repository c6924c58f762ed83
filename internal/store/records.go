package state

import (
	"encoding/gob"
	"net"
	"time"

	"github.com/monadicus/snops-core/internal/ids"
)

// HeightKind discriminates the variants of HeightSpec.
type HeightKind string

const (
	HeightGenesis    HeightKind = "genesis"
	HeightTop        HeightKind = "top"
	HeightAbsolute   HeightKind = "absolute"
	HeightCheckpoint HeightKind = "checkpoint"
)

// HeightSpec is the closed tagged-sum target ledger height from spec.md
// §3: genesis (0), top (latest), absolute(u32), or checkpoint(span).
type HeightSpec struct {
	Kind     HeightKind
	Absolute uint32
	Span     string
}

// ClaimRef pins an agent to exactly one environment/node-key pair at a
// time (spec.md §3 invariant 1: "at most one non-null claim").
type ClaimRef struct {
	EnvID   ids.ID
	NodeKey ids.NodeKey
}

// ModeFlags records which roles an agent process is willing to serve.
type ModeFlags struct {
	Validator bool
	Prover    bool
	Client    bool
	Compute   bool
}

// Allows reports whether the flag set can satisfy a slot of node type ty.
func (m ModeFlags) Allows(ty ids.NodeType) bool {
	switch ty {
	case ids.NodeValidator:
		return m.Validator
	case ids.NodeClient:
		return m.Client
	case ids.NodeProver:
		return m.Prover
	default:
		return false
	}
}

// Agent is the State store's record of a registered agent daemon
// (spec.md §3 "Agent record"). It persists across disconnections so that
// Claim survives a control-plane or agent reboot.
type Agent struct {
	ID                ids.ID
	Connected         bool
	LastSeen          time.Time
	ExternalAddr      string // empty if none
	InternalAddrs     []string
	Mode              ModeFlags
	Labels            map[string]struct{}
	LocalPKAvailable  bool
	Claim             *ClaimRef
	ObservedState     ObservedState
	TargetState       TargetState
}

// HasLabel reports whether label is present in the agent's label set.
func (a *Agent) HasLabel(label string) bool {
	if a.Labels == nil {
		return false
	}
	_, ok := a.Labels[label]
	return ok
}

// HasLabels reports whether every label in required is present.
func (a *Agent) HasLabels(required []string) bool {
	for _, l := range required {
		if !a.HasLabel(l) {
			return false
		}
	}
	return true
}

// ExternalEndpoint is a socket address an environment exposes externally
// for a node key that isn't internally managed.
type ExternalEndpoint struct {
	NodeKey ids.NodeKey
	Addr    string
}

// PrivateKeyRef names a key material reference, either local-only (agent
// must have LocalPKAvailable) or control-plane-managed.
type PrivateKeyRef struct {
	Local bool
	Ref   string
}

// InternalNode is the target-state template for one topology slot
// (spec.md §3 "InternalNode").
type InternalNode struct {
	Online   bool
	Replicas uint32
	Key      *PrivateKeyRef
	Height   HeightSpec
	Labels   []string
	Agent    ids.ID // pinned agent, empty if unpinned
	Validators ids.Selector
	Peers      ids.Selector
	EnvVars    map[string]string
	BinaryRef  string
}

// CannonName identifies a cannon within an environment.
type CannonName string

// CannonSourceKind discriminates the cannon source variants.
type CannonSourceKind string

const (
	SourcePlayback CannonSourceKind = "playback"
	SourceRealtime CannonSourceKind = "realtime"
	SourceListen   CannonSourceKind = "listen"
)

// CannonSinkKind discriminates the cannon sink variants.
type CannonSinkKind string

const (
	SinkRecord CannonSinkKind = "record"
	SinkTarget CannonSinkKind = "target"
)

// CannonSpec is an environment's declarative description of one cannon
// (spec.md §4.5).
type CannonSpec struct {
	Name CannonName

	SourceKind    CannonSourceKind
	PlaybackFile  string
	RealtimeTxModes []string
	RealtimeKeys    []string
	RealtimeAddrs   []string
	ListenEndpoint  string

	SinkKind   CannonSinkKind
	RecordFile string
	TargetSel  ids.Selector

	// ComputeSel selects the compute agent authorize/execute run on; empty
	// means run locally (spec.md §4.5 "executed on a compute agent if
	// configured; else locally").
	ComputeSel ids.Selector

	AuthWorkers  int
	ExecWorkers  int
	BcastWorkers int
	QueueCap     int

	AuthorizeAttempts int
	AuthorizeTimeout  time.Duration
	ExecuteAttempts   int
	ExecuteTimeout    time.Duration
	BroadcastAttempts int
	BroadcastTimeout  time.Duration

	Count int // 0 means unbounded (drain until source exhausted)
}

// Environment is a declarative bundle applied atomically (spec.md §3
// "Environment record").
type Environment struct {
	ID         ids.ID
	StorageRef string
	Topology   map[ids.NodeKey]InternalNode
	External   map[ids.NodeKey]ExternalEndpoint
	Cannons    map[CannonName]CannonSpec
	NetworkID  string
}

// TargetState is the agent-facing, byte-stable desired configuration for
// one agent at one point in time (spec.md §3 "Target state"). Field order
// is fixed, but gob writes the Env map in iteration order, so two equal
// values with more than one Env entry can encode to different bytes; the
// Reconciler's byte-equality check (§4.3 step 1) then finds them unequal
// and falls through to its diff.
type TargetState struct {
	Online          bool
	NodeType        ids.NodeType
	PrivateKeyHash  string
	HeightGoal      HeightSpec
	Peers           []string
	Validators      []string
	Env             map[string]string
	BinaryDigest    string
	LedgerEpoch     uint64
}

// ObservedState is the most recent agent-reported actual configuration
// (spec.md §3 "Observed state"). In-memory only; never persisted.
type ObservedState struct {
	NodeRunning        bool
	CurrentHeight      uint64
	ConnectedPeers     int
	LastBlockHash      string
	ChildPID           int
	LedgerEpochOnDisk  uint64
}

// EventKind enumerates the closed set of event kinds the control plane
// emits (spec.md §3 "Event", §8 scenario 3 names TargetChanged,
// NodeStopping, NodeStopped).
type EventKind string

const (
	EventTargetChanged EventKind = "TargetChanged"
	EventNodeStopping  EventKind = "NodeStopping"
	EventNodeStopped   EventKind = "NodeStopped"
	EventNodeStarted   EventKind = "NodeStarted"
	EventReconcileFailed EventKind = "ReconcileFailed"
	EventAgentConnected  EventKind = "AgentConnected"
	EventAgentDisconnected EventKind = "AgentDisconnected"
	EventDelegationFailed  EventKind = "DelegationFailed"
	EventCannonStateChanged EventKind = "CannonStateChanged"
	EventTxAuthorized  EventKind = "TxAuthorized"
	EventTxExecuted    EventKind = "TxExecuted"
	EventTxBroadcast   EventKind = "TxBroadcast"
	EventTxFailed      EventKind = "TxFailed"
	EventCursorLost    EventKind = "CursorLost"
)

// Event is one entry in the append-only event log (spec.md §3 "Event").
type Event struct {
	Seq     uint64
	Ts      time.Time
	Kind    EventKind
	EnvID   ids.ID
	AgentID ids.ID
	NodeKey ids.NodeKey
	Payload map[string]any
}

func init() {
	gob.Register(Agent{})
	gob.Register(Environment{})
	gob.Register(TargetState{})
	gob.Register(ObservedState{})
	gob.Register(Event{})
	gob.Register(InternalNode{})
	gob.Register(CannonSpec{})
	gob.Register(HeightSpec{})
	gob.Register(ClaimRef{})
	gob.Register(net.TCPAddr{})
}
