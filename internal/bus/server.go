package bus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// ProtocolVersion is bumped whenever the wire schema changes
// incompatibly; handshakes from a mismatched version are rejected.
const ProtocolVersion uint32 = 1

// DefaultHeartbeatDeadline is the default keep-alive deadline (spec.md
// §4.2: "default 30 s").
const DefaultHeartbeatDeadline = 30 * time.Second

// Handlers lets the control plane react to agent-side bus activity
// without the bus package depending on the delegator/reconciler/eventbus
// packages directly.
type Handlers interface {
	// OnStatus is called whenever an agent reports its observed state.
	OnStatus(agentID ids.ID, observed state.ObservedState)
	// OnMetric is called for fire-and-forget Metric frames.
	OnMetric(agentID ids.ID, name string, value float64)
	// OnLog is called for fire-and-forget Log frames.
	OnLog(agentID ids.ID, line string)
	// OnDisconnect is called when an agent's connection is lost.
	OnDisconnect(agentID ids.ID)
}

// Server is the control-plane side of the agent bus: it accepts
// connections, performs the handshake, and serializes command delivery
// per agent (spec.md §4.2).
type Server struct {
	tokens    *TokenAuthority
	store     *state.Store
	handlers  Handlers
	log       *logrus.Entry
	heartbeat time.Duration
	generation uint64

	mu    sync.RWMutex
	conns map[ids.ID]*conn
}

// NewServer constructs a Server. generation is the control plane's current
// cold-start generation counter (spec.md §3), sent in every HandshakeAck.
func NewServer(tokens *TokenAuthority, store *state.Store, handlers Handlers, log *logrus.Entry, generation uint64) *Server {
	return &Server{
		tokens:     tokens,
		store:      store,
		handlers:   handlers,
		log:        log,
		heartbeat:  DefaultHeartbeatDeadline,
		generation: generation,
		conns:      make(map[ids.ID]*conn),
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, nc)
	}
}

// IsConnected reports whether an agent currently has a live connection.
func (s *Server) IsConnected(id ids.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[id]
	return ok
}

// ConnectedAgents returns the IDs of every currently connected agent.
func (s *Server) ConnectedAgents() []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ids.ID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	nc.SetReadDeadline(time.Now().Add(s.heartbeat))
	tag, payload, err := ReadFrame(nc)
	if err != nil || tag != TagHandshake {
		s.log.WithError(err).Warn("bus: handshake read failed")
		return
	}
	hs, err := decodeHandshake(payload)
	if err != nil {
		s.log.WithError(err).Warn("bus: handshake decode failed")
		return
	}

	if hs.Version != ProtocolVersion {
		s.rejectHandshake(nc, "version incompatible")
		return
	}
	if s.IsConnected(ids.ID(hs.AgentID)) {
		s.rejectHandshake(nc, "id collision with another live connection")
		return
	}
	if !s.tokens.Verify(hs.AgentID, hs.Token) {
		payload, _ := encodeAuthFailed(AuthFailedMsg{Reason: "invalid token"})
		WriteFrame(nc, TagAuthFailed, payload)
		return
	}

	if err := s.registerAgent(ctx, hs); err != nil {
		s.log.WithError(err).WithField("agent_id", hs.AgentID).Warn("bus: failed to persist agent registration")
		s.rejectHandshake(nc, "registration failed")
		return
	}

	c := newConn(ids.ID(hs.AgentID), nc, s.log.WithField("agent_id", hs.AgentID))
	s.mu.Lock()
	s.conns[c.agentID] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.agentID)
		s.mu.Unlock()
		s.handlers.OnDisconnect(c.agentID)
	}()

	var lastTarget *state.TargetState
	var resumeSeq uint64
	if a, err := s.store.GetAgent(ctx, c.agentID); err == nil {
		t := a.TargetState
		lastTarget = &t
	}

	ackPayload, err := encodeHandshakeAck(HandshakeAck{
		Accepted:              true,
		Generation:             s.generation,
		LastKnownTargetState:  lastTarget,
		ResumeEventSeq:         resumeSeq,
	})
	if err != nil {
		return
	}
	if err := WriteFrame(nc, TagHandshake, ackPayload); err != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(connCtx)
	c.readLoop(connCtx, s)
}

// registerAgent creates the agent record on first handshake (spec.md §3
// "Agent records are created on first registration"), or refreshes its
// self-reported fields on every subsequent reconnect. The persisted
// Claim/ObservedState/TargetState survive untouched across reconnects.
func (s *Server) registerAgent(ctx context.Context, hs Handshake) error {
	labels := make(map[string]struct{}, len(hs.Labels))
	for _, l := range hs.Labels {
		labels[l] = struct{}{}
	}

	a, err := s.store.GetAgent(ctx, ids.ID(hs.AgentID))
	if err != nil {
		a = &state.Agent{ID: ids.ID(hs.AgentID)}
	}
	a.Mode = hs.ModeFlags
	a.Labels = labels
	a.LocalPKAvailable = hs.LocalPKAvailable
	a.ExternalAddr = hs.ExternalAddr
	a.InternalAddrs = hs.InternalAddrs
	return s.store.PutAgent(ctx, a)
}

func (s *Server) rejectHandshake(nc net.Conn, reason string) {
	payload, err := encodeHandshakeAck(HandshakeAck{Accepted: false, RejectReason: reason})
	if err != nil {
		return
	}
	WriteFrame(nc, TagHandshake, payload)
}

// SendCommand issues a command to agentID and blocks for its Response, or
// returns an error if the agent is not connected, ctx expires, or the
// command is cancelled. Per-agent execution is serialized by conn's
// command loop (spec.md §4.2 "Ordering").
func (s *Server) SendCommand(ctx context.Context, agentID ids.ID, cmd Command) (Response, error) {
	s.mu.RLock()
	c, ok := s.conns[agentID]
	s.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("bus: agent %s not connected", agentID)
	}
	if cmd.ReqID == "" {
		cmd.ReqID = uuid.NewString()
	}
	if dl, ok := ctx.Deadline(); ok {
		cmd.DeadlineUnixNano = dl.UnixNano()
	}
	return c.dispatch(ctx, cmd)
}

// SetTargetState enqueues a SetTargetState command, coalescing with any
// not-yet-sent SetTargetState already queued for this agent (spec.md
// §4.2/§5: "only the most recent target is delivered").
func (s *Server) SetTargetState(ctx context.Context, agentID ids.ID, target state.TargetState) (Response, error) {
	return s.SendCommand(ctx, agentID, Command{Op: OpSetTargetState, Target: target})
}
