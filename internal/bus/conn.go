package bus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
)

// conn is the control plane's server-side handle on one agent's
// connection: an outbound frame writer, a serialized command queue with
// SetTargetState coalescing, and request/response correlation.
type conn struct {
	agentID ids.ID
	nc      net.Conn
	log     *logrus.Entry

	out chan frameOut

	qmu              sync.Mutex
	queue            []Command
	pendingTargetIdx int
	wake             chan struct{}

	pmu     sync.Mutex
	pending map[string]chan Response
}

type frameOut struct {
	tag     Tag
	payload []byte
}

func newConn(agentID ids.ID, nc net.Conn, log *logrus.Entry) *conn {
	return &conn{
		agentID:          agentID,
		nc:               nc,
		log:              log,
		out:              make(chan frameOut, 64),
		pendingTargetIdx: -1,
		wake:             make(chan struct{}, 1),
		pending:          make(map[string]chan Response),
	}
}

func (c *conn) enqueue(cmd Command) {
	c.qmu.Lock()
	if cmd.Op == OpSetTargetState && c.pendingTargetIdx >= 0 {
		c.queue[c.pendingTargetIdx] = cmd
	} else {
		c.queue = append(c.queue, cmd)
		if cmd.Op == OpSetTargetState {
			c.pendingTargetIdx = len(c.queue) - 1
		}
	}
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) popNext() (Command, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return Command{}, false
	}
	cmd := c.queue[0]
	c.queue = c.queue[1:]
	if c.pendingTargetIdx == 0 {
		c.pendingTargetIdx = -1
	} else if c.pendingTargetIdx > 0 {
		c.pendingTargetIdx--
	}
	return cmd, true
}

// dispatch enqueues cmd and blocks until its Response arrives or ctx
// expires (sending Cancel). A connection that dies first does not end the
// wait; only ctx does.
func (c *conn) dispatch(ctx context.Context, cmd Command) (Response, error) {
	ch := make(chan Response, 1)
	c.pmu.Lock()
	c.pending[cmd.ReqID] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, cmd.ReqID)
		c.pmu.Unlock()
	}()

	c.enqueue(cmd)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		payload, err := encodeCancel(Cancel{ReqID: cmd.ReqID})
		if err == nil {
			c.send(TagCancel, payload)
		}
		return Response{ReqID: cmd.ReqID, Status: StatusTimeout}, ctx.Err()
	}
}

func (c *conn) send(tag Tag, payload []byte) {
	select {
	case c.out <- frameOut{tag: tag, payload: payload}:
	default:
		c.log.Warn("bus: outbound queue full, dropping frame")
	}
}

// writeLoop serializes all outbound frames onto the TCP connection: the
// per-agent command queue (sent in order, see drainQueue) plus pings,
// pongs and cancels from c.out.
func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.out:
			if err := WriteFrame(c.nc, f.tag, f.payload); err != nil {
				return
			}
		case <-c.wake:
			c.drainQueue(ctx)
		case <-ticker.C:
			WriteFrame(c.nc, TagPing, nil)
		}
	}
}

// drainQueue sends every currently-queued command, one at a time,
// honoring spec.md's per-agent serialization rule. Because the control
// plane doesn't block here for each command's Response (responses arrive
// asynchronously on the read loop and are routed to dispatch's channel),
// multiple commands can be in flight on the wire; true single-flight
// enforcement happens on the agent, which processes Command frames one at
// a time in arrival order (spec.md §4.2).
func (c *conn) drainQueue(ctx context.Context) {
	for {
		cmd, ok := c.popNext()
		if !ok {
			return
		}
		payload, err := encodeCommand(cmd)
		if err != nil {
			continue
		}
		if err := WriteFrame(c.nc, TagCmd, payload); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *conn) readLoop(ctx context.Context, s *Server) {
	for {
		c.nc.SetReadDeadline(time.Now().Add(s.heartbeat))
		tag, payload, err := ReadFrame(c.nc)
		if err != nil {
			return
		}
		switch tag {
		case TagResp:
			resp, err := decodeResponse(payload)
			if err != nil {
				continue
			}
			c.pmu.Lock()
			ch, ok := c.pending[resp.ReqID]
			c.pmu.Unlock()
			if ok {
				select {
				case ch <- resp:
				default:
				}
			}
		case TagEvent:
			ef, err := decodeEvent(payload)
			if err != nil {
				continue
			}
			switch ef.Kind {
			case AgentEventStatus:
				s.handlers.OnStatus(c.agentID, ef.Observed)
			case AgentEventMetric:
				s.handlers.OnMetric(c.agentID, ef.MetricName, ef.MetricValue)
			case AgentEventLog:
				s.handlers.OnLog(c.agentID, ef.LogLine)
			}
		case TagPing:
			c.send(TagPong, nil)
		case TagPong:
			// liveness only
		case TagCancel:
			// Agent-initiated cancel of a control-plane request; not
			// modeled further since the control plane doesn't serve
			// long-running agent->CP requests in this design.
		default:
			// ReportStatus/Metric/Log arrive as Event frames (handled
			// above); any other tag here is ignored rather than fatal.
		}
	}
}
