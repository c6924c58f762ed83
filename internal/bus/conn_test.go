package bus

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

func newTestConn(t *testing.T) *conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return newConn(ids.ID("agent-1"), server, logrus.NewEntry(logrus.New()))
}

func TestConnCoalescesSetTargetState(t *testing.T) {
	c := newTestConn(t)

	c.enqueue(Command{ReqID: "1", Op: OpSetTargetState, Target: state.TargetState{BinaryDigest: "a"}})
	c.enqueue(Command{ReqID: "2", Op: OpGetStatus})
	c.enqueue(Command{ReqID: "3", Op: OpSetTargetState, Target: state.TargetState{BinaryDigest: "b"}})

	var popped []Command
	for {
		cmd, ok := c.popNext()
		if !ok {
			break
		}
		popped = append(popped, cmd)
	}

	if len(popped) != 2 {
		t.Fatalf("expected 2 queued commands after coalescing, got %d: %+v", len(popped), popped)
	}
	// The surviving SetTargetState must be the most recent one (digest "b").
	var sawTarget bool
	for _, cmd := range popped {
		if cmd.Op == OpSetTargetState {
			sawTarget = true
			if cmd.Target.BinaryDigest != "b" {
				t.Fatalf("expected coalesced target digest 'b', got %q", cmd.Target.BinaryDigest)
			}
		}
	}
	if !sawTarget {
		t.Fatal("expected a SetTargetState command to survive coalescing")
	}
}

func TestConnQueueFIFOOrder(t *testing.T) {
	c := newTestConn(t)
	c.enqueue(Command{ReqID: "1", Op: OpGetStatus})
	c.enqueue(Command{ReqID: "2", Op: OpKill})

	first, ok := c.popNext()
	if !ok || first.ReqID != "1" {
		t.Fatalf("expected first popped command to be ReqID 1, got %+v", first)
	}
	second, ok := c.popNext()
	if !ok || second.ReqID != "2" {
		t.Fatalf("expected second popped command to be ReqID 2, got %+v", second)
	}
}
