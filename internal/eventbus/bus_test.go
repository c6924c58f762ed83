package eventbus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

func TestPublishDeliversInSeqOrderToMatchingSubscriber(t *testing.T) {
	b := New(1, nil, logrus.NewEntry(logrus.New()))
	sub := b.Subscribe(Filter{Kind: state.EventNodeStarted}, 0)
	defer sub.Close()

	b.Publish(state.EventNodeStopped, "env-1", "", ids.NodeKey{}, nil)
	b.Publish(state.EventNodeStarted, "env-1", "agent-1", ids.NodeKey{Type: ids.NodeValidator, Name: "1"}, map[string]any{"ok": true})
	b.Publish(state.EventNodeStarted, "env-1", "agent-2", ids.NodeKey{Type: ids.NodeValidator, Name: "2"}, nil)

	var got []state.Event
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d so far", len(got))
		}
	}
	if got[0].AgentID != "agent-1" || got[1].AgentID != "agent-2" {
		t.Fatalf("expected agent-1 then agent-2 in seq order, got %+v", got)
	}
	if got[0].Seq >= got[1].Seq {
		t.Fatalf("expected strictly increasing seq, got %d then %d", got[0].Seq, got[1].Seq)
	}
}

func TestSubscribeReplaysFromResumeSeq(t *testing.T) {
	b := New(1, nil, logrus.NewEntry(logrus.New()))
	ev1 := b.Publish(state.EventNodeStarted, "env-1", "a", ids.NodeKey{}, nil)
	ev2 := b.Publish(state.EventNodeStopped, "env-1", "a", ids.NodeKey{}, nil)

	sub := b.Subscribe(MatchAll, ev1.Seq)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		if ev.Seq != ev2.Seq {
			t.Fatalf("expected replay to start after ev1, got seq %d", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
}

func TestFilterCombinators(t *testing.T) {
	ev := state.Event{Kind: state.EventNodeStarted, EnvID: "env-1", AgentID: "a"}

	allOf := Filter{AllOf: []Filter{{Kind: state.EventNodeStarted}, {EnvID: "env-1"}}}
	if !allOf.Match(ev) {
		t.Fatal("expected all_of(kind, env) to match")
	}
	allOfFail := Filter{AllOf: []Filter{{Kind: state.EventNodeStarted}, {EnvID: "env-2"}}}
	if allOfFail.Match(ev) {
		t.Fatal("expected all_of to fail when one leaf mismatches")
	}

	anyOf := Filter{AnyOf: []Filter{{EnvID: "env-2"}, {AgentID: "a"}}}
	if !anyOf.Match(ev) {
		t.Fatal("expected any_of to match on the second leaf")
	}

	not := Filter{Not: &Filter{AgentID: "a"}}
	if not.Match(ev) {
		t.Fatal("expected not(agent=a) to exclude an event from agent a")
	}
}

func TestSubscribeEmitsCursorLostWhenResumeSeqEvicted(t *testing.T) {
	b := New(1, nil, logrus.NewEntry(logrus.New()))
	b.maxCount = 1 // force eviction down to the single newest event

	b.Publish(state.EventNodeStarted, "", "", ids.NodeKey{}, nil) // seq 1, evicted
	b.Publish(state.EventNodeStarted, "", "", ids.NodeKey{}, nil) // seq 2, evicted
	b.Publish(state.EventNodeStarted, "", "", ids.NodeKey{}, nil) // seq 3, retained

	sub := b.Subscribe(MatchAll, 1) // resume point leaves seq 2 missing: a real gap
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		if ev.Kind != state.EventCursorLost {
			t.Fatalf("expected a CursorLost event first, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CursorLost")
	}
}
