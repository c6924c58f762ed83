package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// DefaultMaxCount and DefaultMaxAge bound the in-memory ring (spec.md
// §4.6 "Retention").
const (
	DefaultMaxCount = 100_000
	DefaultMaxAge   = 24 * time.Hour
	DefaultPersistN = 10_000
)

// ErrCursorLost is delivered as the "reason" payload field of a synthetic
// CursorLost event when a subscriber resumes from a seq older than the
// retained ring (spec.md §4.6 "cursors older than the retained ring
// receive an explicit CursorLost event").
const ErrCursorLost = "cursor older than the retained window"

// Bus is the append-only, filterable, cursor-resumable event stream
// (C6), grounded on system/events.Dispatcher's queue + registration
// shape, generalized to a seq-ordered ring with resumable subscriptions
// instead of a single unordered worker queue.
type Bus struct {
	mu         sync.Mutex
	ring       []state.Event
	maxCount   int
	maxAge     time.Duration
	persistN   int
	generation uint64
	nextSeq    uint64
	subs       map[uint64]*subscription
	subSeq     uint64
	store      *state.Store
	log        *logrus.Entry
}

type subscription struct {
	filter Filter
	ch     chan state.Event
	closed bool
}

// New constructs a Bus. generation is the control plane's current
// cold-start generation (spec.md §3); store is optional — if nil, events
// are not mirrored to durable storage.
func New(generation uint64, store *state.Store, log *logrus.Entry) *Bus {
	return &Bus{
		ring:       make([]state.Event, 0, 1024),
		maxCount:   DefaultMaxCount,
		maxAge:     DefaultMaxAge,
		persistN:   DefaultPersistN,
		generation: generation,
		subs:       make(map[uint64]*subscription),
		store:      store,
		log:        log,
	}
}

// Emit matches the narrow EventSink shape the reconciler and cannon
// packages depend on (duck-typed, no import of either package here).
func (b *Bus) Emit(kind state.EventKind, payload map[string]any) {
	b.Publish(kind, "", "", ids.NodeKey{}, payload)
}

// ScopedSink binds a fixed env/agent/node-key context to Emit calls, for
// components (the reconciler, one cannon) whose EventSink interface
// carries only (kind, payload).
type ScopedSink struct {
	bus     *Bus
	envID   ids.ID
	agentID ids.ID
	nodeKey ids.NodeKey
}

// Scoped returns an EventSink-shaped adapter that stamps every Emit with
// the given env/agent/node-key context.
func (b *Bus) Scoped(envID, agentID ids.ID, nodeKey ids.NodeKey) *ScopedSink {
	return &ScopedSink{bus: b, envID: envID, agentID: agentID, nodeKey: nodeKey}
}

func (s *ScopedSink) Emit(kind state.EventKind, payload map[string]any) {
	s.bus.Publish(kind, s.envID, s.agentID, s.nodeKey, payload)
}

// Publish appends a new event with the next monotonic seq for this
// generation, persists it (if mirroring the last N), evicts retention
// overflow, and delivers it to every matching subscriber (spec.md §4.6).
func (b *Bus) Publish(kind state.EventKind, envID, agentID ids.ID, nodeKey ids.NodeKey, payload map[string]any) state.Event {
	b.mu.Lock()
	b.nextSeq++
	ev := state.Event{
		Seq:     b.nextSeq,
		Ts:      time.Now(),
		Kind:    kind,
		EnvID:   envID,
		AgentID: agentID,
		NodeKey: nodeKey,
		Payload: payload,
	}
	b.ring = append(b.ring, ev)
	b.evictLocked()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	store := b.store
	persistN := b.persistN
	minSeq := b.nextSeq
	if uint64(persistN) < minSeq {
		minSeq = b.nextSeq - uint64(persistN)
	} else {
		minSeq = 0
	}
	b.mu.Unlock()

	if store != nil {
		if err := store.AppendEvent(context.Background(), ev); err != nil && b.log != nil {
			b.log.WithError(err).Warn("eventbus: failed to persist event")
		}
		if minSeq > 0 {
			store.PruneEvents(context.Background(), minSeq)
		}
	}

	for _, s := range subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if b.log != nil {
				b.log.WithField("seq", ev.Seq).Warn("eventbus: subscriber channel full, event dropped for it")
			}
		}
	}
	return ev
}

// evictLocked trims the ring to maxCount/maxAge, oldest-first. Callers
// hold b.mu.
func (b *Bus) evictLocked() {
	if len(b.ring) == 0 {
		return
	}
	cutoff := time.Now().Add(-b.maxAge)
	drop := 0
	for drop < len(b.ring) && (len(b.ring)-drop > b.maxCount || b.ring[drop].Ts.Before(cutoff)) {
		drop++
	}
	if drop > 0 {
		b.ring = b.ring[drop:]
	}
}

// Subscription is a live handle returned by Subscribe; read from Events()
// and call Close when done.
type Subscription struct {
	bus      *Bus
	id       uint64
	ch       chan state.Event
	done     chan struct{}
	closeOnce sync.Once
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan state.Event { return s.ch }

// Done is closed when the subscription is closed, so a consumer ranging
// over Events() in a select can stop without relying on the (unclosed,
// to avoid a send-on-closed-channel race with Publish) events channel.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

// Subscribe registers filter and replays everything from resumeSeq+1
// onward (spec.md §4.6 "no gaps within a generation"). If resumeSeq is
// older than the retained ring, a synthetic CursorLost event is delivered
// first and replay starts from the oldest retained event instead.
func (b *Bus) Subscribe(filter Filter, resumeSeq uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subSeq++
	sub := &subscription{filter: filter, ch: make(chan state.Event, 256)}
	b.subs[b.subSeq] = sub
	handle := &Subscription{bus: b, id: b.subSeq, ch: sub.ch, done: make(chan struct{})}

	oldest := uint64(0)
	if len(b.ring) > 0 {
		oldest = b.ring[0].Seq
	}
	if resumeSeq > 0 && oldest > 0 && resumeSeq < oldest-1 {
		lost := state.Event{Seq: 0, Ts: time.Now(), Kind: state.EventCursorLost, Payload: map[string]any{"reason": ErrCursorLost, "requested_seq": resumeSeq, "oldest_retained": oldest}}
		select {
		case sub.ch <- lost:
		default:
		}
	}
	for _, ev := range b.ring {
		if ev.Seq <= resumeSeq {
			continue
		}
		if !filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return handle
}

// Generation returns the control-plane generation events are stamped
// under (events from a prior generation reuse seq numbers from zero, so
// callers must key persisted state by (generation, seq)).
func (b *Bus) Generation() uint64 { return b.generation }

