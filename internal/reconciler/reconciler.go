// Package reconciler drives a single agent's local resources (node child
// process, ledger directory, private-key file) from an observed state
// toward a desired target state (C3, spec.md §4.3).
package reconciler

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/resilience"
	state "github.com/monadicus/snops-core/internal/store"
)

// Phase is the reconciler's own state-machine position (spec.md §4.3
// "State machine"): Disconnected -> Registering -> Idle -> Reconciling ->
// (Idle | Failed) -> ...
type Phase string

const (
	PhaseDisconnected Phase = "Disconnected"
	PhaseRegistering  Phase = "Registering"
	PhaseIdle         Phase = "Idle"
	PhaseReconciling  Phase = "Reconciling"
	PhaseFailed       Phase = "Failed"
)

// FailureClass distinguishes a transient failure (retry with backoff)
// from a structural one (stop, emit an event, wait for a new target).
type FailureClass string

const (
	FailureTransient  FailureClass = "Transient"
	FailureStructural FailureClass = "Structural"
)

// ReconcileError wraps an action failure with its class and the action's
// field class, so the caller can decide whether to retry (spec.md §4.3
// step 5, §7 "Reconcile").
type ReconcileError struct {
	Class      FailureClass
	ActionKind ActionKind
	Err        error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconciler: %s action %s failed: %v", e.Class, e.ActionKind, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// ErrPreempted is returned from RunOnce when a newer SetTarget call
// superseded the target this call was executing against.
var ErrPreempted = fmt.Errorf("reconciler: preempted by a newer target state")

// EventSink receives reconciler-emitted events for the event bus / bus
// forwarding layer to pick up.
type EventSink interface {
	Emit(kind state.EventKind, payload map[string]any)
}

// noopSink discards events; used when callers don't wire one.
type noopSink struct{}

func (noopSink) Emit(state.EventKind, map[string]any) {}

// Reconciler drives one agent's resources toward Target (spec.md §4.3).
type Reconciler struct {
	proc      NodeProcess
	ledger    LedgerManager
	keys      KeyWriter
	binaries  BinaryProvider
	config    ConfigWriter
	observer  Observer
	events    EventSink
	log       *logrus.Entry
	backoff   resilience.RetryConfig

	mu            sync.Mutex
	phase         Phase
	target        state.TargetState
	targetVersion uint64
	lastApplied   *state.TargetState
	lastObserved  state.ObservedState
	lastFailure   *ReconcileError

	// pendingBinaryPath caches the path EnsureBinary resolved during the
	// latest SwapBinary action, for StartNode to reuse without a second
	// lookup. It is never cleared, so a later RunOnce that starts the node
	// without swapping reuses it too; per-agent resource budget in spec.md
	// §5 limits a reconciler to one in-flight reconcile loop.
	pendingBinaryPath string
}

// Deps bundles the reconciler's resource collaborators.
type Deps struct {
	Process  NodeProcess
	Ledger   LedgerManager
	Keys     KeyWriter
	Binaries BinaryProvider
	Config   ConfigWriter
	Observer Observer
	Events   EventSink
	Log      *logrus.Entry
	Backoff  resilience.RetryConfig
}

// New constructs a Reconciler in PhaseDisconnected, awaiting its first
// SetTarget call.
func New(d Deps) *Reconciler {
	if d.Events == nil {
		d.Events = noopSink{}
	}
	if d.Backoff.MaxAttempts == 0 {
		d.Backoff = resilience.RetryConfig{
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
		}
	}
	return &Reconciler{
		proc:     d.Process,
		ledger:   d.Ledger,
		keys:     d.Keys,
		binaries: d.Binaries,
		config:   d.Config,
		observer: d.Observer,
		events:   d.Events,
		log:      d.Log,
		backoff:  d.Backoff,
		phase:    PhaseDisconnected,
	}
}

// SetTarget installs a new desired state, preempting any reconcile loop
// currently in progress against an older target (spec.md §4.3
// "Preemption"). SetTargetState itself is not cancellable mid-reconcile;
// the in-flight action completes and the loop restarts from step 1.
func (r *Reconciler) SetTarget(t state.TargetState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = t
	r.targetVersion++
	if r.phase == PhaseDisconnected || r.phase == PhaseRegistering {
		r.phase = PhaseIdle
	}
	r.lastFailure = nil
}

// Phase returns the reconciler's current state-machine position.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// LastFailure returns the most recent action failure, or nil if the
// reconciler has never failed (or has since succeeded).
func (r *Reconciler) LastFailure() *ReconcileError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFailure
}

// LastObserved returns the observed state captured by the most recent
// RunOnce call, for callers (e.g. the bus client's status reports) that
// need it without re-polling the Observer themselves.
func (r *Reconciler) LastObserved() state.ObservedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastObserved
}

// RunOnce executes step 1-5 of the reconcile algorithm once. Call it in a
// loop (e.g. once per tick, or whenever SetTarget fires) with the caller
// applying resilience.Retry-style backoff on a returned transient error.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.phase == PhaseFailed {
		r.mu.Unlock()
		return nil // structural failures wait for a new SetTarget, not RunOnce retries
	}
	target := r.target
	myVersion := r.targetVersion
	lastApplied := r.lastApplied
	r.mu.Unlock()

	observed, err := r.observer.Observe(ctx)
	if err != nil {
		return &ReconcileError{Class: FailureTransient, ActionKind: ActionNoop, Err: err}
	}
	r.mu.Lock()
	r.lastObserved = observed
	r.mu.Unlock()

	if lastApplied != nil && targetsEqual(*lastApplied, target) && observedMatches(observed, target) {
		return nil // step 1: Noop
	}

	r.setPhase(PhaseReconciling)
	actions := diff(target, lastApplied, observed)

	for _, action := range actions {
		if r.preempted(myVersion) {
			return ErrPreempted
		}
		if err := r.apply(ctx, action, target); err != nil {
			rerr := classify(action.Kind, err)
			r.mu.Lock()
			r.lastFailure = rerr
			if rerr.Class == FailureStructural {
				r.phase = PhaseFailed
			} else {
				r.phase = PhaseIdle
			}
			r.mu.Unlock()
			r.events.Emit(state.EventReconcileFailed, map[string]any{
				"action": string(action.Kind),
				"class":  string(rerr.Class),
				"error":  err.Error(),
			})
			return rerr
		}
		observed, err = r.observer.Observe(ctx)
		if err != nil {
			return &ReconcileError{Class: FailureTransient, ActionKind: action.Kind, Err: err}
		}
		r.mu.Lock()
		r.lastObserved = observed
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.targetVersion == myVersion {
		applied := target
		r.lastApplied = &applied
		r.phase = PhaseIdle
	}
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) preempted(myVersion uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetVersion != myVersion
}

func (r *Reconciler) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func classify(kind ActionKind, err error) *ReconcileError {
	if IsStructural(err) {
		return &ReconcileError{Class: FailureStructural, ActionKind: kind, Err: err}
	}
	return &ReconcileError{Class: FailureTransient, ActionKind: kind, Err: err}
}

// targetsEqual implements spec.md's "idempotent; equal bytes imply equal
// target" rule by comparing gob encodings.
func targetsEqual(a, b state.TargetState) bool {
	return gobBytes(a) != nil && bytes.Equal(gobBytes(a), gobBytes(b))
}

func gobBytes(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func observedMatches(o state.ObservedState, t state.TargetState) bool {
	return o.NodeRunning == t.Online
}
