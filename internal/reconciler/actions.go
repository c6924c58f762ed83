package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	state "github.com/monadicus/snops-core/internal/store"
)

// ActionKind enumerates the reconciler's closed set of atomic units
// (spec.md §4.3 "Actions").
type ActionKind string

const (
	ActionNoop             ActionKind = "Noop"
	ActionStopNode         ActionKind = "StopNode"
	ActionStartNode        ActionKind = "StartNode"
	ActionSwapBinary       ActionKind = "SwapBinary"
	ActionSetLedgerHeight  ActionKind = "SetLedgerHeight"
	ActionWritePrivateKey  ActionKind = "WritePrivateKey"
	ActionWriteConfig      ActionKind = "WriteConfig"
)

// Action is one atomic reconcile step.
type Action struct {
	Kind ActionKind
}

// NodeProcess is the narrow interface the reconciler drives; the embedded
// blockchain-node wrapper itself is out of scope (spec.md §1), so the
// shipped ExecNodeProcess is a thin os/exec-backed adapter, substitutable
// in tests with a fake.
type NodeProcess interface {
	Start(ctx context.Context, cfg NodeConfig) error
	Stop(ctx context.Context) error
	Pid() int
	Running() bool
}

// NodeConfig is the runtime configuration passed to NodeProcess.Start.
type NodeConfig struct {
	BinaryPath string
	Args       []string
	Env        map[string]string
}

// LedgerManager rewinds/advances the ledger directory to satisfy a
// HeightSpec (spec.md §4.3 "Ledger height semantics").
type LedgerManager interface {
	SetHeight(ctx context.Context, spec state.HeightSpec) error
}

// KeyWriter persists a private key reference to the agent's key file.
type KeyWriter interface {
	WriteKey(ctx context.Context, ref string) (hash string, err error)
}

// BinaryProvider ensures the node binary matching digest is present in the
// agent's scratch directory and returns its path.
type BinaryProvider interface {
	EnsureBinary(ctx context.Context, digest string) (path string, err error)
}

// ConfigWriter persists peers/validators/env wiring to the node's config
// file.
type ConfigWriter interface {
	WriteConfig(ctx context.Context, peers, validators []string, env map[string]string) error
}

// Observer reads the agent's current observed state.
type Observer interface {
	Observe(ctx context.Context) (state.ObservedState, error)
}

// ErrStructural marks an error as structural (spec.md §4.3 "Structural
// failures ... mark the reconciler Failed"); wrap a cause with
// fmt.Errorf("%w: ...", ErrStructural) to classify it.
var ErrStructural = errors.New("reconciler: structural failure")

// IsStructural reports whether err should transition the reconciler to
// PhaseFailed rather than retry with backoff.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}

// diff computes the minimal action sequence to converge target, following
// the five ordered field classes from spec.md §4.3 step 2: binary ->
// ledger -> key -> wiring -> online. An action whose postcondition is
// already satisfied is omitted by the caller checks below rather than
// appended and then skipped, since that information (previous applied
// state, current observed state) is all available here.
func diff(target state.TargetState, lastApplied *state.TargetState, observed state.ObservedState) []Action {
	var prevBinary, prevKey string
	var prevPeers, prevValidators []string
	var prevEnv map[string]string
	var prevHeight state.HeightSpec
	if lastApplied != nil {
		prevBinary = lastApplied.BinaryDigest
		prevKey = lastApplied.PrivateKeyHash
		prevPeers = lastApplied.Peers
		prevValidators = lastApplied.Validators
		prevEnv = lastApplied.Env
		prevHeight = lastApplied.HeightGoal
	}

	binaryChanged := target.BinaryDigest != prevBinary
	ledgerChanged := target.HeightGoal != prevHeight || target.LedgerEpoch != observed.LedgerEpochOnDisk
	keyChanged := target.PrivateKeyHash != prevKey
	wiringChanged := !stringsEqual(target.Peers, prevPeers) || !stringsEqual(target.Validators, prevValidators) || !mapsEqual(target.Env, prevEnv)

	var actions []Action
	needsOffline := (binaryChanged || ledgerChanged) && observed.NodeRunning
	if needsOffline {
		actions = append(actions, Action{Kind: ActionStopNode})
	}
	if binaryChanged {
		actions = append(actions, Action{Kind: ActionSwapBinary})
	}
	if ledgerChanged {
		actions = append(actions, Action{Kind: ActionSetLedgerHeight})
	}
	if keyChanged {
		actions = append(actions, Action{Kind: ActionWritePrivateKey})
	}
	if wiringChanged {
		actions = append(actions, Action{Kind: ActionWriteConfig})
	}

	switch {
	case target.Online && (!observed.NodeRunning || needsOffline):
		actions = append(actions, Action{Kind: ActionStartNode})
	case !target.Online && observed.NodeRunning && !needsOffline:
		actions = append(actions, Action{Kind: ActionStopNode})
	}

	if len(actions) == 0 {
		return []Action{{Kind: ActionNoop}}
	}
	return actions
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// apply executes one action against the reconciler's collaborators.
func (r *Reconciler) apply(ctx context.Context, action Action, target state.TargetState) error {
	switch action.Kind {
	case ActionNoop:
		return nil
	case ActionStopNode:
		if !r.proc.Running() {
			return nil // postcondition already satisfied
		}
		r.events.Emit(state.EventNodeStopping, nil)
		if err := r.proc.Stop(ctx); err != nil {
			return err
		}
		r.events.Emit(state.EventNodeStopped, nil)
		return nil
	case ActionSwapBinary:
		path, err := r.binaries.EnsureBinary(ctx, target.BinaryDigest)
		if err != nil {
			return fmt.Errorf("%w: binary digest %s unavailable: %v", ErrStructural, target.BinaryDigest, err)
		}
		r.pendingBinaryPath = path
		return nil
	case ActionSetLedgerHeight:
		if err := r.ledger.SetHeight(ctx, target.HeightGoal); err != nil {
			return err
		}
		return nil
	case ActionWritePrivateKey:
		hash, err := r.keys.WriteKey(ctx, target.PrivateKeyHash)
		if err != nil {
			return err
		}
		_ = hash
		return nil
	case ActionWriteConfig:
		return r.config.WriteConfig(ctx, target.Peers, target.Validators, target.Env)
	case ActionStartNode:
		binPath := r.pendingBinaryPath
		if binPath == "" {
			var err error
			binPath, err = r.binaries.EnsureBinary(ctx, target.BinaryDigest)
			if err != nil {
				return fmt.Errorf("%w: binary digest %s unavailable: %v", ErrStructural, target.BinaryDigest, err)
			}
		}
		r.events.Emit(state.EventNodeStarted, nil)
		return r.proc.Start(ctx, NodeConfig{BinaryPath: binPath, Env: target.Env})
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrStructural, action.Kind)
	}
}

// ExecNodeProcess is an os/exec-backed NodeProcess: the node wrapper
// itself is out of scope (spec.md §1), so this is a thin process-lifecycle
// shim, not a domain feature.
type ExecNodeProcess struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

func (p *ExecNodeProcess) Start(ctx context.Context, cfg NodeConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return fmt.Errorf("reconciler: node process already running")
	}
	cmd := exec.CommandContext(context.Background(), cfg.BinaryPath, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("reconciler: start node process: %w", err)
	}
	p.cmd = cmd
	go func() {
		cmd.Wait()
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
		}
		p.mu.Unlock()
	}()
	return nil
}

func (p *ExecNodeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("reconciler: stop node process: %w", err)
	}
	return nil
}

func (p *ExecNodeProcess) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ExecNodeProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && p.cmd.Process != nil
}
