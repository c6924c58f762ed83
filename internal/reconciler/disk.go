package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	state "github.com/monadicus/snops-core/internal/store"
)

// FSResources is the disk-backed implementation of LedgerManager,
// KeyWriter, BinaryProvider, ConfigWriter and Observer that cmd/agent
// wires into a Reconciler. The embedded blockchain-node wrapper itself is
// out of scope (spec.md §1), so this only manages the directories and
// files the reconciler's action set names: the ledger directory, a
// scratch directory for downloaded binaries/checkpoints, and a
// private-key file (spec.md §4.3 "Resources under the reconciler's
// ownership").
type FSResources struct {
	mu sync.Mutex

	ledgerDir  string
	scratchDir string
	keyPath    string
	configPath string

	// fetchBinary retrieves a binary by digest from the control plane's
	// /content/{name} endpoint (spec.md §6 "Persisted state layout");
	// nil means binaries are assumed pre-staged under scratchDir.
	fetchBinary func(ctx context.Context, digest, destPath string) error
}

// NewFSResources constructs an FSResources rooted at baseDir, creating its
// subdirectories if absent.
func NewFSResources(baseDir string, fetchBinary func(ctx context.Context, digest, destPath string) error) (*FSResources, error) {
	r := &FSResources{
		ledgerDir:   filepath.Join(baseDir, "ledger"),
		scratchDir:  filepath.Join(baseDir, "scratch"),
		keyPath:     filepath.Join(baseDir, "key", "private_key"),
		configPath:  filepath.Join(baseDir, "config", "node.json"),
		fetchBinary: fetchBinary,
	}
	for _, dir := range []string{r.ledgerDir, r.scratchDir, filepath.Dir(r.keyPath), filepath.Dir(r.configPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("reconciler: create %s: %w", dir, err)
		}
	}
	return r, nil
}

// ledgerEpochPath tracks which epoch (genesis rewind generation) the
// on-disk ledger is currently at, so Observer can report
// LedgerEpochOnDisk without re-deriving it from block data the embedded
// node wrapper owns.
func (r *FSResources) ledgerEpochPath() string {
	return filepath.Join(r.ledgerDir, ".epoch")
}

// SetHeight implements LedgerManager (spec.md §4.3 "Ledger height
// semantics").
func (r *FSResources) SetHeight(ctx context.Context, spec state.HeightSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch spec.Kind {
	case state.HeightGenesis:
		// Clear the ledger to block 0, reusing the stored genesis
		// (spec.md: "genesis clears the ledger to block 0 reusing the
		// stored genesis"). The genesis file itself lives in the
		// control-plane-managed storage_ref and is staged by the node
		// wrapper; this only resets the local mutable ledger state.
		entries, err := os.ReadDir(r.ledgerDir)
		if err != nil {
			return fmt.Errorf("%w: read ledger dir: %v", ErrStructural, err)
		}
		for _, e := range entries {
			if e.Name() == ".epoch" {
				continue
			}
			if err := os.RemoveAll(filepath.Join(r.ledgerDir, e.Name())); err != nil {
				return fmt.Errorf("reconciler: clear ledger: %w", err)
			}
		}
		return r.bumpEpoch()

	case state.HeightTop:
		// No-op if a ledger already exists (spec.md: "top is a no-op if
		// a ledger exists"). An empty ledger directory still needs an
		// epoch stamp so Observer reports something deterministic.
		if _, err := os.Stat(r.ledgerEpochPath()); os.IsNotExist(err) {
			return r.bumpEpoch()
		}
		return nil

	case state.HeightAbsolute:
		// Rewind by replaying from the closest earlier checkpoint and
		// advancing (spec.md). Checkpoint replay itself is the embedded
		// node wrapper's job; here we record the target height so the
		// next Observe/StartNode cycle can hand it to the wrapper and
		// bump the epoch to signal a rewind occurred.
		if err := r.writeMarker("absolute_height", strconv.FormatUint(uint64(spec.Absolute), 10)); err != nil {
			return err
		}
		return r.bumpEpoch()

	case state.HeightCheckpoint:
		// Select the latest checkpoint whose retention span matches
		// spec.Span (spec.md). Checkpoint enumeration reads the scratch
		// directory's checkpoint manifest, written by BinaryProvider's
		// companion checkpoint-fetch path; absence of any matching
		// checkpoint is structural (the operator asked for a span that
		// does not exist locally).
		cp, err := r.latestCheckpoint(spec.Span)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStructural, err)
		}
		if err := r.writeMarker("checkpoint", cp); err != nil {
			return err
		}
		return r.bumpEpoch()

	default:
		return fmt.Errorf("%w: unknown height kind %q", ErrStructural, spec.Kind)
	}
}

func (r *FSResources) bumpEpoch() error {
	cur, _ := r.readEpoch()
	return os.WriteFile(r.ledgerEpochPath(), []byte(strconv.FormatUint(cur+1, 10)), 0o644)
}

func (r *FSResources) readEpoch() (uint64, error) {
	data, err := os.ReadFile(r.ledgerEpochPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func (r *FSResources) writeMarker(name, value string) error {
	return os.WriteFile(filepath.Join(r.ledgerDir, "."+name), []byte(value), 0o644)
}

// checkpointManifest is the scratch directory's index of available
// ledger snapshots, written by whatever staged them (the out-of-scope
// binary-distribution / storage layer). Entries are ordered oldest-first.
type checkpointManifest struct {
	Checkpoints []struct {
		Path string `json:"path"`
		Span string `json:"span"`
	} `json:"checkpoints"`
}

func (r *FSResources) latestCheckpoint(span string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.scratchDir, "checkpoints.json"))
	if err != nil {
		return "", fmt.Errorf("no checkpoint manifest staged: %w", err)
	}
	var m checkpointManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("malformed checkpoint manifest: %w", err)
	}
	var matches []string
	for _, cp := range m.Checkpoints {
		if cp.Span == span {
			matches = append(matches, cp.Path)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no checkpoint matches retention span %q", span)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// WriteKey implements KeyWriter (spec.md §4.3 "WritePrivateKey").
func (r *FSResources) WriteKey(ctx context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.WriteFile(r.keyPath, []byte(ref), 0o600); err != nil {
		return "", fmt.Errorf("reconciler: write private key: %w", err)
	}
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:]), nil
}

// EnsureBinary implements BinaryProvider (spec.md §4.3 "SwapBinary").
// digest identifies the binary under the control plane's
// binaries/<digest> content store (spec.md §6); this only guarantees it
// is staged locally, fetching it via fetchBinary if absent.
func (r *FSResources) EnsureBinary(ctx context.Context, digest string) (string, error) {
	if digest == "" {
		return "", fmt.Errorf("%w: empty binary digest", ErrStructural)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.scratchDir, "bin-"+digest)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if r.fetchBinary == nil {
		return "", fmt.Errorf("no fetcher configured and binary %s not staged", digest)
	}
	if err := r.fetchBinary(ctx, digest, path); err != nil {
		return "", fmt.Errorf("fetch binary %s: %w", digest, err)
	}
	return path, nil
}

// configDoc is the JSON form WriteConfig persists; the node wrapper reads
// it back on its next start (spec.md §4.3 "WriteConfig(peers, validators,
// env)").
type configDoc struct {
	Peers      []string          `json:"peers"`
	Validators []string          `json:"validators"`
	Env        map[string]string `json:"env"`
}

// WriteConfig implements ConfigWriter.
func (r *FSResources) WriteConfig(ctx context.Context, peers, validators []string, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(configDoc{Peers: peers, Validators: validators, Env: env}, "", "  ")
	if err != nil {
		return fmt.Errorf("reconciler: marshal config: %w", err)
	}
	tmp := r.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("reconciler: write config: %w", err)
	}
	return os.Rename(tmp, r.configPath)
}

// FSObserver reports ObservedState by combining a NodeProcess's liveness
// with the on-disk ledger epoch and the config last written (spec.md §3
// "Observed state"). Connected-peer count and current height come from
// the node's local REST API (spec.md §1), which is out of scope here, so
// they're supplied by a pluggable poll function a caller wires once the
// embedded node wrapper is available; a nil poll function reports zeros.
type FSObserver struct {
	proc      NodeProcess
	resources *FSResources
	poll      func(ctx context.Context) (height uint64, peers int, lastBlockHash string, err error)
}

// NewFSObserver constructs an Observer over proc and resources. poll may
// be nil.
func NewFSObserver(proc NodeProcess, resources *FSResources, poll func(ctx context.Context) (uint64, int, string, error)) *FSObserver {
	return &FSObserver{proc: proc, resources: resources, poll: poll}
}

func (o *FSObserver) Observe(ctx context.Context) (state.ObservedState, error) {
	epoch, err := o.resources.readEpoch()
	if err != nil {
		return state.ObservedState{}, fmt.Errorf("reconciler: read ledger epoch: %w", err)
	}
	obs := state.ObservedState{
		NodeRunning:       o.proc.Running(),
		ChildPID:          o.proc.Pid(),
		LedgerEpochOnDisk: epoch,
	}
	if o.poll != nil && obs.NodeRunning {
		height, peers, hash, err := o.poll(ctx)
		if err != nil {
			return state.ObservedState{}, fmt.Errorf("reconciler: poll node status: %w", err)
		}
		obs.CurrentHeight = height
		obs.ConnectedPeers = peers
		obs.LastBlockHash = hash
	}
	return obs, nil
}
