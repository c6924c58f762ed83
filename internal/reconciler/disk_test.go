package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	state "github.com/monadicus/snops-core/internal/store"
)

func TestFSResourcesGenesisClearsLedger(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(base, "ledger", "block-1"), []byte("x"), 0o644))

	require.NoError(t, r.SetHeight(context.Background(), state.HeightSpec{Kind: state.HeightGenesis}))

	entries, err := os.ReadDir(filepath.Join(base, "ledger"))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "block-1", e.Name())
	}
	epoch, err := r.readEpoch()
	require.NoError(t, err)
	require.Equal(t, uint64(1), epoch)
}

func TestFSResourcesTopIsNoopOnceStamped(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)

	require.NoError(t, r.SetHeight(context.Background(), state.HeightSpec{Kind: state.HeightTop}))
	epoch1, _ := r.readEpoch()
	require.Equal(t, uint64(1), epoch1)

	require.NoError(t, r.SetHeight(context.Background(), state.HeightSpec{Kind: state.HeightTop}))
	epoch2, _ := r.readEpoch()
	require.Equal(t, epoch1, epoch2)
}

func TestFSResourcesCheckpointStructuralWithoutManifest(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)

	err = r.SetHeight(context.Background(), state.HeightSpec{Kind: state.HeightCheckpoint, Span: "1h"})
	require.Error(t, err)
	require.True(t, IsStructural(err))
}

func TestFSResourcesWriteKeyHashesDeterministically(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)

	h1, err := r.WriteKey(context.Background(), "ref-a")
	require.NoError(t, err)
	h2, err := r.WriteKey(context.Background(), "ref-a")
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := r.WriteKey(context.Background(), "ref-b")
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestFSResourcesEnsureBinaryFetchesOnce(t *testing.T) {
	base := t.TempDir()
	fetches := 0
	r, err := NewFSResources(base, func(ctx context.Context, digest, dest string) error {
		fetches++
		return os.WriteFile(dest, []byte("binary"), 0o755)
	})
	require.NoError(t, err)

	path1, err := r.EnsureBinary(context.Background(), "abc123")
	require.NoError(t, err)
	path2, err := r.EnsureBinary(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, path1, path2)
	require.Equal(t, 1, fetches)
}

func TestFSResourcesEnsureBinaryStructuralOnEmptyDigest(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)

	_, err = r.EnsureBinary(context.Background(), "")
	require.Error(t, err)
	require.True(t, IsStructural(err))
}

func TestFSResourcesWriteConfigRoundTrips(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)

	err = r.WriteConfig(context.Background(), []string{"1.2.3.4:5"}, []string{"5.6.7.8:9"}, map[string]string{"FOO": "bar"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(base, "config", "node.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "1.2.3.4:5")
}

func TestFSObserverReportsRunningAndEpoch(t *testing.T) {
	base := t.TempDir()
	r, err := NewFSResources(base, nil)
	require.NoError(t, err)
	require.NoError(t, r.SetHeight(context.Background(), state.HeightSpec{Kind: state.HeightGenesis}))

	proc := &fakeProcess{running: true}
	obs := NewFSObserver(proc, r, func(ctx context.Context) (uint64, int, string, error) {
		return 42, 3, "deadbeef", nil
	})

	o, err := obs.Observe(context.Background())
	require.NoError(t, err)
	require.True(t, o.NodeRunning)
	require.Equal(t, uint64(1), o.LedgerEpochOnDisk)
	require.Equal(t, uint64(42), o.CurrentHeight)
	require.Equal(t, 3, o.ConnectedPeers)
}
