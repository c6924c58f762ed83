package cannon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	state "github.com/monadicus/snops-core/internal/store"
)

func TestManagerStartAndStopEnvironment(t *testing.T) {
	srcPath := writePlaybackFile(t, 3)
	recordPath := filepath.Join(t.TempDir(), "out.jsonl")

	m := NewManager(nil, nil, nil, logrus.NewEntry(logrus.New()))
	spec := state.CannonSpec{
		Name:         "c1",
		SourceKind:   state.SourcePlayback,
		PlaybackFile: srcPath,
		SinkKind:     state.SinkRecord,
		RecordFile:   recordPath,
	}

	ctx := context.Background()
	c, err := m.Start(ctx, "env-1", spec, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got, ok := m.Get("env-1", "c1"); !ok || got != c {
		t.Fatalf("expected Get to return the started cannon")
	}

	m.StopEnvironment(ctx, "env-1")
	if _, ok := m.Get("env-1", "c1"); ok {
		t.Fatalf("expected cannon to be forgotten after StopEnvironment")
	}
	if c.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %s", c.State())
	}
}

func TestManagerStartReplacesPriorInstance(t *testing.T) {
	srcPath := writePlaybackFile(t, 1)
	recordPath := filepath.Join(t.TempDir(), "out.jsonl")

	m := NewManager(nil, nil, nil, logrus.NewEntry(logrus.New()))
	spec := state.CannonSpec{
		Name:         "c1",
		SourceKind:   state.SourcePlayback,
		PlaybackFile: srcPath,
		SinkKind:     state.SinkRecord,
		RecordFile:   recordPath,
	}

	ctx := context.Background()
	first, err := m.Start(ctx, "env-1", spec, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	first.Wait()

	second, err := m.Start(ctx, "env-1", spec, nil, nil)
	if err != nil {
		t.Fatalf("Start (replace): %v", err)
	}
	if second == first {
		t.Fatalf("expected a new cannon instance on replace")
	}
	second.Wait()
}
