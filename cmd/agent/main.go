// Command agent runs one agent process: it dials the control plane's bus
// (C2), drives a local Reconciler (C3) against inbound target states, and
// reports observed state on an interval (spec.md §4.2/§4.3), grounded on
// the teacher's cmd/gateway wiring shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/bus"
	"github.com/monadicus/snops-core/internal/config"
	"github.com/monadicus/snops-core/internal/logging"
	"github.com/monadicus/snops-core/internal/reconciler"
	state "github.com/monadicus/snops-core/internal/store"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.AgentID == "" || cfg.ControlPlaneAddr == "" {
		fmt.Fprintln(os.Stderr, "agent: AGENT_ID and CONTROL_PLANE_ADDR are required")
		os.Exit(1)
	}

	log := logging.New(cfg.AgentID, cfg.Logging.Level, cfg.Logging.Format)
	entry := log.WithContext(context.Background())

	baseDir := os.Getenv("AGENT_BASE_DIR")
	if baseDir == "" {
		baseDir = "/var/lib/snops-agent"
	}
	resources, err := reconciler.NewFSResources(baseDir, nil)
	if err != nil {
		log.Fatal(context.Background(), "create agent resources", err)
	}

	proc := &reconciler.ExecNodeProcess{}
	observer := reconciler.NewFSObserver(proc, resources, nil)

	rec := reconciler.New(reconciler.Deps{
		Process:  proc,
		Ledger:   resources,
		Keys:     resources,
		Binaries: resources,
		Config:   resources,
		Observer: observer,
		Log:      entry,
	})

	setLogLevel := func(level string) error {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("agent: unknown log level %q: %w", level, err)
		}
		log.Logger.SetLevel(lvl)
		return nil
	}
	handler := newCommandHandler(rec, setLogLevel, entry)

	client := bus.NewClient(bus.ClientConfig{
		AgentID:          cfg.AgentID,
		ServerAddr:       cfg.ControlPlaneAddr,
		Token:            []byte(cfg.Token),
		ModeFlags:        parseModeFlags(cfg.ModeFlags),
		Labels:           cfg.LabelList(),
		LocalPKAvailable: cfg.LocalPKAvailable,
		ExternalAddr:     cfg.ExternalAddr,
	}, handler, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runReconcileLoop(ctx, rec, client, entry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("agent: shutting down")
		cancel()
	}()

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		entry.WithError(err).Error("agent: bus client exited")
		os.Exit(1)
	}
}

// runReconcileLoop ticks the reconciler and reports its observed state
// upstream; ReportStatus is itself rate-limited to once per 250ms
// (bus.Client), so a tighter tick here just keeps reconciliation responsive
// without over-reporting.
func runReconcileLoop(ctx context.Context, rec *reconciler.Reconciler, client *bus.Client, log *logrus.Entry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rec.RunOnce(ctx); err != nil {
				log.WithError(err).Debug("agent: reconcile step failed")
			}
			if err := client.ReportStatus(rec.LastObserved()); err != nil {
				log.WithError(err).Debug("agent: report status failed")
			}
		}
	}
}

func parseModeFlags(raw string) state.ModeFlags {
	var m state.ModeFlags
	for _, tok := range strings.Split(raw, ",") {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "validator":
			m.Validator = true
		case "prover":
			m.Prover = true
		case "client":
			m.Client = true
		case "compute":
			m.Compute = true
		}
	}
	return m
}
