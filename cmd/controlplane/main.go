// Command controlplane runs the state store (C1), agent bus (C2),
// delegator (C4), cannon pipelines (C5), and event bus (C6) behind the
// HTTP API (spec.md §6), grounded on the teacher's cmd/gateway wiring
// shape: load config, build the shared dependency graph, start every
// listener, then block on a graceful shutdown signal.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/monadicus/snops-core/internal/api"
	"github.com/monadicus/snops-core/internal/bus"
	"github.com/monadicus/snops-core/internal/cannon"
	"github.com/monadicus/snops-core/internal/config"
	"github.com/monadicus/snops-core/internal/delegator"
	"github.com/monadicus/snops-core/internal/eventbus"
	"github.com/monadicus/snops-core/internal/logging"
	"github.com/monadicus/snops-core/internal/metrics"
	"github.com/monadicus/snops-core/internal/middleware"
	"github.com/monadicus/snops-core/internal/secrets"
	state "github.com/monadicus/snops-core/internal/store"
)

func main() {
	cfg, err := config.LoadControlPlaneConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "controlplane: load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("controlplane", cfg.Logging.Level, cfg.Logging.Format)
	entry := log.WithContext(context.Background())

	backend, err := newBackend(cfg.Database)
	if err != nil {
		log.Fatal(context.Background(), "open state backend", err)
	}
	st := state.New(backend)

	generation, err := st.NextGeneration(context.Background())
	if err != nil {
		log.Fatal(context.Background(), "advance generation", err)
	}
	entry.WithField("generation", generation).Info("controlplane: starting")

	events := eventbus.New(generation, st, entry)

	secretsManager, err := secrets.NewManager(secrets.NewStoreRepository(backend), []byte(cfg.Secrets.MasterKey))
	if err != nil {
		log.Fatal(context.Background(), "init secrets manager", err)
	}
	deleg := delegator.New(st, entry, secretsManager)

	tokens := bus.NewTokenAuthority([]byte(cfg.Secrets.MasterKey))
	busHandlers := newBusHandlers(st, events, entry)
	busServer := bus.NewServer(tokens, st, busHandlers, entry, generation)

	cannonCompute := cannon.NewBusDispatcher(busServer)
	cannonResolver := cannon.NewStoreAgentResolver(st)
	cannons := cannon.NewManager(cannonCompute, cannonResolver, events, entry)

	m := metrics.New("controlplane")

	router := api.NewRouter(api.Deps{
		Store:     st,
		Delegator: deleg,
		Bus:       busServer,
		Events:    events,
		Cannons:   cannons,
		Log:       log,
		Metrics:   m,
	})
	httpServer := api.NewHTTPServer(cfg.Server.Addr(), router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busLn, err := net.Listen("tcp", cfg.Bus.Addr())
	if err != nil {
		log.Fatal(context.Background(), "listen on bus address", err)
	}
	go func() {
		if err := busServer.Serve(ctx, busLn); err != nil {
			entry.WithError(err).Error("bus: serve exited")
		}
	}()

	go func() {
		entry.WithField("addr", cfg.Server.Addr()).Info("controlplane: HTTP API listening")
		if err := httpServer.ListenAndServe(); err != nil {
			entry.WithError(err).Warn("controlplane: HTTP server stopped")
		}
	}()

	shutdown := middleware.NewGracefulShutdown(httpServer, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancel()
		busLn.Close()
		_ = backend.Close(context.Background())
	})
	shutdown.ListenForSignals()
	shutdown.Wait()
}

func newBackend(cfg config.DatabaseConfig) (state.Backend, error) {
	if cfg.DSN == "" {
		return state.NewMemoryKVBackend(), nil
	}
	return state.NewPostgresBackend(cfg.DSN)
}
