// Package api implements the control plane's HTTP surface (spec.md §6):
// JSON over HTTP/1.1 and WebSocket under /api/v1/. Parsing/validating the
// YAML environment-document format itself is out of scope (spec.md §1);
// this package receives already-validated records via the EnvironmentDoc
// conversions in dto.go, and its only job is routing, request/response
// shaping, and calling into the Delegator/Store/Bus/EventBus.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/bus"
	"github.com/monadicus/snops-core/internal/cannon"
	"github.com/monadicus/snops-core/internal/delegator"
	"github.com/monadicus/snops-core/internal/eventbus"
	"github.com/monadicus/snops-core/internal/logging"
	"github.com/monadicus/snops-core/internal/metrics"
	"github.com/monadicus/snops-core/internal/middleware"
	state "github.com/monadicus/snops-core/internal/store"
)

// Deps bundles the control plane's shared collaborators, mirroring the
// teacher's SharedDeps-over-Factory shape (infrastructure/service.Runner)
// without the marble/enclave bootstrapping this domain doesn't have.
type Deps struct {
	Store      *state.Store
	Delegator  *delegator.Delegator
	Bus        *bus.Server
	Events     *eventbus.Bus
	Cannons    *cannon.Manager
	Log        *logging.Logger
	Metrics    *metrics.Metrics
	CORSOrigins []string
}

// NewRouter builds the full /api/v1 mux.Router with the standard
// middleware chain (recovery, logging, metrics, CORS, body limit, rate
// limit), grounded on infrastructure/service/runner.go's ordering.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(d.Log).Handler)
	r.Use(middleware.LoggingMiddleware(d.Log))
	if d.Metrics != nil {
		r.Use(middleware.MetricsMiddleware("controlplane", d.Metrics))
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAgeSeconds:    3600,
	}).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(4 << 20).Handler) // 4MiB: environment/cannon documents, not binary uploads
	r.Use(middleware.NewRateLimiter(100, 200, d.Log).Handler)

	h := &handlers{d: d, log: d.Log.WithContext(context.Background())}

	health := middleware.NewHealthChecker("controlplane")
	health.RegisterCheck("store", h.storeHealthCheck)
	r.HandleFunc("/health", health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", middleware.ReadinessHandler(&h.ready)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/agents", h.listAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/find", h.findAgents).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}", h.getAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/tps", h.agentTPS).Methods(http.MethodGet)

	api.HandleFunc("/env", h.listEnvs).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}", h.getEnv).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}/apply", h.applyEnv).Methods(http.MethodPost)
	api.HandleFunc("/env/{id}", h.deleteEnv).Methods(http.MethodDelete)
	api.HandleFunc("/env/{id}/topology", h.getTopology).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}/topology/resolved", h.getResolvedTopology).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}/agents", h.envAgents).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}/info", h.envInfo).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}/action/{action}", h.envAction).Methods(http.MethodPost)

	api.HandleFunc("/env/{id}/height", h.envHeight).Methods(http.MethodGet)
	api.HandleFunc("/env/{id}/block/{height}", h.envBlock).Methods(http.MethodGet)

	api.HandleFunc("/events", d.Events.ServeWS).Methods(http.MethodGet)

	h.ready = true // every route is registered; /ready reports ready from here on
	return r
}

// handlers holds the per-request state shared across every HTTP handler.
type handlers struct {
	d     Deps
	log   *logrus.Entry
	ready bool
}

func (h *handlers) storeHealthCheck() error {
	_, err := h.d.Store.ListAgents(context.Background())
	return err
}

// DefaultReadTimeout/WriteTimeout mirror the teacher's cmd/gateway HTTP
// server tuning (infrastructure/service/runner.go), adjusted for this
// API's bulkier environment-document request bodies.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
)

// NewHTTPServer wraps router in an *http.Server with the teacher's
// timeout tuning.
func NewHTTPServer(addr string, router *mux.Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       DefaultReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}
