package cannon

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// key identifies one running cannon.
type key struct {
	envID ids.ID
	name  state.CannonName
}

// Manager owns every running Cannon across every environment, keyed by
// (env_id, cannon_name). It is the control plane's entry point for
// starting a declared cannon and for cancelling every cannon in an
// environment on deletion (spec.md §9 open question 3: a `listen` source
// must not outlive its environment).
type Manager struct {
	mu      sync.Mutex
	cannons map[key]*Cannon

	compute         ComputeOps
	computeResolver AgentResolver
	events          EventSink
	log             *logrus.Entry
}

// NewManager constructs a Manager. compute/computeResolver may be nil if
// no cannon in this deployment uses ComputeSel.
func NewManager(compute ComputeOps, computeResolver AgentResolver, events EventSink, log *logrus.Entry) *Manager {
	return &Manager{
		cannons:         make(map[key]*Cannon),
		compute:         compute,
		computeResolver: computeResolver,
		events:          events,
		log:             log,
	}
}

// Start builds and starts a cannon from its declarative spec, replacing
// any prior instance of the same (env, name) after stopping it. resolver
// is used to build a target sink's agent lookups.
func (m *Manager) Start(ctx context.Context, envID ids.ID, spec state.CannonSpec, resolver AgentResolver, sender CannonTxSender) (*Cannon, error) {
	src, err := NewSource(spec)
	if err != nil {
		return nil, fmt.Errorf("cannon: build source: %w", err)
	}
	sink, err := NewSink(envID, spec, resolver, sender)
	if err != nil {
		return nil, fmt.Errorf("cannon: build sink: %w", err)
	}

	c := New(Deps{
		EnvID:           envID,
		Spec:            spec,
		Source:          src,
		Sink:            sink,
		Compute:         m.compute,
		ComputeResolver: m.computeResolver,
		Events:          m.events,
		Log:             m.log.WithField("cannon", string(spec.Name)),
	})

	k := key{envID: envID, name: spec.Name}
	m.mu.Lock()
	prior := m.cannons[k]
	m.cannons[k] = c
	m.mu.Unlock()

	if prior != nil {
		prior.Stop(ctx)
	}

	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the running cannon for (envID, name), if any.
func (m *Manager) Get(envID ids.ID, name state.CannonName) (*Cannon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cannons[key{envID: envID, name: name}]
	return c, ok
}

// List returns every cannon running for envID.
func (m *Manager) List(envID ids.ID) map[state.CannonName]*Cannon {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[state.CannonName]*Cannon)
	for k, c := range m.cannons {
		if k.envID == envID {
			out[k.name] = c
		}
	}
	return out
}

// Stop stops and forgets one cannon.
func (m *Manager) Stop(ctx context.Context, envID ids.ID, name state.CannonName) {
	k := key{envID: envID, name: name}
	m.mu.Lock()
	c, ok := m.cannons[k]
	delete(m.cannons, k)
	m.mu.Unlock()
	if ok {
		c.Stop(ctx)
	}
}

// StopEnvironment stops and forgets every cannon belonging to envID. The
// control plane calls this on environment deletion so a `listen` source's
// background HTTP server doesn't outlive the environment it was declared
// under.
func (m *Manager) StopEnvironment(ctx context.Context, envID ids.ID) {
	m.mu.Lock()
	var toStop []*Cannon
	for k, c := range m.cannons {
		if k.envID == envID {
			toStop = append(toStop, c)
			delete(m.cannons, k)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range toStop {
		wg.Add(1)
		go func(c *Cannon) { defer wg.Done(); c.Stop(ctx) }(c)
	}
	wg.Wait()
}
