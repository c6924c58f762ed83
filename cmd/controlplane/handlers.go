package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/monadicus/snops-core/internal/eventbus"
	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// busHandlers adapts agent bus activity into store updates and event-bus
// publications (bus.Handlers). The bus connection loop has no on-connect
// hook, so connectivity is marked Connected=true on an agent's first
// status report rather than at handshake time; OnDisconnect clears it.
type busHandlers struct {
	store  *state.Store
	events *eventbus.Bus
	log    *logrus.Entry
}

func newBusHandlers(store *state.Store, events *eventbus.Bus, log *logrus.Entry) *busHandlers {
	return &busHandlers{store: store, events: events, log: log}
}

func (h *busHandlers) OnStatus(agentID ids.ID, observed state.ObservedState) {
	ctx := context.Background()
	wasConnected := true
	err := h.store.CompareAndSwapAgent(ctx, agentID, func(a *state.Agent) error {
		wasConnected = a.Connected
		a.Connected = true
		a.LastSeen = time.Now()
		a.ObservedState = observed
		return nil
	})
	if err != nil {
		h.log.WithError(err).WithField("agent_id", agentID).Warn("controlplane: failed to record agent status")
		return
	}
	if !wasConnected {
		h.events.Emit(state.EventAgentConnected, map[string]any{"agent_id": string(agentID)})
	}
}

func (h *busHandlers) OnMetric(agentID ids.ID, name string, value float64) {
	h.log.WithFields(logrus.Fields{"agent_id": agentID, "metric": name, "value": value}).Debug("controlplane: agent metric")
}

func (h *busHandlers) OnLog(agentID ids.ID, line string) {
	h.log.WithField("agent_id", agentID).Info(line)
}

func (h *busHandlers) OnDisconnect(agentID ids.ID) {
	ctx := context.Background()
	err := h.store.CompareAndSwapAgent(ctx, agentID, func(a *state.Agent) error {
		a.Connected = false
		a.LastSeen = time.Now()
		return nil
	})
	if err != nil {
		h.log.WithError(err).WithField("agent_id", agentID).Warn("controlplane: failed to record agent disconnect")
		return
	}
	h.events.Emit(state.EventAgentDisconnected, map[string]any{"agent_id": string(agentID)})
}
