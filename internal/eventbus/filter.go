// Package eventbus implements the append-only, filterable, cursor-resumable
// event stream (C6, spec.md §4.6), generalized from the teacher's
// system/events.Dispatcher filter/registration shape.
package eventbus

import (
	"github.com/monadicus/snops-core/internal/ids"
	state "github.com/monadicus/snops-core/internal/store"
)

// Filter is an algebraic predicate over an Event: leaves match on
// (kind, env_id, agent_id, node_key); combinators are all_of/any_of/not
// (spec.md §4.6 "Filters are algebraic").
type Filter struct {
	// Leaf fields; a zero value for a field means "don't constrain on it".
	Kind    state.EventKind
	EnvID   ids.ID
	AgentID ids.ID
	NodeKey *ids.NodeKey

	// Combinators; at most one of these is set alongside a leaf match
	// being meaningless once a combinator is present.
	AllOf []Filter
	AnyOf []Filter
	Not   *Filter
}

// Match reports whether ev satisfies f.
func (f Filter) Match(ev state.Event) bool {
	switch {
	case f.Not != nil:
		return !f.Not.Match(ev)
	case len(f.AllOf) > 0:
		for _, sub := range f.AllOf {
			if !sub.Match(ev) {
				return false
			}
		}
		return true
	case len(f.AnyOf) > 0:
		for _, sub := range f.AnyOf {
			if sub.Match(ev) {
				return true
			}
		}
		return false
	default:
		return f.matchLeaf(ev)
	}
}

func (f Filter) matchLeaf(ev state.Event) bool {
	if f.Kind != "" && f.Kind != ev.Kind {
		return false
	}
	if f.EnvID != "" && f.EnvID != ev.EnvID {
		return false
	}
	if f.AgentID != "" && f.AgentID != ev.AgentID {
		return false
	}
	if f.NodeKey != nil && *f.NodeKey != ev.NodeKey {
		return false
	}
	return true
}

// MatchAll is the zero Filter{}: every event matches.
var MatchAll = Filter{}
