package ids

import "strings"

// Selector is a match expression over node keys: a literal ("validator/1"),
// a wildcard ("*/*", "validator/*"), a list of either, or a cross-environment
// reference ("*/*@canary"). It is evaluated lazily against the union of an
// environment's internal and external node tables, mirroring the
// label/wildcard matching shape fleet-style rosters use (see DESIGN.md).
type Selector struct {
	// Entries are the individual patterns that make up the selector; a key
	// matches the selector if it matches any entry (logical OR), matching
	// spec.md's "literal, wildcard, list" wording.
	Entries []SelectorEntry
}

// SelectorEntry is one pattern within a Selector.
type SelectorEntry struct {
	// Type and Name may each be "*" to mean "any".
	Type NodeType
	Name string
	// Network, if non-empty, restricts the match to a cross-environment
	// reference "kind/name@network" instead of the current environment.
	Network string
}

// ParseSelector parses a single selector string, e.g. "validator/*",
// "client/1", or "*/*@canary". Use ParseSelectorList for a YAML list of
// such strings (spec.md's "list" selector form).
func ParseSelector(s string) (SelectorEntry, error) {
	ty, rest, ok := strings.Cut(s, "/")
	if !ok {
		return SelectorEntry{}, &ParseError{Input: s, Reason: "missing '/' separator"}
	}
	name, network, _ := strings.Cut(rest, "@")
	return SelectorEntry{Type: NodeType(ty), Name: name, Network: network}, nil
}

// ParseError reports a malformed selector string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return "ids: invalid selector " + e.Input + ": " + e.Reason
}

// ParseSelectorList parses a list of selector strings into a single
// Selector whose entries match the union of every string's pattern.
func ParseSelectorList(strs []string) (Selector, error) {
	sel := Selector{Entries: make([]SelectorEntry, 0, len(strs))}
	for _, s := range strs {
		e, err := ParseSelector(s)
		if err != nil {
			return Selector{}, err
		}
		sel.Entries = append(sel.Entries, e)
	}
	return sel, nil
}

// MatchLocal reports whether key matches entry when evaluated within the
// environment that owns key (i.e. entry has no cross-environment network
// qualifier, or network equals the current environment's own network id).
func (e SelectorEntry) MatchLocal(key NodeKey, currentNetwork string) bool {
	if e.Network != "" && e.Network != currentNetwork {
		return false
	}
	if e.Type != "*" && e.Type != key.Type {
		return false
	}
	if e.Name != "*" && e.Name != key.Name {
		return false
	}
	return true
}

// IsCrossEnv reports whether the entry references another environment by
// network id rather than the environment being resolved.
func (e SelectorEntry) IsCrossEnv(currentNetwork string) bool {
	return e.Network != "" && e.Network != currentNetwork
}

// Match reports whether key matches any entry of sel within currentNetwork.
// Cross-environment entries never match here. CrossEnvEntries lists them,
// but nothing in this module resolves them against another environment, so
// they contribute no match anywhere.
func (s Selector) Match(key NodeKey, currentNetwork string) bool {
	for _, e := range s.Entries {
		if !e.IsCrossEnv(currentNetwork) && e.MatchLocal(key, currentNetwork) {
			return true
		}
	}
	return false
}

// CrossEnvEntries returns the subset of entries that reference another
// environment's network, grouped is left to the caller; this just filters.
func (s Selector) CrossEnvEntries(currentNetwork string) []SelectorEntry {
	var out []SelectorEntry
	for _, e := range s.Entries {
		if e.IsCrossEnv(currentNetwork) {
			out = append(out, e)
		}
	}
	return out
}

// Empty reports whether the selector has no entries at all.
func (s Selector) Empty() bool {
	return len(s.Entries) == 0
}
