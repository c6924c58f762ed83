package ids

import "testing"

func TestSelectorMatchLiteral(t *testing.T) {
	sel, err := ParseSelectorList([]string{"validator/1"})
	if err != nil {
		t.Fatalf("ParseSelectorList: %v", err)
	}
	if !sel.Match(NodeKey{Type: NodeValidator, Name: "1"}, "mainnet") {
		t.Fatal("expected match on literal key")
	}
	if sel.Match(NodeKey{Type: NodeValidator, Name: "2"}, "mainnet") {
		t.Fatal("expected no match on different name")
	}
}

func TestSelectorMatchWildcard(t *testing.T) {
	sel, err := ParseSelectorList([]string{"validator/*"})
	if err != nil {
		t.Fatalf("ParseSelectorList: %v", err)
	}
	for _, name := range []string{"0", "1", "test-3"} {
		if !sel.Match(NodeKey{Type: NodeValidator, Name: name}, "mainnet") {
			t.Fatalf("expected wildcard match for %q", name)
		}
	}
	if sel.Match(NodeKey{Type: NodeClient, Name: "0"}, "mainnet") {
		t.Fatal("wildcard on type validator should not match client")
	}
}

func TestSelectorCrossEnv(t *testing.T) {
	sel, err := ParseSelectorList([]string{"*/*@canary"})
	if err != nil {
		t.Fatalf("ParseSelectorList: %v", err)
	}
	// Within the canary network itself, this is not a cross-env reference.
	if !sel.Match(NodeKey{Type: NodeValidator, Name: "0"}, "canary") {
		t.Fatal("expected local match when current network equals the selector's network")
	}
	// From any other network, it's cross-env and Match (the local-only
	// entry point) must not claim it.
	if sel.Match(NodeKey{Type: NodeValidator, Name: "0"}, "mainnet") {
		t.Fatal("cross-env entries must not match via Match")
	}
	cross := sel.CrossEnvEntries("mainnet")
	if len(cross) != 1 || cross[0].Network != "canary" {
		t.Fatalf("CrossEnvEntries = %+v", cross)
	}
}
