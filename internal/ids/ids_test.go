package ids

import (
	"encoding/json"
	"testing"
)

func TestIDValid(t *testing.T) {
	cases := map[string]bool{
		"agent-1":        true,
		"validator.0":    true,
		"a":              true,
		"":               false,
		"-bad":           false,
		"has space":      false,
		string(make([]byte, 65)): false,
	}
	for in, want := range cases {
		if got := ID(in).Valid(); got != want {
			t.Errorf("ID(%q).Valid() = %v, want %v", in, got, want)
		}
	}
}

func TestParseNodeKey(t *testing.T) {
	k, err := ParseNodeKey("validator/test-0")
	if err != nil {
		t.Fatalf("ParseNodeKey: %v", err)
	}
	if k.Type != NodeValidator || k.Name != "test-0" {
		t.Fatalf("got %+v", k)
	}
	if k.String() != "validator/test-0" {
		t.Fatalf("String() = %q", k.String())
	}

	if _, err := ParseNodeKey("novalue"); err == nil {
		t.Fatal("expected error for missing separator")
	}
}

func TestParseNodeKeyWildcard(t *testing.T) {
	k, err := ParseNodeKey("*/*")
	if err != nil {
		t.Fatalf("ParseNodeKey: %v", err)
	}
	if k.Type != "*" || k.Name != "*" {
		t.Fatalf("got %+v", k)
	}
}

func TestNodeKeyJSONMapKeyRoundTrip(t *testing.T) {
	in := map[NodeKey]int{
		{Type: NodeValidator, Name: "test-0"}: 1,
		{Type: NodeClient, Name: "test-1"}:    2,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[NodeKey]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d entries, want %d", len(out), len(in))
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("entry %v: got %d, want %d", k, out[k], v)
		}
	}
}
