package idgen

import (
	"strings"
	"testing"
)

func TestCorrelationAndSessionPrefixes(t *testing.T) {
	if id := Correlation(); !strings.HasPrefix(id, "cor_") {
		t.Fatalf("correlation id %q", id)
	}
	if id := Session(); !strings.HasPrefix(id, "sess_") {
		t.Fatalf("session id %q", id)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("evt_", func() string { return "x" })
	if id := gen(); id != "evt_x" {
		t.Fatalf("prefixed id %q", id)
	}
}

func TestFailureSnapshotIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := FailureSnapshot("home_team_name")
		if !strings.HasPrefix(id, "failure_home_team_name_") {
			t.Fatalf("id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestParse(t *testing.T) {
	id := New()
	if _, err := Parse(id); err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("bad uuid must be rejected")
	}
}
