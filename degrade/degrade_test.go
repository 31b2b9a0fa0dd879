package degrade

import (
	"testing"
	"time"
)

func hasAction(actions []Action, want Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestUnknownJobIsNotDegraded(t *testing.T) {
	c := NewCoordinator(nil, nil)
	if lvl := c.LevelOf("job_ghost"); lvl != None {
		t.Fatalf("level %s", lvl)
	}
}

func TestNetworkFailureDegradesMinimally(t *testing.T) {
	c := NewCoordinator(nil, nil)

	actions := c.ReportFailure("job_1", "network", "dial tcp: connection refused")
	if !hasAction(actions, ActionReduceTabs) {
		t.Fatalf("actions %v", actions)
	}
	if lvl := c.LevelOf("job_1"); lvl != Minimal {
		t.Fatalf("level %s, want minimal", lvl)
	}

	// The strategy is already active, so a repeat emits nothing new.
	if again := c.ReportFailure("job_1", "network", "connection reset"); len(again) != 0 {
		t.Fatalf("repeat actions %v", again)
	}
}

func TestHigherLevelStrategyWins(t *testing.T) {
	c := NewCoordinator(nil, nil)

	c.ReportFailure("job_1", "network", "proxy refused")
	actions := c.ReportFailure("job_1", "browser", "target closed")
	if !hasAction(actions, ActionClearCaches) {
		t.Fatalf("actions %v", actions)
	}
	if lvl := c.LevelOf("job_1"); lvl != Reduced {
		t.Fatalf("level %s, want reduced", lvl)
	}

	c.ReportFailure("job_1", "memory", "out of memory")
	if lvl := c.LevelOf("job_1"); lvl != Limited {
		t.Fatalf("level %s, want limited", lvl)
	}
}

func TestFailureStormForcesEmergency(t *testing.T) {
	c := NewCoordinator(nil, nil)

	for i := 0; i < 9; i++ {
		if actions := c.ReportFailure("job_1", "unknown", "flaky parse"); len(actions) != 0 {
			t.Fatalf("failure %d activated %v", i+1, actions)
		}
	}
	actions := c.ReportFailure("job_1", "unknown", "flaky parse")
	if !hasAction(actions, ActionPauseProcessing) || !hasAction(actions, ActionSaveState) {
		t.Fatalf("storm actions %v", actions)
	}
	if lvl := c.LevelOf("job_1"); lvl != Emergency {
		t.Fatalf("level %s, want emergency", lvl)
	}

	snap := c.Snapshot("job_1")
	if snap.FailureCount != 10 {
		t.Fatalf("failure count %d", snap.FailureCount)
	}
	if len(snap.History) == 0 || snap.History[len(snap.History)-1].To != Emergency {
		t.Fatalf("history %+v", snap.History)
	}
}

func TestAttemptRecoveryLowersLevel(t *testing.T) {
	c := NewCoordinator(nil, nil)

	c.ReportFailure("job_1", "browser", "crash")
	if lvl := c.LevelOf("job_1"); lvl != Reduced {
		t.Fatalf("level %s", lvl)
	}

	if !c.AttemptRecovery("job_1") {
		t.Fatal("recovery with cleared conditions should lower the level")
	}
	if lvl := c.LevelOf("job_1"); lvl != None {
		t.Fatalf("level %s after recovery", lvl)
	}
	// Already at None: nothing to recover.
	if c.AttemptRecovery("job_1") {
		t.Fatal("recovery at level none should report no change")
	}

	snap := c.Snapshot("job_1")
	if snap.RecoveryCount != 1 {
		t.Fatalf("recovery count %d", snap.RecoveryCount)
	}
}

func TestPartialClearKeepsHigherLevel(t *testing.T) {
	cleared := false
	strategies := []Strategy{
		{
			Name:     "flaky_network",
			Triggers: []string{"network"},
			Level:    Minimal,
			Actions:  []Action{ActionReduceTabs},
			Recovery: func(string) bool { return true },
		},
		{
			Name:     "memory_pressure",
			Triggers: []string{"memory"},
			Level:    Limited,
			Actions:  []Action{ActionDisableStealth},
			Recovery: func(string) bool { return cleared },
		},
	}
	c := NewCoordinator(strategies, nil)

	c.ReportFailure("job_1", "network", "slow links")
	c.ReportFailure("job_1", "memory", "swap thrash")
	if lvl := c.LevelOf("job_1"); lvl != Limited {
		t.Fatalf("level %s", lvl)
	}

	// Only the minimal strategy clears; the limited one still holds the
	// level up.
	if c.AttemptRecovery("job_1") {
		t.Fatal("partial clear must not lower the level")
	}
	if lvl := c.LevelOf("job_1"); lvl != Limited {
		t.Fatalf("level %s after partial clear", lvl)
	}

	cleared = true
	if !c.AttemptRecovery("job_1") {
		t.Fatal("full clear should lower the level")
	}
	if lvl := c.LevelOf("job_1"); lvl != None {
		t.Fatalf("level %s after full clear", lvl)
	}
}

func TestMaxDurationExpiresStrategy(t *testing.T) {
	strategies := []Strategy{{
		Name:        "short_lived",
		Triggers:    []string{"network"},
		Level:       Minimal,
		Actions:     []Action{ActionReduceTabs},
		Recovery:    func(string) bool { return false },
		MaxDuration: time.Millisecond,
	}}
	c := NewCoordinator(strategies, nil)

	c.ReportFailure("job_1", "network", "hiccup")
	time.Sleep(5 * time.Millisecond)

	if !c.AttemptRecovery("job_1") {
		t.Fatal("expired strategy should release the level")
	}
	if lvl := c.LevelOf("job_1"); lvl != None {
		t.Fatalf("level %s", lvl)
	}
}

func TestJobsAreIsolated(t *testing.T) {
	c := NewCoordinator(nil, nil)

	c.ReportFailure("job_1", "memory", "oom")
	if lvl := c.LevelOf("job_2"); lvl != None {
		t.Fatalf("unrelated job degraded to %s", lvl)
	}
}
