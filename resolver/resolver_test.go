package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/oddswatch/dbopen"
	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/events"
	"github.com/hazyhaar/oddswatch/kit"
	"github.com/hazyhaar/oddswatch/selector"
	"github.com/hazyhaar/oddswatch/snapshot"
	"github.com/hazyhaar/oddswatch/strategy"
	_ "modernc.org/sqlite"
)

const matchHeaderHTML = `<html><body>
<div class="match-header">
  <span class="team-name">Manchester United</span>
</div>
</body></html>`

// eventRecorder is a synchronous Publisher so tests assert on events
// without racing the async bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func homeTeamSelector(threshold float64) *selector.Selector {
	return &selector.Selector{
		Name:                "home_team_name",
		ConfidenceThreshold: threshold,
		Strategies: []selector.StrategySpec{
			{
				Type:     selector.StrategyTextAnchor,
				Priority: 1,
				TextAnchor: &selector.TextAnchorConfig{
					AnchorText:        "Manchester United",
					ProximitySelector: ".match-header",
				},
			},
			{
				Type:     selector.StrategyAttributeMatch,
				Priority: 2,
				AttributeMatch: &selector.AttributeMatchConfig{
					Attribute:    "class",
					ValuePattern: "team-name",
					Tag:          "span",
				},
			},
			{
				Type:     selector.StrategyDOMRelationship,
				Priority: 3,
				DOMRelationship: &selector.DOMRelationshipConfig{
					ParentSelector: ".match-header",
					Relationship:   selector.RelChild,
					Index:          0,
				},
			},
		},
	}
}

func newTestResolver(t *testing.T, sel *selector.Selector, snaps *snapshot.Store, rec *eventRecorder) *Resolver {
	t.Helper()
	reg := selector.NewRegistry()
	if sel != nil {
		if err := reg.Register(sel); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	var bus events.Publisher
	if rec != nil {
		bus = rec
	}
	return New(Config{PerStrategyTimeout: 2 * time.Second},
		reg, strategy.NewSet(), nil, snaps, bus, nil)
}

func newSnapStore(t *testing.T) *snapshot.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(snapshot.Schema))
	store, err := snapshot.NewStore(db, snapshot.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}
	return store
}

func testCtx() context.Context {
	return kit.WithEnvironment(context.Background(), "testing")
}

// --- resolution paths ---

func TestResolvePrimaryStrategy(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestResolver(t, homeTeamSelector(0.8), nil, rec)
	page := driver.MustFakePage(t, matchHeaderHTML)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page, URL: page.URL()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.FailureReason)
	}
	if res.StrategyUsed != selector.StrategyTextAnchor {
		t.Fatalf("expected text_anchor, got %s", res.StrategyUsed)
	}
	if res.Element == nil || res.Element.Text != "Manchester United" {
		t.Fatalf("unexpected element: %+v", res.Element)
	}
	if res.Confidence < 0.9 || res.Confidence > 1 {
		t.Fatalf("confidence %v outside expected range", res.Confidence)
	}
	if rec.count(events.SelectorResolved) != 1 {
		t.Fatalf("expected 1 selector.resolved event, got %d", rec.count(events.SelectorResolved))
	}
	// A primary-strategy win is not drift.
	if rec.count(events.DriftDetected) != 0 {
		t.Fatal("unexpected drift event on primary success")
	}
}

func TestResolveFallbackStrategy(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestResolver(t, homeTeamSelector(0.8), nil, rec)
	// The anchor text is gone but the class attribute survives.
	page := driver.MustFakePage(t, `<html><body>
<div class="match-header"><span class="team-name">Arsenal</span></div>
</body></html>`)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected fallback success, got: %s", res.FailureReason)
	}
	if res.StrategyUsed != selector.StrategyAttributeMatch {
		t.Fatalf("expected attribute_match, got %s", res.StrategyUsed)
	}
	if res.Confidence < 0.8 {
		t.Fatalf("confidence %v below 0.8", res.Confidence)
	}
	if rec.count(events.DriftDetected) != 1 {
		t.Fatalf("expected 1 drift event, got %d", rec.count(events.DriftDetected))
	}
}

func TestResolveAllStrategiesFail(t *testing.T) {
	rec := &eventRecorder{}
	snaps := newSnapStore(t)
	r := newTestResolver(t, homeTeamSelector(0.8), snaps, rec)
	page := driver.MustFakePage(t, `<html><body>
<div class="other"><p>nothing here</p></div>
</body></html>`)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page, URL: page.URL()})
	if err != nil {
		t.Fatalf("no-candidate failure must not return an error, got %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.FailureReason != "All strategies failed" {
		t.Fatalf("unexpected reason %q", res.FailureReason)
	}
	if res.SnapshotID == "" {
		t.Fatal("expected a failure snapshot id")
	}

	snap, rerr := snaps.Read(context.Background(), res.SnapshotID)
	if rerr != nil {
		t.Fatalf("read snapshot: %v", rerr)
	}
	if !strings.Contains(snap.DOMContent, "nothing here") {
		t.Fatal("snapshot missing page content")
	}
	if snap.Metadata.FailureReason != "All strategies failed" {
		t.Fatalf("snapshot reason %q", snap.Metadata.FailureReason)
	}
	if rec.count(events.SelectorFailed) != 1 || rec.count(events.SnapshotCaptured) != 1 {
		t.Fatalf("unexpected event counts: failed=%d captured=%d",
			rec.count(events.SelectorFailed), rec.count(events.SnapshotCaptured))
	}
}

func TestResolveConfidenceThreshold(t *testing.T) {
	r := newTestResolver(t, homeTeamSelector(0.99), nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if res == nil || res.Success {
		t.Fatalf("expected populated failed result, got %+v", res)
	}
	if !errors.Is(err, ErrConfidenceThreshold) {
		t.Fatalf("expected confidence-threshold error, got %v", err)
	}
	if !strings.Contains(err.Error(), "home_team_name") || !strings.Contains(err.Error(), "0.99") {
		t.Fatalf("error message missing context: %v", err)
	}
	if res.Metadata["best_confidence"] == nil {
		t.Fatal("failed result should carry the best confidence seen")
	}
	if res.Element == nil {
		t.Fatal("failed result should carry the best element")
	}
}

func TestResolveEnvironmentGate(t *testing.T) {
	r := newTestResolver(t, homeTeamSelector(0.8), nil, nil)
	page := driver.MustFakePage(t, `<html><body>
<div class="match-header"><span class="team-name">Arsenal</span></div>
</body></html>`)

	// Untagged context defaults to production: the 0.90 gate rejects
	// the fallback match even though it clears the 0.8 threshold.
	res, err := r.Resolve(context.Background(), "home_team_name", &PageContext{Page: page})
	if res.Success {
		t.Fatalf("production gate should have rejected confidence %v", res.Confidence)
	}
	if !errors.Is(err, ErrConfidenceThreshold) {
		t.Fatalf("expected confidence-threshold error, got %v", err)
	}

	// The same page passes under the staging gate.
	res, err = r.Resolve(kit.WithEnvironment(context.Background(), "staging"),
		"home_team_name", &PageContext{Page: page})
	if err != nil || !res.Success {
		t.Fatalf("staging resolve: success=%v err=%v", res.Success, err)
	}
}

// --- tab gating ---

func TestResolveTabGating(t *testing.T) {
	sel := homeTeamSelector(0.8)
	sel.Name = "home_win_odds"
	sel.TabContext = "odds"

	page := driver.MustFakePage(t, matchHeaderHTML)

	cases := []struct {
		name   string
		tabs   map[string]selector.TabContext
		reason string
	}{
		{"absent", nil, "tab_context_not_loaded"},
		{"not loaded", map[string]selector.TabContext{
			"odds": {TabID: "odds", State: selector.TabNotLoaded},
		}, "tab_context_not_loaded"},
		{"loaded but inactive", map[string]selector.TabContext{
			"odds": {TabID: "odds", State: selector.TabLoaded},
		}, "tab_context_inactive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &eventRecorder{}
			r := newTestResolver(t, sel, newSnapStore(t), rec)
			res, err := r.Resolve(testCtx(), "home_win_odds", &PageContext{Page: page, Tabs: tc.tabs})
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Success {
				t.Fatal("expected gating failure")
			}
			if res.FailureReason != tc.reason {
				t.Fatalf("reason %q, want %q", res.FailureReason, tc.reason)
			}
			if res.SnapshotID != "" {
				t.Fatal("gating failures must not capture snapshots")
			}
			if rec.count(events.SelectorFailed) != 1 {
				t.Fatalf("expected 1 failed event, got %d", rec.count(events.SelectorFailed))
			}
		})
	}
}

func TestResolveActiveTabScopesQueries(t *testing.T) {
	sel := homeTeamSelector(0.8)
	sel.Name = "home_win_odds"
	sel.TabContext = "odds"
	// Strip the proximity selector so scoping comes from the tab alone.
	sel.Strategies[0].TextAnchor.ProximitySelector = ""

	r := newTestResolver(t, sel, nil, nil)
	// The decoy outside the tab scope carries the same text.
	page := driver.MustFakePage(t, `<html><body>
<div class="decoy"><span class="team-name">Manchester United</span></div>
<div id="odds-panel">
  <div class="match-header"><span class="team-name">Manchester United</span></div>
</div>
</body></html>`)

	res, err := r.Resolve(testCtx(), "home_win_odds", &PageContext{
		Page: page,
		Tabs: map[string]selector.TabContext{
			"odds": {TabID: "odds", State: selector.TabActive, DOMScopeExpr: "#odds-panel"},
		},
	})
	if err != nil || !res.Success {
		t.Fatalf("resolve: success=%v err=%v", res != nil && res.Success, err)
	}
	if !strings.Contains(res.Element.Path, "odds-panel") {
		t.Fatalf("match escaped the tab scope: %s", res.Element.Path)
	}
}

// --- boundary behavior ---

func TestResolveUnknownSelector(t *testing.T) {
	r := newTestResolver(t, nil, nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	res, err := r.Resolve(testCtx(), "missing", &PageContext{Page: page})
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
	if !errors.Is(err, ErrSelectorNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestResolveCancelledContext(t *testing.T) {
	r := newTestResolver(t, homeTeamSelector(0.8), nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	ctx, cancel := context.WithCancel(testCtx())
	cancel()
	res, err := r.Resolve(ctx, "home_team_name", &PageContext{Page: page})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Success || res.FailureReason != "cancelled" {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
}

func TestResolveZeroTimeout(t *testing.T) {
	reg := selector.NewRegistry()
	if err := reg.Register(homeTeamSelector(0.8)); err != nil {
		t.Fatalf("register: %v", err)
	}
	r := New(Config{PerStrategyTimeout: 0}, reg, strategy.NewSet(), nil, nil, nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Success || res.FailureReason != "All strategies failed" {
		t.Fatalf("zero timeout should fail every strategy, got %+v", res)
	}
}

func TestResolveRequiredRuleRejects(t *testing.T) {
	sel := homeTeamSelector(0.8)
	sel.Rules = []selector.ValidationRule{
		{Type: selector.RuleRegex, Pattern: `^\d+$`, Weight: 1, Required: true},
	}
	r := newTestResolver(t, sel, nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Success {
		t.Fatal("required rule failure must disqualify every candidate")
	}
}

func TestResolveSemanticRuleScores(t *testing.T) {
	sel := homeTeamSelector(0.8)
	sel.Rules = []selector.ValidationRule{
		{Type: selector.RuleSemantic, Semantic: selector.SemanticTeamName, Weight: 1},
	}
	r := newTestResolver(t, sel, nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if err != nil || !res.Success {
		t.Fatalf("resolve: success=%v err=%v", res != nil && res.Success, err)
	}
	if len(res.ValidationResults) != 1 || !res.ValidationResults[0].Passed {
		t.Fatalf("unexpected validation results: %+v", res.ValidationResults)
	}
}

func TestResolveInteractableRequirement(t *testing.T) {
	sel := homeTeamSelector(0.8)
	sel.Interactable = true
	r := newTestResolver(t, sel, nil, nil)
	page := driver.MustFakePage(t, `<html><body>
<div class="match-header" style="display:none">
  <span class="team-name">Manchester United</span>
</div>
</body></html>`)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Success {
		t.Fatal("hidden element must disqualify an interactable selector")
	}
}

func TestResolveContentSelectorToleratesHidden(t *testing.T) {
	r := newTestResolver(t, homeTeamSelector(0.8), nil, nil)
	page := driver.MustFakePage(t, `<html><body>
<div class="match-header" style="display:none">
  <span class="team-name">Manchester United</span>
</div>
</body></html>`)

	res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
	if err != nil || !res.Success {
		t.Fatalf("resolve: success=%v err=%v", res != nil && res.Success, err)
	}
	if res.Element.Visible {
		t.Fatal("element should be reported hidden")
	}
}

// --- drift tracking ---

func TestResolveDriftDemotionAndPromotion(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestResolver(t, homeTeamSelector(0.8), nil, rec)
	page := driver.MustFakePage(t, `<html><body>
<div class="match-header"><span class="team-name">Arsenal</span></div>
</body></html>`)

	for i := 0; i < 5; i++ {
		res, err := r.Resolve(testCtx(), "home_team_name", &PageContext{Page: page})
		if err != nil || !res.Success {
			t.Fatalf("resolve %d: success=%v err=%v", i, res != nil && res.Success, err)
		}
	}
	if got := rec.count(events.DriftDetected); got != 5 {
		t.Fatalf("expected 5 drift events, got %d", got)
	}
	if got := rec.count(events.StrategyDemoted); got != 1 {
		t.Fatalf("demotion must fire exactly once, got %d", got)
	}
	if got := rec.count(events.StrategyPromoted); got != 1 {
		t.Fatalf("promotion must fire exactly once, got %d", got)
	}
}

// --- batch ---

func TestResolveBatch(t *testing.T) {
	reg := selector.NewRegistry()
	home := homeTeamSelector(0.8)
	if err := reg.Register(home); err != nil {
		t.Fatalf("register: %v", err)
	}
	r := New(Config{PerStrategyTimeout: 2 * time.Second},
		reg, strategy.NewSet(), nil, nil, nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	results := r.ResolveBatch(testCtx(), []string{"home_team_name", "missing"}, &PageContext{Page: page})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("first entry should resolve: %s", results[0].FailureReason)
	}
	if results[1].Success || !strings.Contains(results[1].FailureReason, "not registered") {
		t.Fatalf("second entry should fail as unknown: %+v", results[1])
	}
}

func TestResolveBatchEmpty(t *testing.T) {
	r := newTestResolver(t, nil, nil, nil)
	if got := r.ResolveBatch(testCtx(), nil, &PageContext{}); got != nil {
		t.Fatalf("empty batch should return nil, got %v", got)
	}
}

func TestResolveBatchCancelled(t *testing.T) {
	r := newTestResolver(t, homeTeamSelector(0.8), nil, nil)
	page := driver.MustFakePage(t, matchHeaderHTML)

	ctx, cancel := context.WithCancel(testCtx())
	cancel()
	results := r.ResolveBatch(ctx, []string{"home_team_name"}, &PageContext{Page: page})
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected 1 failed result, got %+v", results)
	}
	if results[0].FailureReason != "cancelled" {
		t.Fatalf("reason %q, want cancelled", results[0].FailureReason)
	}
}
