package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/oddswatch/dbopen"
	"github.com/hazyhaar/oddswatch/metrics"
	"github.com/hazyhaar/oddswatch/selector"
	"github.com/hazyhaar/oddswatch/snapshot"
	_ "modernc.org/sqlite"
)

func testSelector(name, tab string) *selector.Selector {
	return &selector.Selector{
		Name:                name,
		TabContext:          tab,
		ConfidenceThreshold: 0.8,
		Strategies: []selector.StrategySpec{
			{Type: selector.StrategyTextAnchor, Priority: 1,
				TextAnchor: &selector.TextAnchorConfig{AnchorText: "Manchester United"}},
			{Type: selector.StrategyAttributeMatch, Priority: 2,
				AttributeMatch: &selector.AttributeMatchConfig{Attribute: "class", ValuePattern: "team-name"}},
			{Type: selector.StrategyDOMRelationship, Priority: 3,
				DOMRelationship: &selector.DOMRelationshipConfig{ParentSelector: ".match-header", Relationship: selector.RelChild}},
		},
	}
}

func newDeps(t *testing.T) Deps {
	t.Helper()
	reg := selector.NewRegistry()
	if err := reg.Register(testSelector("home_team_name", "odds")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(testSelector("away_team_name", "lineups")); err != nil {
		t.Fatalf("register: %v", err)
	}

	snapDB := dbopen.OpenMemory(t, dbopen.WithSchema(snapshot.Schema))
	snaps, err := snapshot.NewStore(snapDB, snapshot.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}

	metDB := dbopen.OpenMemory(t, dbopen.WithSchema(metrics.Schema))
	met := metrics.NewStore(metDB, 1, time.Hour, nil)
	t.Cleanup(func() { met.Close() })

	return Deps{Registry: reg, Snapshots: snaps, Metrics: met}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v (body %q)", path, err, rec.Body.String())
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	h := NewRouter(newDeps(t))
	rec, body := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body %v", body)
	}
	if body["selectors"] != float64(2) {
		t.Fatalf("selector count %v", body["selectors"])
	}
}

func TestQueryMetrics(t *testing.T) {
	deps := newDeps(t)
	// Buffer size 1: each record flushes inline.
	deps.Metrics.Record(&metrics.Point{Name: "resolution_duration_ms", Value: 42, Unit: "milliseconds"})

	h := NewRouter(deps)
	rec, body := get(t, h, "/api/metrics?name=resolution_duration_ms")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["count"] != float64(1) {
		t.Fatalf("body %v", body)
	}
}

func TestQueryMetricsUnconfigured(t *testing.T) {
	h := NewRouter(Deps{})
	rec, body := get(t, h, "/api/metrics")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	if body["error"] == "" {
		t.Fatalf("body %v", body)
	}
}

func TestGetSnapshot(t *testing.T) {
	deps := newDeps(t)
	_, err := deps.Snapshots.Write(context.Background(), &snapshot.Snapshot{
		ID:           "failure_home_team_name_1",
		SelectorName: "home_team_name",
		SnapshotType: snapshot.TypeFailure,
		DOMContent:   "<html><body></body></html>",
	})
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	h := NewRouter(deps)
	rec, body := get(t, h, "/api/snapshots/failure_home_team_name_1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["selector_name"] != "home_team_name" {
		t.Fatalf("body %v", body)
	}

	rec, _ = get(t, h, "/api/snapshots/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot status %d", rec.Code)
	}
}

func TestListSelectors(t *testing.T) {
	h := NewRouter(newDeps(t))

	rec, body := get(t, h, "/api/selectors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["count"] != float64(2) {
		t.Fatalf("body %v", body)
	}

	_, filtered := get(t, h, "/api/selectors?tab_context=odds")
	if filtered["count"] != float64(1) {
		t.Fatalf("filtered body %v", filtered)
	}
	entries := filtered["selectors"].([]any)
	entry := entries[0].(map[string]any)
	if entry["name"] != "home_team_name" || entry["strategies"] != float64(3) {
		t.Fatalf("entry %v", entry)
	}
}

func TestListSelectorsUnconfigured(t *testing.T) {
	h := NewRouter(Deps{})
	rec, _ := get(t, h, "/api/selectors")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}
