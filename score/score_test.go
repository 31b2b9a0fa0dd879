package score

import (
	"math"
	"testing"
	"time"

	"github.com/hazyhaar/oddswatch/selector"
)

func TestWeightsNormalize(t *testing.T) {
	w := Weights{ContentValidation: 2, PositionStability: 1, StrategyHistory: 1}.Normalize()
	if s := w.sum(); math.Abs(s-1) > 1e-9 {
		t.Fatalf("normalized sum %v, want 1", s)
	}
	if math.Abs(w.ContentValidation-0.5) > 1e-9 {
		t.Fatalf("content weight %v, want 0.5", w.ContentValidation)
	}

	if def := (Weights{}).Normalize(); def != DefaultWeights() {
		t.Fatalf("zero weights should fall back to defaults, got %+v", def)
	}
}

func TestContentHeuristic(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"", 0},
		{"Manchester United", 1.0},
		{"x", 0.3},   // base only: too short, one glyph, lowercase
		{"???", 0.6}, // base + length, single glyph repeated
	}
	for _, tc := range cases {
		if got := contentHeuristic(tc.text); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("contentHeuristic(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestPositionStability(t *testing.T) {
	cases := []struct {
		name string
		path string
		want float64
	}{
		{"empty path is neutral", "", 0.5},
		{"id anchor", "div#root > span", 0.8},
		{"semantic tag", "header > span", 0.7},
		{"id plus semantic", "header#top > span", 1.0},
		{"div soup", "div > div > div > div > span", 0.3},
		{"positional chain", "div:nth-child(2) > span:nth-child(3)", 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PositionStability(tc.path); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("PositionStability(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestPerformanceCurve(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    float64
	}{
		{10 * time.Millisecond, 1.0},
		{50 * time.Millisecond, 1.0},
		{100 * time.Millisecond, 0.9},
		{300 * time.Millisecond, 0.7},
		{500 * time.Millisecond, 0.5},
		{1000 * time.Millisecond, 0.2},
		{5 * time.Second, 0.0},
		{time.Minute, 0.0},
	}
	for _, tc := range cases {
		if got := Performance(tc.elapsed); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Performance(%v) = %v, want %v", tc.elapsed, got, tc.want)
		}
	}
}

type fixedHistory struct {
	rate float64
	ok   bool
}

func (f fixedHistory) SuccessRate(string, selector.StrategyType) (float64, bool) {
	return f.rate, f.ok
}

func TestScorerCombinesFactors(t *testing.T) {
	in := Input{
		SelectorName: "home_team_name",
		Strategy:     selector.StrategyTextAnchor,
		Element: selector.ElementInfo{
			Text:         "Manchester United",
			Path:         "div > span",
			Visible:      true,
			Interactable: true,
		},
		Elapsed: 10 * time.Millisecond,
	}

	// No history: the history factor is neutral 0.5.
	s := NewScorer(DefaultWeights(), nil)
	got := s.Score(in)
	want := 0.4*1.0 + 0.2*0.5 + 0.2*0.5 + 0.1*1.0 + 0.05 + 0.05
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("score %v, want %v", got, want)
	}

	// A perfect history lifts the score by the history weight.
	s = NewScorer(DefaultWeights(), fixedHistory{rate: 1, ok: true})
	if lifted := s.Score(in); math.Abs(lifted-(want+0.1)) > 1e-9 {
		t.Fatalf("score with history %v, want %v", lifted, want+0.1)
	}
}

func TestScorerUsesValidationResults(t *testing.T) {
	in := Input{
		Element: selector.ElementInfo{Text: "zz", Visible: true, Interactable: true},
		Validation: []selector.ValidationResult{
			{RuleType: selector.RuleRegex, Passed: true, Score: 1, Weight: 0.75},
			{RuleType: selector.RuleSemantic, Passed: false, Score: 0, Weight: 0.25},
		},
		Elapsed: 10 * time.Millisecond,
	}
	s := NewScorer(DefaultWeights(), nil)
	got := s.Score(in)
	// Content factor is the weighted rule mean: 0.75.
	want := 0.4*0.75 + 0.2*0.5 + 0.2*0.5 + 0.1 + 0.05 + 0.05
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("score %v, want %v", got, want)
	}
}

func TestContentScoreZeroWeightExcludesRule(t *testing.T) {
	s := NewScorer(DefaultWeights(), nil)

	// Weight 0 disables a rule when other rules carry weight.
	got := s.contentScore(Input{
		Validation: []selector.ValidationResult{
			{RuleType: selector.RuleRegex, Passed: true, Score: 1, Weight: 0},
			{RuleType: selector.RuleSemantic, Passed: false, Score: 0, Weight: 0.5},
		},
	})
	if got != 0 {
		t.Fatalf("content score %v, want 0 with the passing rule disabled", got)
	}

	// With no weights at all the plain mean applies.
	got = s.contentScore(Input{
		Validation: []selector.ValidationResult{
			{RuleType: selector.RuleRegex, Passed: true, Score: 1},
			{RuleType: selector.RuleSemantic, Passed: false, Score: 0},
		},
	})
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("unweighted content score %v, want 0.5", got)
	}
}

func TestGateMinimums(t *testing.T) {
	g := DefaultGate()
	cases := []struct {
		env string
		min float64
	}{
		{"production", 0.90},
		{"staging", 0.80},
		{"development", 0.70},
		{"testing", 0.60},
		{"unknown-env", 0.90}, // unknown environments get production strictness
	}
	for _, tc := range cases {
		if got := g.Minimum(tc.env); got != tc.min {
			t.Fatalf("Minimum(%s) = %v, want %v", tc.env, got, tc.min)
		}
	}

	if g.Pass("production", 0.89) {
		t.Fatal("0.89 must not pass production")
	}
	if !g.Pass("production", 0.90) {
		t.Fatal("0.90 must pass production")
	}
	if !g.Pass("testing", 0.60) {
		t.Fatal("0.60 must pass testing")
	}
}
