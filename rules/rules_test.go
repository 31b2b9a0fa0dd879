package rules

import (
	"testing"

	"github.com/hazyhaar/oddswatch/selector"
)

func evalOne(t *testing.T, rule selector.ValidationRule, text string) selector.ValidationResult {
	t.Helper()
	out := Evaluate([]selector.ValidationRule{rule}, selector.ElementInfo{Text: text})
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	return out[0]
}

func TestRegexRequiresFullMatch(t *testing.T) {
	rule := selector.ValidationRule{Type: selector.RuleRegex, Pattern: `\d+`, Weight: 1}

	if res := evalOne(t, rule, "42"); !res.Passed || res.Score != 1 {
		t.Fatalf("full match should pass: %+v", res)
	}
	// A substring hit is not enough.
	if res := evalOne(t, rule, "42 points"); res.Passed {
		t.Fatalf("substring match must fail: %+v", res)
	}
	if res := evalOne(t, rule, ""); res.Passed {
		t.Fatal("empty text must fail")
	}
}

func TestRegexInvalidPattern(t *testing.T) {
	rule := selector.ValidationRule{Type: selector.RuleRegex, Pattern: "[", Weight: 1}
	res := evalOne(t, rule, "anything")
	if res.Passed || res.Message == "" {
		t.Fatalf("invalid pattern should fail with a message: %+v", res)
	}
}

func TestDataTypeRules(t *testing.T) {
	cases := []struct {
		dt   selector.DataType
		text string
		pass bool
	}{
		{selector.TypeFloat, "1.95", true},
		{selector.TypeFloat, "abc", false},
		{selector.TypeInt, "3", true},
		{selector.TypeInt, "3.5", false},
		{selector.TypeBoolean, "true", true},
		{selector.TypeBoolean, "YES", true},
		{selector.TypeBoolean, "maybe", false},
		{selector.TypeString, "anything", true},
		{selector.TypeString, "", false},
	}
	for _, tc := range cases {
		rule := selector.ValidationRule{Type: selector.RuleDataType, DataType: tc.dt, Weight: 1}
		if res := evalOne(t, rule, tc.text); res.Passed != tc.pass {
			t.Fatalf("data_type %s on %q: passed=%v, want %v", tc.dt, tc.text, res.Passed, tc.pass)
		}
	}
}

func TestSemanticRules(t *testing.T) {
	cases := []struct {
		kind  selector.SemanticKind
		text  string
		pass  bool
		score float64
	}{
		{selector.SemanticTeamName, "Manchester United", true, 1},
		{selector.SemanticTeamName, "1860 München", false, 0},
		{selector.SemanticTeamName, "x", false, 0},
		{selector.SemanticScore, "2", true, 1},
		{selector.SemanticScore, "250", true, 1},
		{selector.SemanticScore, "2-0", false, 0},
		{selector.SemanticTime, "45'", true, 1},
		{selector.SemanticTime, "90:30", true, 1},
		{selector.SemanticTime, "HT", true, 1},
		{selector.SemanticTime, "soon", false, 0},
		{selector.SemanticDate, "2026-08-24", true, 1},
		{selector.SemanticDate, "24.08.2026", true, 1},
		{selector.SemanticDate, "yesterday", false, 0},
		{selector.SemanticOdds, "1.95", true, 1},
		{selector.SemanticOdds, "19/20", true, 1},
		{selector.SemanticOdds, "evens", false, 0},
	}
	for _, tc := range cases {
		rule := selector.ValidationRule{Type: selector.RuleSemantic, Semantic: tc.kind, Weight: 1}
		res := evalOne(t, rule, tc.text)
		if res.Passed != tc.pass {
			t.Fatalf("semantic %s on %q: passed=%v, want %v (%s)",
				tc.kind, tc.text, res.Passed, tc.pass, res.Message)
		}
		if tc.pass && res.Score != tc.score {
			t.Fatalf("semantic %s on %q: score %v, want %v", tc.kind, tc.text, res.Score, tc.score)
		}
	}
}

func TestSemanticTeamNameLowercase(t *testing.T) {
	rule := selector.ValidationRule{Type: selector.RuleSemantic, Semantic: selector.SemanticTeamName, Weight: 1}
	res := evalOne(t, rule, "юве")
	if !res.Passed {
		t.Fatalf("unicode lowercase club name should pass with reduced score: %+v", res)
	}
	if res.Score >= 1 {
		t.Fatalf("lowercase name should score below 1, got %v", res.Score)
	}
}

func TestCustomRule(t *testing.T) {
	rule := selector.ValidationRule{
		Type:   selector.RuleCustom,
		Weight: 1,
		Custom: func(text string, _ selector.ElementInfo) (float64, bool) {
			return 0.9, text == "ok"
		},
	}
	if res := evalOne(t, rule, "ok"); !res.Passed || res.Score != 0.9 {
		t.Fatalf("custom rule: %+v", res)
	}
	if res := evalOne(t, rule, "nope"); res.Passed {
		t.Fatalf("custom rule should fail: %+v", res)
	}

	rule.Custom = nil
	if res := evalOne(t, rule, "ok"); res.Passed || res.Message == "" {
		t.Fatalf("nil custom func should fail with a message: %+v", res)
	}
}

func TestEvaluatePreservesRuleOrder(t *testing.T) {
	out := Evaluate([]selector.ValidationRule{
		{Type: selector.RuleRegex, Pattern: `\d+`, Weight: 0.5},
		{Type: selector.RuleSemantic, Semantic: selector.SemanticScore, Weight: 0.5},
	}, selector.ElementInfo{Text: "2"})
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].RuleType != selector.RuleRegex || out[1].RuleType != selector.RuleSemantic {
		t.Fatalf("results out of order: %+v", out)
	}
	if out[0].Weight != 0.5 {
		t.Fatalf("weight not carried through: %+v", out[0])
	}
}
