// Package rules evaluates validation rules against matched elements:
// regex full-match, conservative data-type parses, sports-domain
// semantic heuristics, and caller-supplied custom rules.
package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hazyhaar/oddswatch/selector"
)

var (
	teamNameRe = regexp.MustCompile(`^[\p{L}][\p{L} \-.']{0,48}[\p{L}.]$`)
	scoreRe    = regexp.MustCompile(`^\d{1,3}$`)
	timeRe     = regexp.MustCompile(`^(\d{1,3})[:'](\d{2})$|^\d{1,3}'$|^(HT|FT|LIVE)$`)
	dateRe     = regexp.MustCompile(`^\d{1,2}[./-]\d{1,2}[./-]\d{2,4}$|^\d{4}-\d{2}-\d{2}$`)
	decimalRe  = regexp.MustCompile(`^\d+(\.\d+)?$`)
	fractionRe = regexp.MustCompile(`^\d+/\d+$`)
)

// Evaluate runs every rule against the element and returns one result
// per rule, in rule order.
func Evaluate(ruleSet []selector.ValidationRule, info selector.ElementInfo) []selector.ValidationResult {
	out := make([]selector.ValidationResult, 0, len(ruleSet))
	for _, r := range ruleSet {
		out = append(out, evaluateOne(r, info))
	}
	return out
}

func evaluateOne(r selector.ValidationRule, info selector.ElementInfo) selector.ValidationResult {
	res := selector.ValidationResult{RuleType: r.Type, Weight: r.Weight}
	text := strings.TrimSpace(info.Text)

	switch r.Type {
	case selector.RuleRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			res.Message = fmt.Sprintf("invalid pattern: %v", err)
			return res
		}
		// Full match of the trimmed text, not substring.
		if m := re.FindString(text); m == text && text != "" {
			res.Passed = true
			res.Score = 1
		} else {
			res.Message = fmt.Sprintf("text %q does not match %q", text, r.Pattern)
		}

	case selector.RuleDataType:
		res.Passed, res.Message = parseAs(text, r.DataType)
		if res.Passed {
			res.Score = 1
		}

	case selector.RuleSemantic:
		res.Score, res.Passed, res.Message = semantic(text, r.Semantic)

	case selector.RuleCustom:
		if r.Custom == nil {
			res.Message = "custom rule without function"
			return res
		}
		res.Score, res.Passed = r.Custom(text, info)

	default:
		res.Message = fmt.Sprintf("unknown rule type %q", r.Type)
	}
	return res
}

// parseAs attempts a conservative parse of text as the given type.
func parseAs(text string, dt selector.DataType) (bool, string) {
	if text == "" {
		return false, "empty text"
	}
	switch dt {
	case selector.TypeFloat:
		if _, err := strconv.ParseFloat(text, 64); err != nil {
			return false, fmt.Sprintf("%q is not a float", text)
		}
	case selector.TypeInt:
		if _, err := strconv.ParseInt(text, 10, 64); err != nil {
			return false, fmt.Sprintf("%q is not an int", text)
		}
	case selector.TypeBoolean:
		switch strings.ToLower(text) {
		case "true", "false", "yes", "no", "0", "1":
		default:
			return false, fmt.Sprintf("%q is not a boolean", text)
		}
	case selector.TypeString:
		// Any non-empty text is a string.
	default:
		return false, fmt.Sprintf("unknown data type %q", dt)
	}
	return true, ""
}

// semantic applies the sports-domain heuristics.
func semantic(text string, kind selector.SemanticKind) (float64, bool, string) {
	switch kind {
	case selector.SemanticTeamName:
		if len(text) < 2 || len(text) > 50 {
			return 0, false, fmt.Sprintf("team name length %d out of [2,50]", len(text))
		}
		if !teamNameRe.MatchString(text) {
			return 0, false, fmt.Sprintf("%q does not look like a team name", text)
		}
		// Leading capital is the common case; lowercase club names
		// still pass with a reduced score.
		if text[0] >= 'A' && text[0] <= 'Z' {
			return 1, true, ""
		}
		return 0.8, true, ""

	case selector.SemanticScore:
		if !scoreRe.MatchString(text) {
			return 0, false, fmt.Sprintf("%q is not a score", text)
		}
		return 1, true, ""

	case selector.SemanticTime:
		if !timeRe.MatchString(text) {
			return 0, false, fmt.Sprintf("%q is not a match time", text)
		}
		return 1, true, ""

	case selector.SemanticDate:
		if !dateRe.MatchString(text) {
			return 0, false, fmt.Sprintf("%q is not a date", text)
		}
		return 1, true, ""

	case selector.SemanticOdds:
		if decimalRe.MatchString(text) || fractionRe.MatchString(text) {
			return 1, true, ""
		}
		return 0, false, fmt.Sprintf("%q is not decimal or fractional odds", text)

	default:
		return 0, false, fmt.Sprintf("unknown semantic kind %q", kind)
	}
}
