// Package score computes the weighted confidence of a strategy match
// and enforces the environment quality gate.
package score

import (
	"strings"
	"time"

	"github.com/hazyhaar/oddswatch/selector"
)

// Weights are the six factor weights. They should sum to 1; Normalize
// rescales them when they do not.
type Weights struct {
	ContentValidation float64 `yaml:"content_validation"`
	PositionStability float64 `yaml:"position_stability"`
	StrategyHistory   float64 `yaml:"strategy_history"`
	Performance       float64 `yaml:"performance"`
	Visibility        float64 `yaml:"visibility"`
	Interactability   float64 `yaml:"interactability"`
}

// DefaultWeights are the shipped factor weights.
func DefaultWeights() Weights {
	return Weights{
		ContentValidation: 0.40,
		PositionStability: 0.20,
		StrategyHistory:   0.20,
		Performance:       0.10,
		Visibility:        0.05,
		Interactability:   0.05,
	}
}

func (w Weights) sum() float64 {
	return w.ContentValidation + w.PositionStability + w.StrategyHistory +
		w.Performance + w.Visibility + w.Interactability
}

// Normalize rescales the weights to sum to 1. Zero-sum weights fall
// back to the defaults.
func (w Weights) Normalize() Weights {
	s := w.sum()
	if s <= 0 {
		return DefaultWeights()
	}
	return Weights{
		ContentValidation: w.ContentValidation / s,
		PositionStability: w.PositionStability / s,
		StrategyHistory:   w.StrategyHistory / s,
		Performance:       w.Performance / s,
		Visibility:        w.Visibility / s,
		Interactability:   w.Interactability / s,
	}
}

// HistoryProvider reports the rolling success rate of a strategy on a
// selector, in [0,1]. ok=false means no data (the scorer uses 0.5).
type HistoryProvider interface {
	SuccessRate(selectorName string, strategy selector.StrategyType) (rate float64, ok bool)
}

// Scorer combines the six factors.
type Scorer struct {
	weights Weights
	history HistoryProvider
}

// NewScorer creates a scorer. history may be nil (neutral 0.5 factor).
func NewScorer(w Weights, history HistoryProvider) *Scorer {
	return &Scorer{weights: w.Normalize(), history: history}
}

// Input carries everything one scoring pass needs.
type Input struct {
	SelectorName string
	Strategy     selector.StrategyType
	Element      selector.ElementInfo
	Validation   []selector.ValidationResult
	Elapsed      time.Duration
}

// Score returns the final confidence, clamped to [0,1].
func (s *Scorer) Score(in Input) float64 {
	w := s.weights
	total := w.ContentValidation*s.contentScore(in) +
		w.PositionStability*PositionStability(in.Element.Path) +
		w.StrategyHistory*s.historyScore(in) +
		w.Performance*Performance(in.Elapsed) +
		w.Visibility*boolScore(in.Element.Visible) +
		w.Interactability*boolScore(in.Element.Interactable)
	return clamp01(total)
}

// contentScore is the weighted mean of the validation-rule scores.
// Rule weights normalize among themselves; the outer factor weight is
// applied by Score. A zero weight excludes a rule. When no rule
// carries a weight the plain mean applies, and with no rules at all a
// content heuristic does.
func (s *Scorer) contentScore(in Input) float64 {
	if len(in.Validation) == 0 {
		return contentHeuristic(in.Element.Text)
	}
	var weighted, weightSum float64
	for _, v := range in.Validation {
		if v.Weight > 0 {
			weighted += v.Score * v.Weight
			weightSum += v.Weight
		}
	}
	if weightSum > 0 {
		return weighted / weightSum
	}
	var sum float64
	for _, v := range in.Validation {
		sum += v.Score
	}
	return sum / float64(len(in.Validation))
}

func (s *Scorer) historyScore(in Input) float64 {
	if s.history == nil {
		return 0.5
	}
	rate, ok := s.history.SuccessRate(in.SelectorName, in.Strategy)
	if !ok {
		return 0.5
	}
	return clamp01(rate)
}

// contentHeuristic scores raw text with no rules registered: length,
// character variety, leading capital.
func contentHeuristic(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	score := 0.3
	if n := len(text); n >= 2 && n <= 100 {
		score += 0.3
	}
	variety := map[rune]bool{}
	for _, r := range text {
		variety[r] = true
	}
	if len(variety) > 3 {
		score += 0.2
	}
	if r := rune(text[0]); r >= 'A' && r <= 'Z' {
		score += 0.2
	}
	return clamp01(score)
}

var semanticTags = map[string]bool{
	"header": true, "nav": true, "main": true, "section": true,
	"article": true, "aside": true, "footer": true, "table": true,
	"thead": true, "tbody": true,
}

// PositionStability scores a node path: anchored ids and semantic tags
// are stable, deep div soup and positional segments are not.
// Base 0.5; +0.3 with an id anchor, +0.2 with a semantic tag, -0.2
// past 3 nested divs, -0.1 past one :nth-child segment.
func PositionStability(path string) float64 {
	if path == "" {
		return 0.5
	}
	score := 0.5
	if strings.Contains(path, "#") || strings.Contains(path, "id=") {
		score += 0.3
	}
	for _, seg := range strings.Split(path, ">") {
		tag := strings.TrimSpace(seg)
		for i, r := range tag {
			if r == '#' || r == '.' || r == ':' {
				tag = tag[:i]
				break
			}
		}
		if semanticTags[tag] {
			score += 0.2
			break
		}
	}
	if strings.Count(path, "div") > 3 {
		score -= 0.2
	}
	if strings.Count(path, ":nth-child") > 1 {
		score -= 0.1
	}
	return clamp01(score)
}

// Performance maps resolution time to a score, piecewise linear:
// 1.0 up to 50ms, 0.9 at 100ms, 0.5 at 500ms, 0.2 at 1000ms, then
// decaying toward 0.
func Performance(elapsed time.Duration) float64 {
	ms := float64(elapsed.Milliseconds())
	switch {
	case ms <= 50:
		return 1.0
	case ms <= 100:
		return lerp(ms, 50, 100, 1.0, 0.9)
	case ms <= 500:
		return lerp(ms, 100, 500, 0.9, 0.5)
	case ms <= 1000:
		return lerp(ms, 500, 1000, 0.5, 0.2)
	case ms <= 5000:
		return lerp(ms, 1000, 5000, 0.2, 0.0)
	default:
		return 0
	}
}

func lerp(x, x0, x1, y0, y1 float64) float64 {
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Gate maps an environment tag to a minimum acceptable confidence.
// Gate evaluation is distinct from the per-selector threshold: both
// must pass for a production-grade result.
type Gate struct {
	minimums map[string]float64
}

// DefaultGate ships the standard per-environment minimums.
func DefaultGate() *Gate {
	return NewGate(map[string]float64{
		"production":  0.90,
		"staging":     0.80,
		"development": 0.70,
		"testing":     0.60,
	})
}

// NewGate builds a gate from an environment→minimum map.
func NewGate(minimums map[string]float64) *Gate {
	m := make(map[string]float64, len(minimums))
	for k, v := range minimums {
		m[k] = v
	}
	return &Gate{minimums: m}
}

// Minimum returns the gate for env; unknown environments get the
// production minimum.
func (g *Gate) Minimum(env string) float64 {
	if v, ok := g.minimums[env]; ok {
		return v
	}
	return g.minimums["production"]
}

// Pass reports whether confidence clears the environment gate.
func (g *Gate) Pass(env string, confidence float64) bool {
	return confidence >= g.Minimum(env)
}
