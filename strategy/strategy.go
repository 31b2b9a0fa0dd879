// Package strategy implements the four element-location tactics a
// semantic selector tries in priority order: text anchor, attribute
// match, DOM relationship, and ARIA role.
//
// An attempt returns (*Outcome, error): nil Outcome with ErrNoMatch
// means the page simply lacks a match, any other error is an
// execution failure. Strategies never panic or throw for control flow.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/selector"
)

// ErrNoMatch reports that the strategy found no candidate element.
var ErrNoMatch = errors.New("strategy: no match")

// Outcome is a successful attempt before validation and scoring.
type Outcome struct {
	Element driver.Element
	Info    selector.ElementInfo
	// Quality is the strategy-contract match quality in [0,1]: exact
	// text beats substring, id attributes beat class, shallow stable
	// paths beat positional div chains.
	Quality float64
}

// Strategy is one location tactic.
type Strategy interface {
	Type() selector.StrategyType

	// Attempt tries to locate an element for spec inside scope (empty
	// scope = whole document).
	Attempt(ctx context.Context, page driver.Page, spec selector.StrategySpec, scope string) (*Outcome, error)
}

// Set holds one executor per strategy type plus their rolling metrics.
type Set struct {
	execs   map[selector.StrategyType]Strategy
	metrics *Metrics
}

// NewSet builds the default executor set.
func NewSet() *Set {
	s := &Set{
		execs:   make(map[selector.StrategyType]Strategy),
		metrics: NewMetrics(),
	}
	for _, st := range []Strategy{
		&TextAnchor{}, &AttributeMatch{}, &DOMRelationship{}, &RoleBased{},
	} {
		s.execs[st.Type()] = st
	}
	return s
}

// Get returns the executor for a strategy type.
func (s *Set) Get(t selector.StrategyType) (Strategy, bool) {
	st, ok := s.execs[t]
	return st, ok
}

// Metrics exposes the rolling counters.
func (s *Set) Metrics() *Metrics { return s.metrics }

// Metrics aggregates rolling success/time counters per
// (selector, strategy) pair. It implements score.HistoryProvider.
type Metrics struct {
	mu   sync.RWMutex
	data map[string]*rolling
}

const rollingWindow = 20

type rolling struct {
	attempts  int64
	successes int64
	totalTime time.Duration
	ring      []bool // last rollingWindow outcomes
	next      int
	filled    bool
}

// NewMetrics creates an empty metrics table.
func NewMetrics() *Metrics {
	return &Metrics{data: make(map[string]*rolling)}
}

func key(selectorName string, t selector.StrategyType) string {
	return selectorName + "|" + string(t)
}

// Record adds one attempt outcome.
func (m *Metrics) Record(selectorName string, t selector.StrategyType, success bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.data[key(selectorName, t)]
	if r == nil {
		r = &rolling{ring: make([]bool, rollingWindow)}
		m.data[key(selectorName, t)] = r
	}
	r.attempts++
	if success {
		r.successes++
	}
	r.totalTime += elapsed
	r.ring[r.next] = success
	r.next++
	if r.next == rollingWindow {
		r.next = 0
		r.filled = true
	}
}

// SuccessRate returns the rolling success rate; ok=false with no data.
func (m *Metrics) SuccessRate(selectorName string, t selector.StrategyType) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.data[key(selectorName, t)]
	if r == nil || r.attempts == 0 {
		return 0, false
	}
	n := r.next
	if r.filled {
		n = rollingWindow
	}
	hits := 0
	for i := 0; i < n; i++ {
		if r.ring[i] {
			hits++
		}
	}
	return float64(hits) / float64(n), true
}

// Totals returns lifetime counters for a pair.
func (m *Metrics) Totals(selectorName string, t selector.StrategyType) (attempts, successes int64, total time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.data[key(selectorName, t)]
	if r == nil {
		return 0, 0, 0
	}
	return r.attempts, r.successes, r.totalTime
}

// Reset clears all counters for a selector, used when a selector is
// re-registered.
func (m *Metrics) Reset(selectorName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, selectorName+"|") {
			delete(m.data, k)
		}
	}
}

// elementInfo snapshots a driver element into the domain record.
func elementInfo(ctx context.Context, el driver.Element) (selector.ElementInfo, error) {
	var info selector.ElementInfo

	tag, err := el.TagName(ctx)
	if err != nil {
		return info, fmt.Errorf("strategy: tag name: %w", err)
	}
	text, err := el.TextContent(ctx)
	if err != nil {
		return info, fmt.Errorf("strategy: text: %w", err)
	}
	attrs, err := el.Attributes(ctx)
	if err != nil {
		return info, fmt.Errorf("strategy: attributes: %w", err)
	}
	visible, err := el.IsVisible(ctx)
	if err != nil {
		return info, fmt.Errorf("strategy: visibility: %w", err)
	}
	enabled, err := el.IsEnabled(ctx)
	if err != nil {
		return info, fmt.Errorf("strategy: enabled: %w", err)
	}
	path, err := el.Path(ctx)
	if err != nil {
		return info, fmt.Errorf("strategy: path: %w", err)
	}

	info = selector.ElementInfo{
		Tag:          tag,
		Text:         strings.TrimSpace(text),
		Attributes:   attrs,
		Classes:      strings.Fields(attrs["class"]),
		Path:         path,
		Visible:      visible,
		Interactable: visible && enabled,
	}
	return info, nil
}

// normalizeText collapses whitespace for text comparison.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
