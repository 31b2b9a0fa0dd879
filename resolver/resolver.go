// Package resolver runs the multi-strategy resolution loop: look up a
// semantic selector, try its strategies in priority order under
// per-strategy deadlines, gate the best match on confidence, validate,
// and capture a failure snapshot when everything misses.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/events"
	"github.com/hazyhaar/oddswatch/idgen"
	"github.com/hazyhaar/oddswatch/kit"
	"github.com/hazyhaar/oddswatch/rules"
	"github.com/hazyhaar/oddswatch/score"
	"github.com/hazyhaar/oddswatch/selector"
	"github.com/hazyhaar/oddswatch/snapshot"
	"github.com/hazyhaar/oddswatch/strategy"
)

// PageContext carries the page handle and tab state for one resolve.
type PageContext struct {
	Page      driver.Page
	URL       string
	UserAgent string
	// Tabs maps tab_context tags to their current state. A selector
	// scoped to a tab resolves only when that tab is Active.
	Tabs map[string]selector.TabContext
}

// MetricsRecorder receives per-resolution datapoints. Optional.
type MetricsRecorder interface {
	RecordResolution(selectorName string, strategyUsed selector.StrategyType,
		success bool, elapsed time.Duration, confidence float64)
}

// Config tunes the resolver.
type Config struct {
	// PerStrategyTimeout bounds each strategy attempt. The config
	// layer defaults it to 2s; zero makes every attempt expire
	// immediately.
	PerStrategyTimeout time.Duration
	// BatchWorkerCap bounds ResolveBatch parallelism. Default: 32.
	BatchWorkerCap int
	// QualityWeight blends the strategy match quality with the scorer
	// output: confidence = qw*quality + (1-qw)*score. Default: 0.6.
	QualityWeight float64
	// DriftDemoteAfter is the consecutive-primary-failure count that
	// publishes strategy.demoted. Default: 3.
	DriftDemoteAfter int
	// PromoteStreak is the non-primary success streak that publishes
	// strategy.promoted. Default: 5.
	PromoteStreak int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PerStrategyTimeout < 0 {
		c.PerStrategyTimeout = 2 * time.Second
	}
	if c.BatchWorkerCap <= 0 || c.BatchWorkerCap > 32 {
		c.BatchWorkerCap = 32
	}
	if c.QualityWeight <= 0 || c.QualityWeight >= 1 {
		c.QualityWeight = 0.6
	}
	if c.DriftDemoteAfter <= 0 {
		c.DriftDemoteAfter = 3
	}
	if c.PromoteStreak <= 0 {
		c.PromoteStreak = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Resolver resolves semantic selectors against live pages.
type Resolver struct {
	cfg        Config
	registry   *selector.Registry
	strategies *strategy.Set
	scorer     *score.Scorer
	gate       *score.Gate
	snapshots  *snapshot.Store
	bus        events.Publisher
	metrics    MetricsRecorder

	driftMu sync.Mutex
	drift   map[string]*driftState
}

type driftState struct {
	primaryFailures int
	fallbackStreak  map[selector.StrategyType]int
	demoted         bool
	promoted        map[selector.StrategyType]bool
}

// New wires a Resolver. snapshots, bus and metrics may be nil (no
// snapshot capture / no events / no metrics).
func New(cfg Config, registry *selector.Registry, strategies *strategy.Set,
	gate *score.Gate, snapshots *snapshot.Store, bus events.Publisher, metrics MetricsRecorder) *Resolver {
	cfg.defaults()
	if gate == nil {
		gate = score.DefaultGate()
	}
	return &Resolver{
		cfg:        cfg,
		registry:   registry,
		strategies: strategies,
		scorer:     score.NewScorer(score.DefaultWeights(), strategies.Metrics()),
		gate:       gate,
		snapshots:  snapshots,
		bus:        bus,
		metrics:    metrics,
		drift:      make(map[string]*driftState),
	}
}

// SetWeights replaces the scorer weights (hot-reload path).
func (r *Resolver) SetWeights(w score.Weights) {
	r.scorer = score.NewScorer(w, r.strategies.Metrics())
}

// candidate is one strategy outcome with its folded confidence.
type candidate struct {
	spec       selector.StrategySpec
	outcome    *strategy.Outcome
	validation []selector.ValidationResult
	confidence float64
	elapsed    time.Duration
}

// Resolve implements the normative algorithm. A populated Result is
// returned even on failure; the error return is reserved for typed
// boundary errors (unknown name, invalid selector shape, and the
// confidence-threshold case where a match existed but fell short).
func (r *Resolver) Resolve(ctx context.Context, name string, pctx *PageContext) (*selector.Result, error) {
	ctx, corrID := kit.EnsureCorrelation(ctx)
	start := time.Now()
	env := kit.GetEnvironment(ctx)
	log := r.cfg.Logger

	sel, ok := r.registry.Get(name)
	if !ok {
		return nil, notFoundErr(name)
	}
	if err := sel.Validate(); err != nil {
		return nil, validationErr(name, err)
	}
	r.registry.Touch(name)

	// Tab gating precedes all strategy attempts: no queries, no
	// snapshot when the tab is not ready.
	scope := ""
	if sel.TabContext != "" {
		tab, present := pctx.Tabs[sel.TabContext]
		if !present || tab.State == selector.TabNotLoaded {
			return r.failEarly(ctx, sel, corrID, start, "tab_context_not_loaded"), nil
		}
		if tab.State != selector.TabActive {
			return r.failEarly(ctx, sel, corrID, start, "tab_context_inactive"), nil
		}
		scope = tab.DOMScopeExpr
	}

	var best *candidate
	attemptNo := 0
	for _, spec := range sel.Strategies {
		attemptNo++
		if err := ctx.Err(); err != nil {
			return r.cancelled(ctx, sel, corrID, start), nil
		}

		cand, err := r.tryStrategy(ctx, sel, spec, pctx, scope)
		if err != nil {
			log.Debug("resolver: strategy failed",
				"selector", name, "strategy", spec.Type, "error", err,
				"correlation_id", corrID)
			continue
		}

		// Strictly-greater comparison keeps the earlier strategy on
		// confidence ties.
		if best == nil || cand.confidence > best.confidence {
			best = cand
		}
		if cand.confidence >= sel.ConfidenceThreshold && r.gate.Pass(env, cand.confidence) {
			best = cand
			break
		}
	}

	elapsed := time.Since(start)

	if best != nil && best.confidence >= sel.ConfidenceThreshold && r.gate.Pass(env, best.confidence) {
		res := r.successResult(sel, best, corrID, elapsed)
		r.trackDrift(ctx, sel, best.spec, corrID)
		r.record(name, best.spec.Type, true, elapsed, best.confidence)
		r.publish(ctx, events.SelectorResolved, events.SeverityLow, corrID, map[string]any{
			"selector":   name,
			"strategy":   string(best.spec.Type),
			"confidence": best.confidence,
		})
		return res, nil
	}

	// Everything missed or fell short: report the best candidate,
	// capture a failure snapshot, and fail.
	res := &selector.Result{
		SelectorName:     name,
		Success:          false,
		FailureReason:    "All strategies failed",
		Confidence:       0,
		ResolutionTimeMS: elapsed.Milliseconds(),
		Timestamp:        time.Now(),
		TabContext:       sel.TabContext,
		Metadata:         map[string]any{"correlation_id": corrID},
	}
	var thresholdErr error
	if best != nil {
		res.StrategyUsed = best.spec.Type
		info := best.outcome.Info
		res.Element = &info
		res.ValidationResults = best.validation
		res.Metadata["best_confidence"] = best.confidence
		thresholdErr = confidenceErr(name, sel.ConfidenceThreshold, best.confidence)
	}

	if snapID, serr := r.captureFailure(ctx, sel, pctx, attemptNo, res.FailureReason, corrID); serr != nil {
		log.Warn("resolver: failure snapshot failed",
			"selector", name, "error", serr, "correlation_id", corrID)
	} else if snapID != "" {
		res.SnapshotID = snapID
	}

	r.record(name, res.StrategyUsed, false, elapsed, 0)
	r.publish(ctx, events.SelectorFailed, events.SeverityMedium, corrID, map[string]any{
		"selector":    name,
		"reason":      res.FailureReason,
		"snapshot_id": res.SnapshotID,
	})
	return res, thresholdErr
}

// tryStrategy runs one attempt under the per-strategy deadline,
// validates the element, and folds quality + factor score into a
// confidence.
func (r *Resolver) tryStrategy(ctx context.Context, sel *selector.Selector,
	spec selector.StrategySpec, pctx *PageContext, scope string) (*candidate, error) {

	exec, ok := r.strategies.Get(spec.Type)
	if !ok {
		return nil, fmt.Errorf("resolver: no executor for strategy %q", spec.Type)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.PerStrategyTimeout)
	defer cancel()

	attemptStart := time.Now()
	outcome, err := exec.Attempt(attemptCtx, pctx.Page, spec, scope)
	elapsed := time.Since(attemptStart)

	if err != nil {
		r.strategies.Metrics().Record(sel.Name, spec.Type, false, elapsed)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("resolver: strategy %s timed out after %s: %w",
				spec.Type, r.cfg.PerStrategyTimeout, err)
		}
		return nil, err
	}

	// Invisible elements disqualify interactable selectors; content
	// selectors tolerate them.
	if sel.Interactable && !outcome.Info.Interactable {
		r.strategies.Metrics().Record(sel.Name, spec.Type, false, elapsed)
		return nil, fmt.Errorf("resolver: %s match not interactable", spec.Type)
	}

	validation := rules.Evaluate(sel.Rules, outcome.Info)
	for _, v := range validation {
		if !v.Passed && requiredRule(sel.Rules, v) {
			r.strategies.Metrics().Record(sel.Name, spec.Type, false, elapsed)
			return nil, fmt.Errorf("resolver: required %s rule failed: %s", v.RuleType, v.Message)
		}
	}

	factorScore := r.scorer.Score(score.Input{
		SelectorName: sel.Name,
		Strategy:     spec.Type,
		Element:      outcome.Info,
		Validation:   validation,
		Elapsed:      elapsed,
	})
	qw := r.cfg.QualityWeight
	confidence := qw*outcome.Quality + (1-qw)*factorScore
	if confidence > 1 {
		confidence = 1
	}

	r.strategies.Metrics().Record(sel.Name, spec.Type, true, elapsed)
	return &candidate{
		spec:       spec,
		outcome:    outcome,
		validation: validation,
		confidence: confidence,
		elapsed:    elapsed,
	}, nil
}

func requiredRule(ruleSet []selector.ValidationRule, v selector.ValidationResult) bool {
	for _, r := range ruleSet {
		if r.Type == v.RuleType && r.Required {
			return true
		}
	}
	return false
}

func (r *Resolver) successResult(sel *selector.Selector, c *candidate, corrID string, elapsed time.Duration) *selector.Result {
	info := c.outcome.Info
	return &selector.Result{
		SelectorName:      sel.Name,
		StrategyUsed:      c.spec.Type,
		Element:           &info,
		Confidence:        c.confidence,
		ResolutionTimeMS:  elapsed.Milliseconds(),
		ValidationResults: c.validation,
		Success:           true,
		Timestamp:         time.Now(),
		TabContext:        sel.TabContext,
		Metadata:          map[string]any{"correlation_id": corrID},
	}
}

func (r *Resolver) failEarly(ctx context.Context, sel *selector.Selector, corrID string, start time.Time, reason string) *selector.Result {
	r.publish(ctx, events.SelectorFailed, events.SeverityLow, corrID, map[string]any{
		"selector": sel.Name,
		"reason":   reason,
	})
	return &selector.Result{
		SelectorName:     sel.Name,
		Success:          false,
		FailureReason:    reason,
		Confidence:       0,
		ResolutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:        time.Now(),
		TabContext:       sel.TabContext,
		Metadata:         map[string]any{"correlation_id": corrID},
	}
}

func (r *Resolver) cancelled(ctx context.Context, sel *selector.Selector, corrID string, start time.Time) *selector.Result {
	r.publish(ctx, events.SelectorFailed, events.SeverityLow, corrID, map[string]any{
		"selector": sel.Name,
		"reason":   "cancelled",
	})
	return &selector.Result{
		SelectorName:     sel.Name,
		Success:          false,
		FailureReason:    "cancelled",
		ResolutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:        time.Now(),
		TabContext:       sel.TabContext,
		Metadata:         map[string]any{"correlation_id": corrID},
	}
}

// captureFailure snapshots the page for post-hoc analysis.
func (r *Resolver) captureFailure(ctx context.Context, sel *selector.Selector,
	pctx *PageContext, attempt int, reason, corrID string) (string, error) {

	if r.snapshots == nil || pctx.Page == nil {
		return "", nil
	}
	// Snapshot capture should survive a cancelled resolve deadline.
	capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	dom, err := pctx.Page.Content(capCtx)
	if err != nil {
		return "", fmt.Errorf("resolver: capture content: %w", err)
	}

	snap := &snapshot.Snapshot{
		ID:           idgen.FailureSnapshot(sel.Name),
		SelectorName: sel.Name,
		SnapshotType: snapshot.TypeFailure,
		DOMContent:   dom,
		Metadata: snapshot.Metadata{
			PageURL:           pctx.URL,
			TabContext:        sel.TabContext,
			UserAgent:         pctx.UserAgent,
			ResolutionAttempt: attempt,
			FailureReason:     reason,
		},
	}
	id, err := r.snapshots.Write(capCtx, snap)
	if err != nil {
		return "", err
	}
	r.publish(ctx, events.SnapshotCaptured, events.SeverityLow, corrID, map[string]any{
		"snapshot_id": id,
		"selector":    sel.Name,
	})
	return id, nil
}

// trackDrift watches which strategy wins. A win by a non-primary
// strategy means the page drifted away from the primary; repeated
// drift demotes it, a long fallback streak promotes the fallback.
func (r *Resolver) trackDrift(ctx context.Context, sel *selector.Selector,
	used selector.StrategySpec, corrID string) {

	primary := sel.Strategies[0]
	r.driftMu.Lock()
	st := r.drift[sel.Name]
	if st == nil {
		st = &driftState{
			fallbackStreak: make(map[selector.StrategyType]int),
			promoted:       make(map[selector.StrategyType]bool),
		}
		r.drift[sel.Name] = st
	}

	if used.Priority == primary.Priority {
		st.primaryFailures = 0
		st.fallbackStreak = make(map[selector.StrategyType]int)
		r.driftMu.Unlock()
		return
	}

	st.primaryFailures++
	st.fallbackStreak[used.Type]++
	drifts := st.primaryFailures
	streak := st.fallbackStreak[used.Type]
	demote := drifts >= r.cfg.DriftDemoteAfter && !st.demoted
	promote := streak >= r.cfg.PromoteStreak && !st.promoted[used.Type]
	if demote {
		st.demoted = true
	}
	if promote {
		st.promoted[used.Type] = true
	}
	r.driftMu.Unlock()

	r.publish(ctx, events.DriftDetected, events.SeverityMedium, corrID, map[string]any{
		"selector":         sel.Name,
		"primary_strategy": string(primary.Type),
		"used_strategy":    string(used.Type),
		"drift_count":      drifts,
	})
	if demote {
		r.publish(ctx, events.StrategyDemoted, events.SeverityMedium, corrID, map[string]any{
			"selector": sel.Name,
			"strategy": string(primary.Type),
		})
	}
	if promote {
		r.publish(ctx, events.StrategyPromoted, events.SeverityLow, corrID, map[string]any{
			"selector": sel.Name,
			"strategy": string(used.Type),
			"streak":   streak,
		})
	}
}

func (r *Resolver) record(name string, st selector.StrategyType, success bool, elapsed time.Duration, confidence float64) {
	if r.metrics != nil {
		r.metrics.RecordResolution(name, st, success, elapsed, confidence)
	}
}

func (r *Resolver) publish(ctx context.Context, kind events.Kind, sev events.Severity, corrID string, detail map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, events.Event{
		Kind:          kind,
		Severity:      sev,
		CorrelationID: corrID,
		JobID:         kit.GetJobID(ctx),
		Component:     "resolver",
		Detail:        detail,
	})
}
