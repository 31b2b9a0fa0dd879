// Package degrade coordinates graceful capability reduction per job.
// Failures activate strategies that raise the degradation level and
// emit symbolic actions; recovery lowers the level only once every
// active strategy agrees conditions have cleared.
package degrade

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level orders the degradation states.
type Level int

const (
	None Level = iota
	Minimal
	Reduced
	Limited
	Emergency
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Minimal:
		return "minimal"
	case Reduced:
		return "reduced"
	case Limited:
		return "limited"
	case Emergency:
		return "emergency"
	}
	return "unknown"
}

// Action names a symbolic mitigation the caller applies.
type Action string

const (
	ActionReduceTabs      Action = "reduce_concurrent_tabs"
	ActionClearCaches     Action = "clear_caches"
	ActionPauseProcessing Action = "pause_processing"
	ActionSaveState       Action = "save_state"
	ActionNotifyAdmin     Action = "notify_admin"
	ActionDisableStealth  Action = "disable_stealth_extras"
)

// RecoveryPredicate reports whether a strategy's trigger condition has
// cleared for the job.
type RecoveryPredicate func(jobID string) bool

// Strategy maps trigger keywords and thresholds to a level and a set
// of actions.
type Strategy struct {
	Name string
	// Triggers are substrings matched against the failure category or
	// message.
	Triggers []string
	// FailureThreshold activates the strategy once the job's failure
	// count reaches it, regardless of keywords. Zero disables.
	FailureThreshold int
	Level            Level
	Actions          []Action
	Recovery         RecoveryPredicate
	// MaxDuration auto-expires the strategy. Zero means no expiry.
	MaxDuration time.Duration
}

// DefaultStrategies mirror the operational defaults: network trouble
// degrades minimally, browser trouble reduces, resource pressure
// limits, and ten failures force emergency.
func DefaultStrategies() []Strategy {
	always := func(string) bool { return true }
	return []Strategy{
		{
			Name:     "network_slowdown",
			Triggers: []string{"network", "proxy", "dns", "connection"},
			Level:    Minimal,
			Actions:  []Action{ActionReduceTabs},
			Recovery: always,
		},
		{
			Name:     "browser_instability",
			Triggers: []string{"browser", "crash", "target closed"},
			Level:    Reduced,
			Actions:  []Action{ActionReduceTabs, ActionClearCaches},
			Recovery: always,
		},
		{
			Name:     "resource_pressure",
			Triggers: []string{"memory", "resource", "disk", "cpu"},
			Level:    Limited,
			Actions:  []Action{ActionReduceTabs, ActionClearCaches, ActionDisableStealth},
			Recovery: always,
		},
		{
			Name:             "failure_storm",
			FailureThreshold: 10,
			Level:            Emergency,
			Actions:          []Action{ActionPauseProcessing, ActionSaveState, ActionNotifyAdmin},
			Recovery:         always,
		},
	}
}

type activeStrategy struct {
	Strategy
	activatedAt time.Time
}

// HistoryEntry records one level change.
type HistoryEntry struct {
	Timestamp time.Time
	From      Level
	To        Level
	Strategy  string
}

// Context is the per-job degradation state.
type Context struct {
	JobID         string
	Level         Level
	FailureCount  int
	RecoveryCount int
	Active        []string
	History       []HistoryEntry
}

// Coordinator owns the degradation contexts of all jobs.
type Coordinator struct {
	log        *slog.Logger
	strategies []Strategy

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	ctx    Context
	active map[string]*activeStrategy
}

func NewCoordinator(strategies []Strategy, log *slog.Logger) *Coordinator {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:        log,
		strategies: strategies,
		jobs:       make(map[string]*jobState),
	}
}

func (c *Coordinator) job(jobID string) *jobState {
	js, ok := c.jobs[jobID]
	if !ok {
		js = &jobState{
			ctx:    Context{JobID: jobID},
			active: make(map[string]*activeStrategy),
		}
		c.jobs[jobID] = js
	}
	return js
}

// ReportFailure feeds one failure into the job's context. The returned
// actions are the union of actions from newly activated strategies.
func (c *Coordinator) ReportFailure(jobID, category, message string) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	js := c.job(jobID)
	js.ctx.FailureCount++
	needle := strings.ToLower(category + " " + message)

	var actions []Action
	for _, s := range c.strategies {
		if _, already := js.active[s.Name]; already {
			continue
		}
		if !c.triggered(s, js.ctx.FailureCount, needle) {
			continue
		}
		js.active[s.Name] = &activeStrategy{Strategy: s, activatedAt: time.Now()}
		actions = append(actions, s.Actions...)
		if s.Level > js.ctx.Level {
			c.setLevel(js, s.Level, s.Name)
		}
		c.log.Warn("degrade: strategy activated",
			"job", jobID, "strategy", s.Name, "level", s.Level.String())
	}
	js.ctx.Active = activeNames(js)
	return actions
}

func (c *Coordinator) triggered(s Strategy, failures int, needle string) bool {
	if s.FailureThreshold > 0 && failures >= s.FailureThreshold {
		return true
	}
	for _, t := range s.Triggers {
		if strings.Contains(needle, t) {
			return true
		}
	}
	return false
}

// AttemptRecovery deactivates strategies whose recovery predicate
// holds (or whose max duration elapsed) and lowers the level to the
// highest remaining active strategy. It reports whether the level
// decreased. The level can only go down when every expiring strategy
// agrees, never on a partial clear that leaves a higher level active.
func (c *Coordinator) AttemptRecovery(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	js, ok := c.jobs[jobID]
	if !ok || js.ctx.Level == None {
		return false
	}

	now := time.Now()
	for name, as := range js.active {
		expired := as.MaxDuration > 0 && now.Sub(as.activatedAt) > as.MaxDuration
		cleared := as.Recovery != nil && as.Recovery(jobID)
		if expired || cleared {
			delete(js.active, name)
			c.log.Info("degrade: strategy released", "job", jobID, "strategy", name)
		}
	}

	target := None
	for _, as := range js.active {
		if as.Level > target {
			target = as.Level
		}
	}
	js.ctx.Active = activeNames(js)

	if target < js.ctx.Level {
		c.setLevel(js, target, "recovery")
		js.ctx.RecoveryCount++
		return true
	}
	return false
}

// LevelOf returns the job's current level.
func (c *Coordinator) LevelOf(jobID string) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if js, ok := c.jobs[jobID]; ok {
		return js.ctx.Level
	}
	return None
}

// Snapshot returns a copy of the job's degradation context.
func (c *Coordinator) Snapshot(jobID string) Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if js, ok := c.jobs[jobID]; ok {
		cp := js.ctx
		cp.Active = append([]string(nil), js.ctx.Active...)
		cp.History = append([]HistoryEntry(nil), js.ctx.History...)
		return cp
	}
	return Context{JobID: jobID}
}

// setLevel assumes c.mu held.
func (c *Coordinator) setLevel(js *jobState, to Level, via string) {
	js.ctx.History = append(js.ctx.History, HistoryEntry{
		Timestamp: time.Now(),
		From:      js.ctx.Level,
		To:        to,
		Strategy:  via,
	})
	js.ctx.Level = to
}

func activeNames(js *jobState) []string {
	names := make([]string, 0, len(js.active))
	for name := range js.active {
		names = append(names, name)
	}
	return names
}
