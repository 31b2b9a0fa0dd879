// Package recovery supervises registered browsers: a periodic health
// loop evaluates probes, crash reports start single-flight recovery
// with exponential backoff, and each browser walks a small state
// machine from Unknown to Terminated.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/oddswatch/events"
	"github.com/hazyhaar/oddswatch/kit"
)

// State of a supervised browser.
type State string

const (
	StateUnknown    State = "unknown"
	StateHealthy    State = "healthy"
	StateDegraded   State = "degraded"
	StateCrashed    State = "crashed"
	StateRecovering State = "recovering"
	StateTerminated State = "terminated"
)

// transitions lists the legal moves. Anything else is a bug.
var transitions = map[State][]State{
	StateUnknown:    {StateHealthy, StateCrashed, StateTerminated},
	StateHealthy:    {StateDegraded, StateCrashed, StateTerminated},
	StateDegraded:   {StateHealthy, StateCrashed, StateTerminated},
	StateCrashed:    {StateRecovering, StateTerminated},
	StateRecovering: {StateHealthy, StateCrashed, StateTerminated},
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Probe measures one health dimension. Verdicts below Warn leave the
// browser Healthy; a Warn degrades it; a Fail crashes it.
type Probe struct {
	Name  string
	Check func(ctx context.Context, browserID string) Verdict
}

// Verdict is a probe result.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictWarn
	VerdictFail
)

// RestartFunc brings a crashed browser back, preserving its session
// where possible.
type RestartFunc func(ctx context.Context, browserID, sessionID string) error

// Config tunes the supervisor.
type Config struct {
	// HealthInterval between probe sweeps. Default: 30s.
	HealthInterval time.Duration
	// MaxRecoveryAttempts before a browser stays Crashed. Default: 3.
	MaxRecoveryAttempts int
	// RecoveryBaseDelay before the first restart attempt, doubling
	// each time. Default: 5s.
	RecoveryBaseDelay time.Duration
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.RecoveryBaseDelay <= 0 {
		c.RecoveryBaseDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type browser struct {
	id         string
	sessionID  string
	state      State
	recovering bool // single-flight guard
	lastProbe  time.Time
	attempts   int
}

// Supervisor tracks browser health and drives recovery.
type Supervisor struct {
	cfg     Config
	restart RestartFunc
	bus     events.Publisher

	mu       sync.Mutex
	browsers map[string]*browser
	probes   []Probe
}

func NewSupervisor(cfg Config, restart RestartFunc, bus events.Publisher) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:      cfg,
		restart:  restart,
		bus:      bus,
		browsers: make(map[string]*browser),
	}
}

// Register adds a browser in Unknown state.
func (s *Supervisor) Register(browserID, sessionID string) {
	s.mu.Lock()
	s.browsers[browserID] = &browser{id: browserID, sessionID: sessionID, state: StateUnknown}
	s.mu.Unlock()
}

// Terminate removes a browser from supervision.
func (s *Supervisor) Terminate(browserID string) {
	s.mu.Lock()
	if b, ok := s.browsers[browserID]; ok {
		b.state = StateTerminated
		delete(s.browsers, browserID)
	}
	s.mu.Unlock()
}

// AddProbe registers a health probe evaluated on every sweep.
func (s *Supervisor) AddProbe(p Probe) {
	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()
}

// StateOf returns the browser's current state.
func (s *Supervisor) StateOf(browserID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.browsers[browserID]; ok {
		return b.state
	}
	return StateTerminated
}

// Run drives the health loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep probes every browser once.
func (s *Supervisor) sweep(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.browsers))
	for id := range s.browsers {
		ids = append(ids, id)
	}
	probes := make([]Probe, len(s.probes))
	copy(probes, s.probes)
	s.mu.Unlock()

	for _, id := range ids {
		if s.StateOf(id) == StateRecovering {
			continue
		}
		worst := VerdictOK
		worstProbe := ""
		for _, p := range probes {
			v := p.Check(ctx, id)
			if v > worst {
				worst = v
				worstProbe = p.Name
			}
		}
		switch worst {
		case VerdictOK:
			s.setState(id, StateHealthy)
		case VerdictWarn:
			s.cfg.Logger.Warn("recovery: browser degraded", "browser", id, "probe", worstProbe)
			s.setState(id, StateDegraded)
		case VerdictFail:
			s.cfg.Logger.Error("recovery: probe failure", "browser", id, "probe", worstProbe)
			s.ReportCrash(ctx, id, fmt.Sprintf("probe %s failed", worstProbe))
		}
	}
}

func (s *Supervisor) setState(browserID string, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.browsers[browserID]
	if !ok || b.state == to {
		return
	}
	if !legal(b.state, to) {
		s.cfg.Logger.Warn("recovery: illegal transition dropped",
			"browser", browserID, "from", b.state, "to", to)
		return
	}
	b.state = to
	b.lastProbe = time.Now()
}

// ReportCrash marks the browser Crashed and starts recovery. A report
// arriving while recovery is already running is coalesced.
func (s *Supervisor) ReportCrash(ctx context.Context, browserID, reason string) {
	s.mu.Lock()
	b, ok := s.browsers[browserID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if b.recovering {
		s.mu.Unlock()
		s.cfg.Logger.Debug("recovery: crash report coalesced", "browser", browserID)
		return
	}
	if b.state != StateCrashed {
		if !legal(b.state, StateCrashed) {
			s.mu.Unlock()
			return
		}
		b.state = StateCrashed
	}
	b.recovering = true
	sessionID := b.sessionID
	s.mu.Unlock()

	s.cfg.Logger.Error("recovery: browser crashed", "browser", browserID, "reason", reason)
	go s.recover(ctx, browserID, sessionID)
}

// recover retries the restart with exponential backoff, leaving the
// browser Crashed if every attempt fails.
func (s *Supervisor) recover(ctx context.Context, browserID, sessionID string) {
	defer func() {
		s.mu.Lock()
		if b, ok := s.browsers[browserID]; ok {
			b.recovering = false
		}
		s.mu.Unlock()
	}()

	delay := s.cfg.RecoveryBaseDelay
	for attempt := 1; attempt <= s.cfg.MaxRecoveryAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.setState(browserID, StateRecovering)
		s.cfg.Logger.Info("recovery: restart attempt",
			"browser", browserID, "attempt", attempt)

		if err := s.restart(ctx, browserID, sessionID); err != nil {
			s.cfg.Logger.Warn("recovery: restart failed",
				"browser", browserID, "attempt", attempt, "error", err)
			s.setState(browserID, StateCrashed)
			delay *= 2
			continue
		}

		s.setState(browserID, StateHealthy)
		s.mu.Lock()
		if b, ok := s.browsers[browserID]; ok {
			b.attempts = attempt
		}
		s.mu.Unlock()
		s.publishRecovered(ctx, browserID, attempt)
		return
	}
	s.cfg.Logger.Error("recovery: attempts exhausted, browser stays crashed",
		"browser", browserID, "attempts", s.cfg.MaxRecoveryAttempts)
}

func (s *Supervisor) publishRecovered(ctx context.Context, browserID string, attempt int) {
	if s.bus == nil {
		return
	}
	_, corrID := kit.EnsureCorrelation(ctx)
	s.bus.Publish(ctx, events.Event{
		Kind:          events.RecoveryEvent,
		Severity:      events.SeverityLow,
		CorrelationID: corrID,
		Component:     "recovery",
		Detail: map[string]any{
			"browser_id": browserID,
			"attempts":   attempt,
		},
	})
}
