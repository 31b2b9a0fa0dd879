// Package abort watches rolling operational metrics against configured
// policies and executes emergency stops when a policy trips. Execution
// is serialized per policy with cooldown and an hourly cap.
package abort

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/oddswatch/events"
	"github.com/hazyhaar/oddswatch/kit"
)

// TriggerType names a condition source.
type TriggerType string

const (
	TriggerFailureRate        TriggerType = "failure_rate"
	TriggerErrorThreshold     TriggerType = "error_threshold"
	TriggerTimeout            TriggerType = "timeout"
	TriggerResourceExhaustion TriggerType = "resource_exhaustion"
	TriggerCriticalError      TriggerType = "critical_error"
	TriggerManual             TriggerType = "manual"
)

// Action is what the executor does when a policy trips.
type Action string

const (
	StopImmediately  Action = "stop_immediately"
	GracefulShutdown Action = "graceful_shutdown"
	SaveStateAndStop Action = "save_state_and_stop"
	Rollback         Action = "rollback"
)

// PolicyStatus is the lifecycle state of a policy.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyInactive  PolicyStatus = "inactive"
	PolicyTriggered PolicyStatus = "triggered"
	PolicyDisabled  PolicyStatus = "disabled"
)

// Condition is one threshold over the metrics window.
type Condition struct {
	Trigger       TriggerType
	Threshold     float64
	WindowSeconds int
	Severity      string
}

// Policy couples conditions with an action and rate limits.
type Policy struct {
	ID               string
	Name             string
	Status           PolicyStatus
	Conditions       []Condition
	Action           Action
	Priority         int
	CooldownSeconds  int
	MaxAbortsPerHour int
	AbortCount       int
	LastTriggered    time.Time
}

// DefaultFailureRatePolicy trips at a 50% failure rate over ten
// minutes and saves state before stopping.
func DefaultFailureRatePolicy() *Policy {
	return &Policy{
		ID:     "failure-rate-default",
		Name:   "failure_rate_guard",
		Status: PolicyActive,
		Conditions: []Condition{
			{Trigger: TriggerFailureRate, Threshold: 0.5, WindowSeconds: 600, Severity: "high"},
		},
		Action:           SaveStateAndStop,
		Priority:         10,
		CooldownSeconds:  600,
		MaxAbortsPerHour: 3,
	}
}

// Decision is the evaluator verdict for one policy.
type Decision struct {
	PolicyID  string
	Triggered bool
	Action    Action
	Reason    string
}

// ExecutionResult records one executed abort.
type ExecutionResult struct {
	ID         string
	PolicyID   string
	Action     Action
	Reason     string
	ExecutedAt time.Time
	Err        string
	RolledBack bool
}

// ActionFunc performs a symbolic action. The manager runs it under the
// policy lock.
type ActionFunc func(ctx context.Context, action Action, reason string) error

// Manager owns policies, evaluation and execution.
type Manager struct {
	log     *slog.Logger
	bus     events.Publisher
	metrics *MetricsWindow
	execute ActionFunc

	mu       sync.Mutex
	policies map[string]*Policy
	locks    map[string]*sync.Mutex
	history  []ExecutionResult
}

func NewManager(metrics *MetricsWindow, execute ActionFunc, bus events.Publisher, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetricsWindow(time.Hour)
	}
	return &Manager{
		log:      log,
		bus:      bus,
		metrics:  metrics,
		execute:  execute,
		policies: make(map[string]*Policy),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Metrics exposes the rolling window for producers to feed.
func (m *Manager) Metrics() *MetricsWindow { return m.metrics }

// AddPolicy registers a policy.
func (m *Manager) AddPolicy(p *Policy) error {
	if p.ID == "" || p.Action == "" {
		return fmt.Errorf("abort: policy needs id and action")
	}
	if p.Status == "" {
		p.Status = PolicyActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.policies[p.ID]; dup {
		return fmt.Errorf("abort: policy %q already registered", p.ID)
	}
	m.policies[p.ID] = p
	m.locks[p.ID] = &sync.Mutex{}
	return nil
}

// Evaluate checks every active policy against the metrics window and
// executes those that trip.
func (m *Manager) Evaluate(ctx context.Context) []Decision {
	m.mu.Lock()
	active := make([]*Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if p.Status == PolicyActive || p.Status == PolicyTriggered {
			active = append(active, p)
		}
	}
	m.mu.Unlock()

	var decisions []Decision
	for _, p := range active {
		d := m.evaluatePolicy(p)
		decisions = append(decisions, d)
		if d.Triggered {
			if err := m.Execute(ctx, p.ID, d.Reason, false); err != nil {
				m.log.Debug("abort: execution suppressed", "policy", p.ID, "reason", err)
			}
		}
	}
	return decisions
}

func (m *Manager) evaluatePolicy(p *Policy) Decision {
	for _, c := range p.Conditions {
		window := time.Duration(c.WindowSeconds) * time.Second
		var value float64
		switch c.Trigger {
		case TriggerFailureRate:
			value = m.metrics.FailureRate(window)
		case TriggerErrorThreshold, TriggerCriticalError:
			value = float64(m.metrics.ErrorCount(window))
		case TriggerResourceExhaustion:
			value = m.metrics.ResourcePressure()
		case TriggerTimeout:
			value = m.metrics.FailureRate(window)
		case TriggerManual:
			continue
		}
		if value >= c.Threshold {
			return Decision{
				PolicyID:  p.ID,
				Triggered: true,
				Action:    p.Action,
				Reason: fmt.Sprintf("%s %.2f >= %.2f over %ds",
					c.Trigger, value, c.Threshold, c.WindowSeconds),
			}
		}
	}
	return Decision{PolicyID: p.ID, Action: p.Action}
}

// TriggerManual fires a policy without threshold checks. Cooldown and
// the hourly cap still apply.
func (m *Manager) TriggerManual(ctx context.Context, policyID, reason string) error {
	return m.Execute(ctx, policyID, "manual: "+reason, true)
}

// Execute runs the policy's action under the per-policy lock,
// enforcing cooldown and the hourly cap.
func (m *Manager) Execute(ctx context.Context, policyID, reason string, manual bool) error {
	m.mu.Lock()
	p, ok := m.policies[policyID]
	lock := m.locks[policyID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("abort: unknown policy %q", policyID)
	}
	if p.Status == PolicyDisabled || p.Status == PolicyInactive {
		return fmt.Errorf("abort: policy %q is %s", policyID, p.Status)
	}

	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	if p.CooldownSeconds > 0 && !p.LastTriggered.IsZero() {
		until := p.LastTriggered.Add(time.Duration(p.CooldownSeconds) * time.Second)
		if now.Before(until) {
			return fmt.Errorf("abort: policy %q in cooldown until %s", policyID, until.Format(time.RFC3339))
		}
	}
	if p.MaxAbortsPerHour > 0 && m.executionsInHour(policyID) >= p.MaxAbortsPerHour {
		return fmt.Errorf("abort: policy %q reached hourly cap %d", policyID, p.MaxAbortsPerHour)
	}

	result := ExecutionResult{
		ID:         uuid.NewString(),
		PolicyID:   policyID,
		Action:     p.Action,
		Reason:     reason,
		ExecutedAt: now,
	}
	var execErr error
	if m.execute != nil {
		execErr = m.execute(ctx, p.Action, reason)
	}
	if execErr != nil {
		result.Err = execErr.Error()
	}

	m.mu.Lock()
	p.Status = PolicyTriggered
	p.AbortCount++
	p.LastTriggered = now
	m.history = append(m.history, result)
	m.mu.Unlock()

	m.publishAbort(ctx, p, reason, result)
	m.log.Error("abort: policy executed",
		"policy", p.Name, "action", p.Action, "reason", reason, "manual", manual)
	return execErr
}

// RollbackLast reverts the most recent execution of the policy.
// Rolling back a Rollback is refused.
func (m *Manager) RollbackLast(ctx context.Context, policyID string) error {
	m.mu.Lock()
	lock, ok := m.locks[policyID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("abort: unknown policy %q", policyID)
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	var last *ExecutionResult
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].PolicyID == policyID && !m.history[i].RolledBack {
			last = &m.history[i]
			break
		}
	}
	m.mu.Unlock()

	if last == nil {
		return fmt.Errorf("abort: nothing to roll back for %q", policyID)
	}
	if last.Action == Rollback {
		return fmt.Errorf("abort: refusing to roll back a rollback")
	}

	var execErr error
	if m.execute != nil {
		execErr = m.execute(ctx, Rollback, "rollback of "+last.ID)
	}
	if execErr != nil {
		return fmt.Errorf("abort: rollback: %w", execErr)
	}

	m.mu.Lock()
	last.RolledBack = true
	if p, ok := m.policies[policyID]; ok && p.Status == PolicyTriggered {
		p.Status = PolicyActive
	}
	m.mu.Unlock()
	m.log.Warn("abort: execution rolled back", "policy", policyID, "execution", last.ID)
	return nil
}

// History returns a copy of recorded executions.
func (m *Manager) History() []ExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionResult(nil), m.history...)
}

// RunLoop evaluates policies on a cadence until ctx is cancelled.
func (m *Manager) RunLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// executionsInHour assumes the policy lock held for its policy.
func (m *Manager) executionsInHour(policyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Hour)
	n := 0
	for _, r := range m.history {
		if r.PolicyID == policyID && r.ExecutedAt.After(cutoff) {
			n++
		}
	}
	return n
}

func (m *Manager) publishAbort(ctx context.Context, p *Policy, reason string, result ExecutionResult) {
	if m.bus == nil {
		return
	}
	_, corrID := kit.EnsureCorrelation(ctx)
	m.bus.Publish(ctx, events.Event{
		Kind:          events.AbortEvent,
		Severity:      events.SeverityCritical,
		CorrelationID: corrID,
		JobID:         kit.GetJobID(ctx),
		Component:     "abort",
		Detail: map[string]any{
			"policy":       p.Name,
			"action":       string(p.Action),
			"reason":       reason,
			"execution_id": result.ID,
		},
	})
}
