package failure

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

// Event is the persisted failure record carried on the bus detail map.
type Event struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	CorrelationID  string         `json:"correlation_id"`
	Severity       Severity       `json:"severity"`
	Category       Category       `json:"category"`
	Source         string         `json:"source"`
	Message        string         `json:"message"`
	Context        map[string]any `json:"context,omitempty"`
	Resolved       bool           `json:"resolved"`
	RecoveryAction Action         `json:"recovery_action,omitempty"`
	ResolutionTime time.Duration  `json:"resolution_time,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	Component      string         `json:"component,omitempty"`
	Operation      string         `json:"operation,omitempty"`
}

// RecoveryFunc attempts to recover from a classified failure. A nil
// return marks the failure resolved.
type RecoveryFunc func(ctx context.Context, ev *Event) error

// Handler classifies failures and runs the registered recovery
// strategy for the category.
type Handler struct {
	log *slog.Logger
	bus events.Publisher

	mu         sync.RWMutex
	strategies map[Category]RecoveryFunc
}

// NewHandler wires a handler with the default strategy table.
// RestartBrowser and Abort need collaborators the caller owns, so the
// defaults for those categories only suggest; register real ones with
// Register.
func NewHandler(bus events.Publisher, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:        log,
		bus:        bus,
		strategies: make(map[Category]RecoveryFunc),
	}
	h.Register(CategoryNetwork, retryWithBackoff(3, 500*time.Millisecond))
	h.Register(CategoryTimeout, retryWithBackoff(3, time.Second))
	h.Register(CategoryDatabase, retryWithBackoff(3, 250*time.Millisecond))
	h.Register(CategoryExternal, retryWithBackoff(5, time.Second))
	h.Register(CategoryApplication, skip())
	h.Register(CategoryValidation, skip())
	return h
}

// Register installs or replaces the recovery strategy for a category.
func (h *Handler) Register(cat Category, fn RecoveryFunc) {
	h.mu.Lock()
	h.strategies[cat] = fn
	h.mu.Unlock()
}

// Handle classifies err, emits a failure event, runs the category's
// recovery strategy if one exists, and emits a recovery event on
// success. The returned event records the outcome.
func (h *Handler) Handle(ctx context.Context, err error, source, component, operation string) *Event {
	cls := Classify(err)
	ctx, corrID := kit.EnsureCorrelation(ctx)

	ev := &Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		CorrelationID: corrID,
		Severity:      cls.Severity,
		Category:      cls.Category,
		Source:        source,
		Message:       err.Error(),
		JobID:         kit.GetJobID(ctx),
		Component:     component,
		Operation:     operation,
		Context:       map[string]any{"matched_pattern": cls.Matched, "suggested_action": string(cls.Action)},
	}

	h.publish(ctx, events.FailureEvent, busSeverity(cls.Severity), ev)
	h.log.Warn("failure: classified",
		"category", cls.Category, "severity", cls.Severity,
		"action", cls.Action, "source", source, "error", err)

	h.mu.RLock()
	strategy := h.strategies[cls.Category]
	h.mu.RUnlock()
	if strategy == nil {
		return ev
	}

	start := time.Now()
	if rerr := strategy(ctx, ev); rerr != nil {
		h.log.Error("failure: recovery failed",
			"category", cls.Category, "error", rerr)
		return ev
	}

	ev.Resolved = true
	ev.RecoveryAction = cls.Action
	ev.ResolutionTime = time.Since(start)
	h.publish(ctx, events.RecoveryEvent, events.SeverityLow, ev)
	return ev
}

func (h *Handler) publish(ctx context.Context, kind events.Kind, sev events.Severity, ev *Event) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(ctx, events.Event{
		Kind:          kind,
		Severity:      sev,
		CorrelationID: ev.CorrelationID,
		JobID:         ev.JobID,
		Component:     "failure",
		Detail: map[string]any{
			"failure_id": ev.ID,
			"category":   string(ev.Category),
			"source":     ev.Source,
			"message":    ev.Message,
			"resolved":   ev.Resolved,
		},
	})
}

func busSeverity(s Severity) events.Severity {
	switch s {
	case SeverityCritical:
		return events.SeverityCritical
	case SeverityHigh:
		return events.SeverityHigh
	case SeverityMedium:
		return events.SeverityMedium
	}
	return events.SeverityLow
}

// retryWithBackoff re-runs the operation recorded on the event context
// under "retry_op", doubling the delay each attempt.
func retryWithBackoff(maxAttempts int, base time.Duration) RecoveryFunc {
	return func(ctx context.Context, ev *Event) error {
		op, ok := ev.Context["retry_op"].(func(context.Context) error)
		if !ok {
			// Nothing to re-run; classification alone resolves it.
			return nil
		}
		delay := base
		var last error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if last = op(ctx); last == nil {
				ev.Context["retry_attempts"] = attempt
				return nil
			}
			delay *= 2
		}
		return fmt.Errorf("failure: %d retries exhausted: %w", maxAttempts, last)
	}
}

func skip() RecoveryFunc {
	return func(ctx context.Context, ev *Event) error {
		ev.Context["skipped"] = true
		return nil
	}
}
