// Package events implements the in-process event bus: typed events
// fanned out to subscribers through per-subscription bounded queues.
package events

import "time"

// Kind enumerates event kinds published on the bus.
type Kind string

const (
	SelectorResolved Kind = "selector.resolved"
	SelectorFailed   Kind = "selector.failed"
	FailureEvent     Kind = "failure_event"
	RetryEvent       Kind = "retry_event"
	CheckpointEvent  Kind = "checkpoint_event"
	ResourceEvent    Kind = "resource_event"
	AbortEvent       Kind = "abort_event"
	RecoveryEvent    Kind = "recovery_event"
	StrategyPromoted Kind = "strategy.promoted"
	StrategyDemoted  Kind = "strategy.demoted"
	DriftDetected    Kind = "drift.detected"
	SnapshotCaptured Kind = "snapshot.captured"
	ConfigChanged    Kind = "configuration.changed"
)

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is a single bus message. Detail is a free-form map; keys are
// event-kind specific and documented at the publish site.
type Event struct {
	Kind          Kind           `json:"kind"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Severity      Severity       `json:"severity"`
	JobID         string         `json:"job_id,omitempty"`
	Component     string         `json:"component,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}
