// Package progress tracks per-job milestones with weighted percent
// accounting and an in-memory snapshot ring for resume points.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// State of a tracked job.
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Milestone is one weighted unit of work.
type Milestone struct {
	ID           string
	Name         string
	TargetValue  float64
	CurrentValue float64
	Weight       float64
	Completed    bool
	CompletedAt  time.Time
	Metadata     map[string]any
}

// percent of one milestone, clamped to its target.
func (m *Milestone) percent() float64 {
	if m.TargetValue <= 0 {
		if m.Completed {
			return 100
		}
		return 0
	}
	p := 100 * m.CurrentValue / m.TargetValue
	if p > 100 {
		p = 100
	}
	return p
}

// Snapshot is one resume point.
type Snapshot struct {
	TakenAt    time.Time
	State      State
	Percent    float64
	Milestones []Milestone
	Detail     map[string]any
}

// RingOptions bound the snapshot ring by count and age.
type RingOptions struct {
	MaxCount int           // default 50
	MaxAge   time.Duration // default 1h
}

func (o *RingOptions) defaults() {
	if o.MaxCount <= 0 {
		o.MaxCount = 50
	}
	if o.MaxAge <= 0 {
		o.MaxAge = time.Hour
	}
}

// Tracker follows one job.
type Tracker struct {
	jobID string
	ring  RingOptions

	mu         sync.Mutex
	state      State
	milestones []*Milestone
	order      map[string]int
	startedAt  time.Time
	endedAt    time.Time
	pausedAt   time.Time
	pausedFor  time.Duration
	snapshots  []Snapshot
}

func NewTracker(jobID string, ring RingOptions) *Tracker {
	ring.defaults()
	return &Tracker{
		jobID: jobID,
		ring:  ring,
		state: StateNotStarted,
		order: make(map[string]int),
	}
}

// AddMilestone registers a milestone. Duplicate ids are rejected.
func (t *Tracker) AddMilestone(id, name string, target, weight float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.order[id]; dup {
		return fmt.Errorf("progress: milestone %q already registered", id)
	}
	if weight <= 0 {
		weight = 1
	}
	t.order[id] = len(t.milestones)
	t.milestones = append(t.milestones, &Milestone{
		ID: id, Name: name, TargetValue: target, Weight: weight,
	})
	return nil
}

// Start moves the job to InProgress.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateNotStarted {
		t.state = StateInProgress
		t.startedAt = time.Now()
	}
}

// Advance adds delta to a milestone's current value, marking it
// complete at target.
func (t *Tracker) Advance(id string, delta float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.order[id]
	if !ok {
		return fmt.Errorf("progress: unknown milestone %q", id)
	}
	m := t.milestones[idx]
	m.CurrentValue += delta
	if m.CurrentValue >= m.TargetValue && !m.Completed {
		m.Completed = true
		m.CompletedAt = time.Now()
	}
	return nil
}

// Percent is the weighted overall progress in [0, 100].
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentLocked()
}

func (t *Tracker) percentLocked() float64 {
	var sum, weights float64
	for _, m := range t.milestones {
		sum += m.percent() * m.Weight
		weights += m.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// Pause and Resume account paused time out of the elapsed total.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateInProgress {
		t.state = StatePaused
		t.pausedAt = time.Now()
	}
}

func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePaused {
		t.pausedFor += time.Since(t.pausedAt)
		t.state = StateInProgress
	}
}

// Finish closes the job in a terminal state.
func (t *Tracker) Finish(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		t.state = state
		t.endedAt = time.Now()
	}
}

// State returns the current job state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Elapsed is wall time minus paused time.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	end := t.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	paused := t.pausedFor
	if t.state == StatePaused {
		paused += time.Since(t.pausedAt)
	}
	return end.Sub(t.startedAt) - paused
}

// TakeSnapshot appends a resume point to the ring, evicting by count
// and age.
func (t *Tracker) TakeSnapshot(detail map[string]any) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := make([]Milestone, len(t.milestones))
	for i, m := range t.milestones {
		ms[i] = *m
	}
	snap := Snapshot{
		TakenAt:    time.Now(),
		State:      t.state,
		Percent:    t.percentLocked(),
		Milestones: ms,
		Detail:     detail,
	}
	t.snapshots = append(t.snapshots, snap)

	cutoff := time.Now().Add(-t.ring.MaxAge)
	kept := t.snapshots[:0]
	for _, s := range t.snapshots {
		if s.TakenAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.snapshots = kept
	if n := len(t.snapshots) - t.ring.MaxCount; n > 0 {
		t.snapshots = append([]Snapshot(nil), t.snapshots[n:]...)
	}
	return snap
}

// LatestSnapshot returns the newest resume point.
func (t *Tracker) LatestSnapshot() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.snapshots) == 0 {
		return Snapshot{}, false
	}
	return t.snapshots[len(t.snapshots)-1], true
}
