package abort

import (
	"sync"
	"time"
)

// MetricsWindow is the rolling operational view the condition
// evaluator consumes: operation outcomes, error counts and resource
// pressure gauges, all pruned by age.
type MetricsWindow struct {
	mu       sync.Mutex
	ops      []opRecord
	errs     []time.Time
	pressure float64 // latest gauge in [0,1]
	maxAge   time.Duration
}

type opRecord struct {
	at time.Time
	ok bool
}

// NewMetricsWindow keeps records up to maxAge old. Default: 1h, which
// covers the widest policy window plus the hourly abort cap.
func NewMetricsWindow(maxAge time.Duration) *MetricsWindow {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &MetricsWindow{maxAge: maxAge}
}

// RecordOperation feeds one operation outcome.
func (w *MetricsWindow) RecordOperation(ok bool) {
	w.mu.Lock()
	w.ops = append(w.ops, opRecord{at: time.Now(), ok: ok})
	w.pruneLocked()
	w.mu.Unlock()
}

// RecordError feeds one error occurrence.
func (w *MetricsWindow) RecordError() {
	w.mu.Lock()
	w.errs = append(w.errs, time.Now())
	w.pruneLocked()
	w.mu.Unlock()
}

// SetResourcePressure updates the pressure gauge in [0,1].
func (w *MetricsWindow) SetResourcePressure(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	w.mu.Lock()
	w.pressure = p
	w.mu.Unlock()
}

// FailureRate over the trailing window. Zero operations yields 0.
func (w *MetricsWindow) FailureRate(window time.Duration) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-window)
	total, failed := 0, 0
	for _, op := range w.ops {
		if op.at.After(cutoff) {
			total++
			if !op.ok {
				failed++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// ErrorCount over the trailing window.
func (w *MetricsWindow) ErrorCount(window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-window)
	n := 0
	for _, at := range w.errs {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// ResourcePressure returns the latest gauge.
func (w *MetricsWindow) ResourcePressure() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pressure
}

// pruneLocked drops records past maxAge. Assumes w.mu held.
func (w *MetricsWindow) pruneLocked() {
	cutoff := time.Now().Add(-w.maxAge)
	ops := w.ops[:0]
	for _, op := range w.ops {
		if op.at.After(cutoff) {
			ops = append(ops, op)
		}
	}
	w.ops = ops
	errs := w.errs[:0]
	for _, at := range w.errs {
		if at.After(cutoff) {
			errs = append(errs, at)
		}
	}
	w.errs = errs
}
