// Package tabs runs a caller-supplied processing function over a set
// of tab descriptors under a concurrency bound, retrying transient
// failures and snapshotting permanent ones.
package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/failure"
	"github.com/hazyhaar/oddswatch/idgen"
	"github.com/hazyhaar/oddswatch/selector"
	"github.com/hazyhaar/oddswatch/snapshot"
)

// Status of one tab after processing.
type Status string

const (
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Tab is one unit of work: a tab context plus the page it lives on.
type Tab struct {
	Context selector.TabContext
	Page    driver.Page
	URL     string
}

// ProcessFunc does the actual per-tab work.
type ProcessFunc func(ctx context.Context, tab Tab) error

// Report aggregates a run.
type Report struct {
	Processed int
	Failed    int
	Skipped   int
	Statuses  map[string]Status // by tab id
	Errors    map[string]string // last error per failed tab
}

// Config tunes the handler.
type Config struct {
	// Concurrency bounds parallel tabs. Default: 5.
	Concurrency int64
	// MaxRetries per transient failure. Default: 2.
	MaxRetries int
	// RetryBase scales the linear backoff: sleep = RetryBase * retry
	// count. Default: 1s.
	RetryBase time.Duration
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handler processes tab batches. Snapshots may be nil.
type Handler struct {
	cfg       Config
	snapshots *snapshot.Store
	sem       *semaphore.Weighted
}

func NewHandler(cfg Config, snapshots *snapshot.Store) *Handler {
	cfg.defaults()
	return &Handler{
		cfg:       cfg,
		snapshots: snapshots,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
	}
}

// Process runs fn over every tab, at most Concurrency at a time.
// Transient failures retry with linear backoff; permanent ones are
// snapshotted and marked failed; the rest are skipped.
func (h *Handler) Process(ctx context.Context, tabList []Tab, fn ProcessFunc) *Report {
	report := &Report{
		Statuses: make(map[string]Status, len(tabList)),
		Errors:   make(map[string]string),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, tab := range tabList {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			report.Skipped++
			report.Statuses[tab.Context.TabID] = StatusSkipped
			report.Errors[tab.Context.TabID] = "cancelled"
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(tab Tab) {
			defer wg.Done()
			defer h.sem.Release(1)

			status, errMsg := h.processOne(ctx, tab, fn)
			mu.Lock()
			report.Statuses[tab.Context.TabID] = status
			switch status {
			case StatusDone:
				report.Processed++
			case StatusFailed:
				report.Failed++
				report.Errors[tab.Context.TabID] = errMsg
			case StatusSkipped:
				report.Skipped++
				if errMsg != "" {
					report.Errors[tab.Context.TabID] = errMsg
				}
			}
			mu.Unlock()
		}(tab)
	}
	wg.Wait()
	return report
}

func (h *Handler) processOne(ctx context.Context, tab Tab, fn ProcessFunc) (Status, string) {
	var lastErr error
	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return StatusSkipped, "cancelled"
		}

		err := fn(ctx, tab)
		if err == nil {
			return StatusDone, ""
		}
		lastErr = err
		cls := failure.Classify(err)

		switch {
		case cls.Transient() && retry < h.cfg.MaxRetries:
			delay := h.cfg.RetryBase * time.Duration(retry+1)
			h.cfg.Logger.Debug("tabs: transient failure, retrying",
				"tab", tab.Context.TabID, "retry", retry+1, "delay", delay, "error", err)
			if serr := sleep(ctx, delay); serr != nil {
				return StatusSkipped, "cancelled"
			}

		case !cls.Transient() && cls.Severity != failure.SeverityLow:
			h.captureFailure(ctx, tab, lastErr)
			h.cfg.Logger.Warn("tabs: permanent failure",
				"tab", tab.Context.TabID, "category", cls.Category, "error", err)
			return StatusFailed, lastErr.Error()

		default:
			h.cfg.Logger.Debug("tabs: skipping tab",
				"tab", tab.Context.TabID, "category", cls.Category, "error", err)
			return StatusSkipped, lastErr.Error()
		}
	}
}

func (h *Handler) captureFailure(ctx context.Context, tab Tab, cause error) {
	if h.snapshots == nil || tab.Page == nil {
		return
	}
	capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	dom, err := tab.Page.Content(capCtx)
	if err != nil {
		h.cfg.Logger.Warn("tabs: snapshot content failed", "tab", tab.Context.TabID, "error", err)
		return
	}
	name := fmt.Sprintf("tab_%s", tab.Context.TabID)
	_, err = h.snapshots.Write(capCtx, &snapshot.Snapshot{
		ID:           idgen.FailureSnapshot(name),
		SelectorName: name,
		SnapshotType: snapshot.TypeFailure,
		DOMContent:   dom,
		Metadata: snapshot.Metadata{
			PageURL:       tab.URL,
			TabContext:    tab.Context.TabID,
			FailureReason: cause.Error(),
		},
	})
	if err != nil {
		h.cfg.Logger.Warn("tabs: snapshot write failed", "tab", tab.Context.TabID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
