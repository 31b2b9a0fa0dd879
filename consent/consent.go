// Package consent detects and dismisses cookie and GDPR dialogs so
// they never occlude the elements a resolve is after.
package consent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/oddswatch/driver"
)

// Pattern describes one dialog family. Matching requires the dialog
// selector to resolve and, when heuristics are present, at least one
// keyword in the page text.
type Pattern struct {
	Name           string
	DialogSelector string
	AcceptButton   string
	TextHeuristics []string
}

// defaultBank covers the dialog families seen across the target sites.
var defaultBank = []Pattern{
	{
		Name:           "cookie_banner",
		DialogSelector: "#onetrust-banner-sdk, .cookie-banner, [class*=cookie-consent], #cookie-notice",
		AcceptButton:   "#onetrust-accept-btn-handler, .cookie-banner button, [class*=cookie-consent] button",
		TextHeuristics: []string{"cookie", "cookies"},
	},
	{
		Name:           "gdpr_modal",
		DialogSelector: ".qc-cmp2-container, [class*=gdpr], [id*=consent-modal]",
		AcceptButton:   ".qc-cmp2-summary-buttons button, [class*=gdpr] button[class*=accept]",
		TextHeuristics: []string{"consent", "gdpr", "privacy", "personal data"},
	},
	{
		Name:           "generic_modal",
		DialogSelector: "[role=dialog], .modal.show, .overlay-modal",
		AcceptButton:   "[role=dialog] button, .modal.show button",
		TextHeuristics: []string{"accept", "agree", "continue"},
	},
}

// Result reports what, if anything, was dismissed.
type Result struct {
	Detected  bool
	Pattern   string
	Dismissed bool
	Elapsed   time.Duration
}

// Handler races dialog detection against a per-call timeout. Custom
// patterns are checked before the default bank.
type Handler struct {
	log           *slog.Logger
	verifyDismiss bool

	mu     sync.RWMutex
	custom []Pattern
}

// Option configures a Handler.
type Option func(*Handler)

// WithoutDismissVerify skips re-querying the dialog after clicking
// accept.
func WithoutDismissVerify() Option {
	return func(h *Handler) { h.verifyDismiss = false }
}

func WithLogger(log *slog.Logger) Option { return func(h *Handler) { h.log = log } }

func NewHandler(opts ...Option) *Handler {
	h := &Handler{log: slog.Default(), verifyDismiss: true}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds a custom pattern ahead of the default bank.
func (h *Handler) Register(p Pattern) error {
	if p.Name == "" || p.DialogSelector == "" || p.AcceptButton == "" {
		return fmt.Errorf("consent: pattern needs name, dialog selector and accept button")
	}
	h.mu.Lock()
	h.custom = append(h.custom, p)
	h.mu.Unlock()
	return nil
}

func (h *Handler) patterns() []Pattern {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Pattern, 0, len(h.custom)+len(defaultBank))
	out = append(out, h.custom...)
	out = append(out, defaultBank...)
	return out
}

// DetectAndAccept scans for a known dialog within timeout, clicks its
// accept button and verifies dismissal. No dialog is a success with
// Detected=false.
func (h *Handler) DetectAndAccept(ctx context.Context, page driver.Page, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := Result{}

	pat, err := h.detect(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			// Timeout with nothing detected means no dialog.
			res.Elapsed = time.Since(start)
			return res, nil
		}
		return res, err
	}
	if pat == nil {
		res.Elapsed = time.Since(start)
		return res, nil
	}

	res.Detected = true
	res.Pattern = pat.Name
	h.log.Debug("consent: dialog detected", "pattern", pat.Name)

	if err := page.Click(ctx, pat.AcceptButton); err != nil {
		res.Elapsed = time.Since(start)
		return res, fmt.Errorf("consent: accept %s: %w", pat.Name, err)
	}

	if h.verifyDismiss {
		dismissed, verr := h.verifyGone(ctx, page, pat.DialogSelector)
		if verr != nil {
			res.Elapsed = time.Since(start)
			return res, verr
		}
		res.Dismissed = dismissed
		if !dismissed {
			h.log.Warn("consent: dialog still present after accept", "pattern", pat.Name)
		}
	} else {
		res.Dismissed = true
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

// detect polls the pattern banks until one matches or ctx expires.
func (h *Handler) detect(ctx context.Context, page driver.Page) (*Pattern, error) {
	for {
		for _, pat := range h.patterns() {
			el, err := page.QuerySelector(ctx, pat.DialogSelector, "")
			if err != nil || el == nil {
				continue
			}
			visible, _ := el.IsVisible(ctx)
			if !visible {
				continue
			}
			if len(pat.TextHeuristics) > 0 {
				matched, herr := h.heuristicsMatch(ctx, page, pat.TextHeuristics)
				if herr != nil {
					return nil, herr
				}
				if !matched {
					continue
				}
			}
			p := pat
			return &p, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (h *Handler) heuristicsMatch(ctx context.Context, page driver.Page, keywords []string) (bool, error) {
	content, err := page.Content(ctx)
	if err != nil {
		return false, fmt.Errorf("consent: page content: %w", err)
	}
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true, nil
		}
	}
	return false, nil
}

// verifyGone re-queries the dialog for up to a second after accept.
func (h *Handler) verifyGone(ctx context.Context, page driver.Page, selector string) (bool, error) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		el, err := page.QuerySelector(ctx, selector, "")
		if err != nil || el == nil {
			return true, nil
		}
		if visible, _ := el.IsVisible(ctx); !visible {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false, nil
}
