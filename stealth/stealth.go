// Package stealth prepares a browser context for scraping: coherent
// fingerprint, proxy binding, anti-detection script, consent handling,
// and human-paced interaction. Subsystems can be disabled one by one,
// and with graceful degradation a failing subsystem logs a warning
// instead of failing the whole preparation.
package stealth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/oddswatch/behavior"
	"github.com/hazyhaar/oddswatch/consent"
	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/fingerprint"
	"github.com/hazyhaar/oddswatch/mask"
	"github.com/hazyhaar/oddswatch/proxy"
)

// Config enables and tunes the subsystems.
type Config struct {
	Enabled                bool                    `yaml:"enabled"`
	FingerprintConsistency fingerprint.Consistency `yaml:"fingerprint_consistency"`
	ProxyEnabled           bool                    `yaml:"proxy_enabled"`
	BehaviorIntensity      behavior.Intensity      `yaml:"behavior_intensity"`
	ConsentTimeoutSeconds  int                     `yaml:"consent_timeout_seconds"`
	Mask                   mask.Config             `yaml:"mask"`
	GracefulDegradation    bool                    `yaml:"graceful_degradation"`
}

func (c *Config) defaults() {
	if c.FingerprintConsistency == "" {
		c.FingerprintConsistency = fingerprint.Moderate
	}
	if c.BehaviorIntensity == "" {
		c.BehaviorIntensity = behavior.Moderate
	}
	if c.ConsentTimeoutSeconds <= 0 {
		c.ConsentTimeoutSeconds = 5
	}
}

// Bundle is the stealth state installed on one browser context. It is
// owned by the orchestrator that prepared it.
type Bundle struct {
	Fingerprint *fingerprint.Fingerprint
	Session     *proxy.Session
	Degraded    []string // subsystems that failed but were skipped
}

// Orchestrator wires the subsystems in order. Proxy manager and
// consent handler may be nil when the matching config flag is off.
type Orchestrator struct {
	cfg      Config
	fpgen    *fingerprint.Generator
	proxies  *proxy.Manager
	consents *consent.Handler
	emulator *behavior.Emulator
	log      *slog.Logger
}

func NewOrchestrator(cfg Config, fpgen *fingerprint.Generator, proxies *proxy.Manager,
	consents *consent.Handler, log *slog.Logger) *Orchestrator {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		fpgen:    fpgen,
		proxies:  proxies,
		consents: consents,
		emulator: behavior.NewEmulator(behavior.ProfileFor(cfg.BehaviorIntensity)),
		log:      log,
	}
}

// Behavior exposes the paced-interaction emulator to callers.
func (o *Orchestrator) Behavior() *behavior.Emulator { return o.emulator }

// Prepare applies fingerprint, proxy, masking and consent arming to a
// fresh page, in that order. With graceful degradation a subsystem
// failure is recorded on the bundle and the rest still applies.
func (o *Orchestrator) Prepare(ctx context.Context, page driver.Page, matchID string) (*Bundle, error) {
	bundle := &Bundle{}
	if !o.cfg.Enabled {
		return bundle, nil
	}

	step := func(name string, fn func() error) error {
		if err := fn(); err != nil {
			if !o.cfg.GracefulDegradation {
				return fmt.Errorf("stealth: %s: %w", name, err)
			}
			o.log.Warn("stealth: subsystem skipped", "subsystem", name, "error", err)
			bundle.Degraded = append(bundle.Degraded, name)
		}
		return nil
	}

	if o.fpgen != nil {
		if err := step("fingerprint", func() error {
			return o.applyFingerprint(ctx, page, matchID, bundle)
		}); err != nil {
			return nil, err
		}
	}

	if o.cfg.ProxyEnabled && o.proxies != nil {
		if err := step("proxy", func() error {
			return o.applyProxy(ctx, page, matchID, bundle)
		}); err != nil {
			return nil, err
		}
	}

	if err := step("mask", func() error {
		return page.AddInitScript(ctx, mask.Script(o.cfg.Mask, bundle.Fingerprint))
	}); err != nil {
		return nil, err
	}

	// Consent arming is passive: patterns are registered on the
	// handler; AcceptConsent runs them after navigation.
	return bundle, nil
}

// AcceptConsent dismisses any consent dialog on the current page.
// Call after navigation completes.
func (o *Orchestrator) AcceptConsent(ctx context.Context, page driver.Page) (consent.Result, error) {
	if o.consents == nil {
		return consent.Result{}, nil
	}
	timeout := time.Duration(o.cfg.ConsentTimeoutSeconds) * time.Second
	res, err := o.consents.DetectAndAccept(ctx, page, timeout)
	if err != nil && o.cfg.GracefulDegradation {
		o.log.Warn("stealth: consent handling failed", "error", err)
		return res, nil
	}
	return res, err
}

// Release retires the bundle's proxy session.
func (o *Orchestrator) Release(bundle *Bundle) {
	if bundle == nil || bundle.Session == nil || o.proxies == nil {
		return
	}
	o.proxies.RetireSession(bundle.Session.SessionID)
}

func (o *Orchestrator) applyFingerprint(ctx context.Context, page driver.Page, sessionKey string, bundle *Bundle) error {
	fp := o.fpgen.Generate(sessionKey)
	bundle.Fingerprint = fp

	payload, err := json.Marshal(map[string]any{
		"userAgent":  fp.UserAgent,
		"platform":   fp.Platform,
		"language":   fp.Language,
		"languages":  []string{fp.Language},
		"tzOffset":   fp.TimezoneOffsetMinutes,
		"screenW":    fp.ScreenW,
		"screenH":    fp.ScreenH,
		"colorDepth": fp.ColorDepth,
		"pixelRatio": fp.DevicePixelRatio,
	})
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	script := fmt.Sprintf(`
(() => {
  const p = %s;
  const def = (obj, key, value) => {
    try {
      Object.defineProperty(obj, key, { get: () => value, configurable: true });
    } catch (e) {}
  };
  def(navigator, 'language', p.language);
  def(navigator, 'languages', p.languages);
  def(screen, 'width', p.screenW);
  def(screen, 'height', p.screenH);
  def(screen, 'colorDepth', p.colorDepth);
  def(window, 'devicePixelRatio', p.pixelRatio);
  Date.prototype.getTimezoneOffset = function () { return -p.tzOffset; };
})();`, payload)

	return page.AddInitScript(ctx, script)
}

func (o *Orchestrator) applyProxy(ctx context.Context, page driver.Page, matchID string, bundle *Bundle) error {
	session, err := o.proxies.GetNextSession(matchID, nil)
	if err != nil {
		return err
	}
	bundle.Session = session
	return page.SetProxy(ctx, session.ProxyURL, "", "")
}
