// Package fingerprint generates coherent browser fingerprints. A
// fingerprint is coherent when its user agent, platform, timezone,
// language, plugins and screen metrics could plausibly come from one
// real machine; incoherent combinations are what detection vendors
// key on.
package fingerprint

import (
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

// Fingerprint is the profile installed on a browser context.
type Fingerprint struct {
	UserAgent             string   `json:"user_agent"`
	Browser               string   `json:"browser"`
	BrowserVersion        string   `json:"browser_version"`
	Platform              string   `json:"platform"`
	Language              string   `json:"language"`
	Timezone              string   `json:"timezone"`
	TimezoneOffsetMinutes int      `json:"timezone_offset_minutes"`
	ScreenW               int      `json:"screen_w"`
	ScreenH               int      `json:"screen_h"`
	ColorDepth            int      `json:"color_depth"`
	DevicePixelRatio      float64  `json:"device_pixel_ratio"`
	Plugins               []string `json:"plugins"`
	MediaDevices          int      `json:"media_devices"`
	Consistent            bool     `json:"consistent"`
}

// Consistency selects how strictly generated profiles track a single
// browser family.
type Consistency string

const (
	Strict   Consistency = "strict"
	Moderate Consistency = "moderate"
	Relaxed  Consistency = "relaxed"
)

type family struct {
	browser   string
	versions  []string
	platforms []string
	uaFormat  string
	plugins   []string
}

// canonicalPlugins per browser family. The coherence predicate
// requires the generated set to equal these exactly.
var families = []family{
	{
		browser:  "Chrome",
		versions: []string{"122.0.6261.94", "123.0.6312.86", "124.0.6367.60"},
		platforms: []string{
			"Windows NT 10.0; Win64; x64",
			"Macintosh; Intel Mac OS X 10_15_7",
			"X11; Linux x86_64",
		},
		uaFormat: "Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36",
		plugins:  []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer", "Microsoft Edge PDF Viewer", "WebKit built-in PDF"},
	},
	{
		browser:  "Firefox",
		versions: []string{"124.0", "125.0"},
		platforms: []string{
			"Windows NT 10.0; Win64; x64; rv:124.0",
			"Macintosh; Intel Mac OS X 10.15; rv:124.0",
			"X11; Linux x86_64; rv:124.0",
		},
		uaFormat: "Mozilla/5.0 (%s) Gecko/20100101 Firefox/%s",
		plugins:  []string{"PDF Viewer"},
	},
	{
		browser:   "Safari",
		versions:  []string{"17.3.1", "17.4"},
		platforms: []string{"Macintosh; Intel Mac OS X 10_15_7"},
		uaFormat:  "Mozilla/5.0 (%s) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15",
		plugins:   []string{"WebKit built-in PDF"},
	},
}

// locale couples a language tag with the timezones plausible for its
// region.
type locale struct {
	language  string
	timezones []string
	offsets   map[string]int
}

var locales = []locale{
	{
		language:  "en-US",
		timezones: []string{"America/New_York", "America/Chicago", "America/Los_Angeles"},
		offsets:   map[string]int{"America/New_York": -300, "America/Chicago": -360, "America/Los_Angeles": -480},
	},
	{
		language:  "en-GB",
		timezones: []string{"Europe/London"},
		offsets:   map[string]int{"Europe/London": 0},
	},
	{
		language:  "de-DE",
		timezones: []string{"Europe/Berlin"},
		offsets:   map[string]int{"Europe/Berlin": 60},
	},
	{
		language:  "fr-FR",
		timezones: []string{"Europe/Paris"},
		offsets:   map[string]int{"Europe/Paris": 60},
	},
	{
		language:  "es-ES",
		timezones: []string{"Europe/Madrid"},
		offsets:   map[string]int{"Europe/Madrid": 60},
	},
}

var screens = [][2]int{
	{1920, 1080}, {2560, 1440}, {1536, 864}, {1440, 900}, {1366, 768}, {3840, 2160},
}

var pixelRatios = []float64{1.0, 1.5, 2.0}
var colorDepths = []int{24, 32}

var langTagRe = regexp.MustCompile(`^[a-z]{2}-[A-Z]{2}$`)

// Generator produces fingerprints and optionally caches one per
// session so repeated requests within a session do not drift.
type Generator struct {
	consistency Consistency
	cacheOn     bool
	rng         *rand.Rand
	log         *slog.Logger

	mu    sync.Mutex
	cache map[string]*Fingerprint
}

// Option configures a Generator.
type Option func(*Generator)

// WithSessionCache reuses one fingerprint per session id.
func WithSessionCache() Option { return func(g *Generator) { g.cacheOn = true } }

// WithSeed makes generation deterministic for tests.
func WithSeed(seed int64) Option {
	return func(g *Generator) { g.rng = rand.New(rand.NewSource(seed)) }
}

func WithLogger(log *slog.Logger) Option { return func(g *Generator) { g.log = log } }

func NewGenerator(consistency Consistency, opts ...Option) *Generator {
	g := &Generator{
		consistency: consistency,
		rng:         rand.New(rand.NewSource(rand.Int63())),
		log:         slog.Default(),
		cache:       make(map[string]*Fingerprint),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate returns a coherent fingerprint for the session. Repeated
// incoherent draws fall back to a fixed safe profile rather than
// failing the resolve path.
func (g *Generator) Generate(sessionID string) *Fingerprint {
	if g.cacheOn && sessionID != "" {
		g.mu.Lock()
		if fp, ok := g.cache[sessionID]; ok {
			g.mu.Unlock()
			return fp
		}
		g.mu.Unlock()
	}

	var fp *Fingerprint
	for attempt := 0; attempt < 5; attempt++ {
		cand := g.draw()
		if Coherent(cand) {
			cand.Consistent = true
			fp = cand
			break
		}
	}
	if fp == nil {
		g.log.Warn("fingerprint: generation incoherent after retries, using fallback")
		fp = Fallback()
	}

	if g.cacheOn && sessionID != "" {
		g.mu.Lock()
		g.cache[sessionID] = fp
		g.mu.Unlock()
	}
	return fp
}

// Invalidate drops the cached fingerprint for a session.
func (g *Generator) Invalidate(sessionID string) {
	g.mu.Lock()
	delete(g.cache, sessionID)
	g.mu.Unlock()
}

func (g *Generator) draw() *Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	fam := families[g.rng.Intn(len(families))]
	if g.consistency == Strict {
		fam = families[0]
	}
	version := fam.versions[g.rng.Intn(len(fam.versions))]
	platform := fam.platforms[g.rng.Intn(len(fam.platforms))]
	loc := locales[g.rng.Intn(len(locales))]
	tz := loc.timezones[g.rng.Intn(len(loc.timezones))]
	screen := screens[g.rng.Intn(len(screens))]

	plugins := make([]string, len(fam.plugins))
	copy(plugins, fam.plugins)

	return &Fingerprint{
		UserAgent:             fmt.Sprintf(fam.uaFormat, platform, version),
		Browser:               fam.browser,
		BrowserVersion:        version,
		Platform:              platformName(platform),
		Language:              loc.language,
		Timezone:              tz,
		TimezoneOffsetMinutes: loc.offsets[tz],
		ScreenW:               screen[0],
		ScreenH:               screen[1],
		ColorDepth:            colorDepths[g.rng.Intn(len(colorDepths))],
		DevicePixelRatio:      pixelRatios[g.rng.Intn(len(pixelRatios))],
		Plugins:               plugins,
		MediaDevices:          1 + g.rng.Intn(3),
	}
}

func platformName(uaPlatform string) string {
	switch {
	case strings.Contains(uaPlatform, "Windows"):
		return "Windows"
	case strings.Contains(uaPlatform, "Mac OS X"):
		return "macOS"
	case strings.Contains(uaPlatform, "Linux"):
		return "Linux"
	}
	return "Unknown"
}

// Coherent is the coherence predicate. All eight clauses must hold.
func Coherent(fp *Fingerprint) bool {
	// 1. UA names the browser and platform.
	if !uaMentions(fp) {
		return false
	}
	// 2. Safari ships only on macOS.
	if fp.Browser == "Safari" && fp.Platform != "macOS" {
		return false
	}
	// 3. Timezone belongs to the language region.
	if !timezoneAllowed(fp.Language, fp.Timezone) {
		return false
	}
	// 4. Plugin set is canonical for the family.
	if !pluginsCanonical(fp) {
		return false
	}
	// 5. Screen within real-hardware bounds.
	if fp.ScreenW < 800 || fp.ScreenW > 7680 || fp.ScreenH < 600 || fp.ScreenH > 4320 {
		return false
	}
	// 6. Pixel ratio from the discrete set.
	if fp.DevicePixelRatio != 1.0 && fp.DevicePixelRatio != 1.5 && fp.DevicePixelRatio != 2.0 {
		return false
	}
	// 7. Color depth 24 or 32.
	if fp.ColorDepth != 24 && fp.ColorDepth != 32 {
		return false
	}
	// 8. Language tag shaped ll-RR.
	return langTagRe.MatchString(fp.Language)
}

func uaMentions(fp *Fingerprint) bool {
	ua := fp.UserAgent
	if !strings.Contains(ua, fp.Browser) && !(fp.Browser == "Safari" && strings.Contains(ua, "Safari")) {
		return false
	}
	switch fp.Platform {
	case "Windows":
		return strings.Contains(ua, "Windows")
	case "macOS":
		return strings.Contains(ua, "Mac OS X")
	case "Linux":
		return strings.Contains(ua, "Linux")
	}
	return false
}

func timezoneAllowed(language, tz string) bool {
	for _, loc := range locales {
		if loc.language != language {
			continue
		}
		for _, t := range loc.timezones {
			if t == tz {
				return true
			}
		}
	}
	return false
}

func pluginsCanonical(fp *Fingerprint) bool {
	for _, fam := range families {
		if fam.browser != fp.Browser {
			continue
		}
		if len(fam.plugins) != len(fp.Plugins) {
			return false
		}
		for i, p := range fam.plugins {
			if fp.Plugins[i] != p {
				return false
			}
		}
		return true
	}
	return false
}

// Fallback is the fixed safe profile used when generation keeps
// drawing incoherent combinations.
func Fallback() *Fingerprint {
	return &Fingerprint{
		UserAgent:             "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.6261.94 Safari/537.36",
		Browser:               "Chrome",
		BrowserVersion:        "122.0.6261.94",
		Platform:              "Windows",
		Language:              "en-US",
		Timezone:              "America/New_York",
		TimezoneOffsetMinutes: -300,
		ScreenW:               1920,
		ScreenH:               1080,
		ColorDepth:            24,
		DevicePixelRatio:      1.0,
		Plugins:               []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer", "Microsoft Edge PDF Viewer", "WebKit built-in PDF"},
		MediaDevices:          2,
		Consistent:            true,
	}
}
