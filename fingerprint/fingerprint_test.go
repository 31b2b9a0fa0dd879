package fingerprint

import (
	"strings"
	"testing"
)

func TestGenerateIsCoherent(t *testing.T) {
	g := NewGenerator(Moderate, WithSeed(1))
	for i := 0; i < 200; i++ {
		fp := g.Generate("")
		if !Coherent(fp) {
			t.Fatalf("draw %d incoherent: %+v", i, fp)
		}
		if !fp.Consistent {
			t.Fatalf("draw %d not flagged consistent", i)
		}
	}
}

func TestGenerateStrictPinsChrome(t *testing.T) {
	g := NewGenerator(Strict, WithSeed(7))
	for i := 0; i < 50; i++ {
		fp := g.Generate("")
		if fp.Browser != "Chrome" {
			t.Fatalf("strict mode drew %s", fp.Browser)
		}
		if !strings.Contains(fp.UserAgent, "Chrome/") {
			t.Fatalf("strict UA %q", fp.UserAgent)
		}
	}
}

func TestSessionCacheReusesFingerprint(t *testing.T) {
	g := NewGenerator(Moderate, WithSeed(3), WithSessionCache())

	a := g.Generate("sess_1")
	b := g.Generate("sess_1")
	if a != b {
		t.Fatal("same session should reuse the cached fingerprint")
	}

	g.Invalidate("sess_1")
	c := g.Generate("sess_1")
	if c == a {
		t.Fatal("invalidate should drop the cached fingerprint")
	}
}

func TestSessionCacheOffGeneratesFresh(t *testing.T) {
	g := NewGenerator(Moderate, WithSeed(3))
	if g.Generate("sess_1") == g.Generate("sess_1") {
		t.Fatal("without the cache each call should mint a new profile")
	}
}

func TestFallbackIsCoherent(t *testing.T) {
	fp := Fallback()
	if !Coherent(fp) {
		t.Fatalf("fallback profile must be coherent: %+v", fp)
	}
	if !fp.Consistent {
		t.Fatal("fallback must be flagged consistent")
	}
	if fp.Browser != "Chrome" || fp.Platform != "Windows" || fp.Language != "en-US" {
		t.Fatalf("fallback drifted: %+v", fp)
	}
	if fp.TimezoneOffsetMinutes != -300 {
		t.Fatalf("fallback timezone offset %d", fp.TimezoneOffsetMinutes)
	}
}

func TestCoherentRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Fingerprint)
	}{
		{"safari on windows", func(fp *Fingerprint) {
			fp.Browser = "Safari"
			fp.Platform = "Windows"
		}},
		{"ua platform mismatch", func(fp *Fingerprint) { fp.Platform = "Linux" }},
		{"timezone outside language region", func(fp *Fingerprint) { fp.Timezone = "Europe/Berlin" }},
		{"non-canonical plugins", func(fp *Fingerprint) { fp.Plugins = []string{"Flash"} }},
		{"implausible screen", func(fp *Fingerprint) { fp.ScreenW = 200 }},
		{"odd pixel ratio", func(fp *Fingerprint) { fp.DevicePixelRatio = 1.25 }},
		{"odd color depth", func(fp *Fingerprint) { fp.ColorDepth = 16 }},
		{"malformed language tag", func(fp *Fingerprint) { fp.Language = "english" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := Fallback()
			tc.mutate(fp)
			if Coherent(fp) {
				t.Fatalf("mutation should break coherence: %+v", fp)
			}
		})
	}
}

func TestTimezoneOffsetsMatchLocale(t *testing.T) {
	g := NewGenerator(Moderate, WithSeed(11))
	for i := 0; i < 100; i++ {
		fp := g.Generate("")
		for _, loc := range locales {
			if loc.language != fp.Language {
				continue
			}
			if want := loc.offsets[fp.Timezone]; fp.TimezoneOffsetMinutes != want {
				t.Fatalf("offset %d for %s/%s, want %d",
					fp.TimezoneOffsetMinutes, fp.Language, fp.Timezone, want)
			}
		}
	}
}
