package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/selector"
)

// TextAnchor locates an element whose normalized text equals the
// configured anchor text, optionally restricted to descendants of a
// proximity selector. Exact matches score 1.0; substring-only matches
// are penalized.
type TextAnchor struct{}

func (t *TextAnchor) Type() selector.StrategyType { return selector.StrategyTextAnchor }

func (t *TextAnchor) Attempt(ctx context.Context, page driver.Page, spec selector.StrategySpec, scope string) (*Outcome, error) {
	cfg := spec.TextAnchor
	if cfg == nil {
		return nil, fmt.Errorf("strategy: text_anchor config missing")
	}

	searchScope := scope
	if cfg.ProximitySelector != "" {
		// A tab scope composes with the proximity selector as a
		// descendant chain.
		if searchScope != "" {
			searchScope = searchScope + " " + cfg.ProximitySelector
		} else {
			searchScope = cfg.ProximitySelector
		}
	}

	candidates, err := page.QuerySelectorAll(ctx, "*", searchScope)
	if err != nil {
		return nil, fmt.Errorf("strategy: text_anchor query: %w", err)
	}

	want := normalizeText(cfg.AnchorText)
	cmp := func(a, b string) bool { return strings.EqualFold(a, b) }
	contains := func(hay, needle string) bool {
		return strings.Contains(strings.ToLower(hay), strings.ToLower(needle))
	}
	if cfg.CaseSensitive {
		cmp = func(a, b string) bool { return a == b }
		contains = strings.Contains
	}

	var exact, partial driver.Element
	for _, el := range candidates {
		text, terr := el.TextContent(ctx)
		if terr != nil {
			continue
		}
		got := normalizeText(strings.TrimSpace(text))
		if got == "" {
			// Empty text after trim is a non-match.
			continue
		}
		if cmp(got, want) {
			// Prefer the deepest exact match: later candidates in
			// document order are descendants of earlier ones when
			// both carry the same text.
			exact = el
			continue
		}
		if partial == nil && contains(got, want) {
			partial = el
		}
	}

	switch {
	case exact != nil:
		info, ierr := elementInfo(ctx, exact)
		if ierr != nil {
			return nil, ierr
		}
		return &Outcome{Element: exact, Info: info, Quality: 1.0}, nil
	case partial != nil:
		info, ierr := elementInfo(ctx, partial)
		if ierr != nil {
			return nil, ierr
		}
		return &Outcome{Element: partial, Info: info, Quality: 0.7}, nil
	default:
		return nil, ErrNoMatch
	}
}
