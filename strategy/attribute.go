package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/selector"
)

// AttributeMatch locates an element whose attribute value matches a
// regex, optionally constrained by tag. Full matches beat partial
// matches and more specific attributes (id > data-* > class) score
// higher.
type AttributeMatch struct{}

func (a *AttributeMatch) Type() selector.StrategyType { return selector.StrategyAttributeMatch }

func (a *AttributeMatch) Attempt(ctx context.Context, page driver.Page, spec selector.StrategySpec, scope string) (*Outcome, error) {
	cfg := spec.AttributeMatch
	if cfg == nil {
		return nil, fmt.Errorf("strategy: attribute_match config missing")
	}

	re, err := regexp.Compile(cfg.ValuePattern)
	if err != nil {
		return nil, fmt.Errorf("strategy: attribute_match pattern: %w", err)
	}

	query := "[" + cfg.Attribute + "]"
	if cfg.Tag != "" {
		query = cfg.Tag + query
	}

	candidates, err := page.QuerySelectorAll(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("strategy: attribute_match query: %w", err)
	}

	var full, partial driver.Element
	for _, el := range candidates {
		val, ok, aerr := el.GetAttribute(ctx, cfg.Attribute)
		if aerr != nil || !ok {
			continue
		}
		if m := re.FindString(val); m != "" {
			if m == val {
				full = el
				break
			}
			if partial == nil {
				partial = el
			}
		}
	}

	el := full
	base := 1.0
	if el == nil {
		el = partial
		base = 0.75
	}
	if el == nil {
		return nil, ErrNoMatch
	}

	info, ierr := elementInfo(ctx, el)
	if ierr != nil {
		return nil, ierr
	}
	return &Outcome{Element: el, Info: info, Quality: base * attributeSpecificity(cfg.Attribute)}, nil
}

// attributeSpecificity rewards attributes that survive redesigns:
// id > data-* > class > anything else.
func attributeSpecificity(attr string) float64 {
	switch {
	case attr == "id":
		return 1.0
	case strings.HasPrefix(attr, "data-"):
		return 0.92
	case attr == "class":
		return 0.85
	default:
		return 0.8
	}
}
