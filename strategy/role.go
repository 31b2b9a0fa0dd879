package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/selector"
)

// implicitRoles maps tags to their implicit ARIA roles, so role-based
// lookup also finds semantic HTML without explicit role attributes.
var implicitRoles = map[string][]string{
	"button":   {"button"},
	"a":        {"link"},
	"nav":      {"navigation"},
	"main":     {"main"},
	"table":    {"table"},
	"th":       {"columnheader"},
	"header":   {"banner"},
	"footer":   {"contentinfo"},
	"h1":       {"heading"},
	"h2":       {"heading"},
	"h3":       {"heading"},
	"input":    {"textbox"},
	"select":   {"combobox"},
	"textarea": {"textbox"},
	"img":      {"img"},
	"ul":       {"list"},
	"ol":       {"list"},
	"li":       {"listitem"},
}

// RoleBased locates an element by ARIA role, optionally with an
// accessible name. Labelled elements score higher than bare-role ones.
type RoleBased struct{}

func (r *RoleBased) Type() selector.StrategyType { return selector.StrategyRoleBased }

func (r *RoleBased) Attempt(ctx context.Context, page driver.Page, spec selector.StrategySpec, scope string) (*Outcome, error) {
	cfg := spec.RoleBased
	if cfg == nil {
		return nil, fmt.Errorf("strategy: role_based config missing")
	}

	// Explicit role attribute first, then implicit roles by tag.
	queries := []string{fmt.Sprintf("[role=%s]", cfg.Role)}
	for tag, roles := range implicitRoles {
		for _, role := range roles {
			if role == cfg.Role {
				queries = append(queries, tag)
			}
		}
	}

	var best driver.Element
	var bestQuality float64
	for _, q := range queries {
		candidates, err := page.QuerySelectorAll(ctx, q, scope)
		if err != nil {
			return nil, fmt.Errorf("strategy: role_based query %q: %w", q, err)
		}
		for _, el := range candidates {
			quality, ok := r.rate(ctx, el, cfg)
			if !ok {
				continue
			}
			if quality > bestQuality {
				best, bestQuality = el, quality
			}
		}
	}

	if best == nil {
		return nil, ErrNoMatch
	}
	info, err := elementInfo(ctx, best)
	if err != nil {
		return nil, err
	}
	return &Outcome{Element: best, Info: info, Quality: bestQuality}, nil
}

// rate scores one candidate: base 0.8, +0.15 for an explicit
// labelling relation, +0.05 when the accessible name matches exactly.
// Candidates that fail the configured accessible name are rejected.
func (r *RoleBased) rate(ctx context.Context, el driver.Element, cfg *selector.RoleBasedConfig) (float64, bool) {
	label, hasLabel, _ := el.GetAttribute(ctx, "aria-label")
	_, hasLabelledBy, _ := el.GetAttribute(ctx, "aria-labelledby")

	name := label
	if name == "" {
		text, err := el.TextContent(ctx)
		if err == nil {
			name = normalizeText(strings.TrimSpace(text))
		}
	}

	if cfg.AccessibleName != "" && !strings.EqualFold(name, cfg.AccessibleName) {
		return 0, false
	}

	quality := 0.8
	if hasLabel || hasLabelledBy {
		quality += 0.15
	}
	if cfg.AccessibleName != "" && strings.EqualFold(name, cfg.AccessibleName) {
		quality += 0.05
	}
	if quality > 1 {
		quality = 1
	}
	return quality, true
}
