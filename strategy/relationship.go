package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/oddswatch/driver"
	"github.com/hazyhaar/oddswatch/selector"
)

// DOMRelationship navigates from a reliable parent selector via a
// child / descendant / sibling step. Confidence decays with path depth
// and with positional (:nth-child) segments.
type DOMRelationship struct{}

func (d *DOMRelationship) Type() selector.StrategyType { return selector.StrategyDOMRelationship }

func (d *DOMRelationship) Attempt(ctx context.Context, page driver.Page, spec selector.StrategySpec, scope string) (*Outcome, error) {
	cfg := spec.DOMRelationship
	if cfg == nil {
		return nil, fmt.Errorf("strategy: dom_relationship config missing")
	}

	parent, err := page.QuerySelector(ctx, cfg.ParentSelector, scope)
	if err != nil {
		return nil, fmt.Errorf("strategy: dom_relationship parent query: %w", err)
	}
	if parent == nil {
		return nil, ErrNoMatch
	}

	var target driver.Element
	switch cfg.Relationship {
	case selector.RelChild:
		children, cerr := parent.Children(ctx)
		if cerr != nil {
			return nil, fmt.Errorf("strategy: dom_relationship children: %w", cerr)
		}
		if cfg.Index < 0 || cfg.Index >= len(children) {
			return nil, ErrNoMatch
		}
		target = children[cfg.Index]

	case selector.RelDescendant:
		kind := cfg.Kind
		if kind == "" {
			kind = "*"
		}
		target, err = descendantOfKind(ctx, parent, kind)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, ErrNoMatch
		}

	case selector.RelSibling:
		grandparent, perr := parent.Parent(ctx)
		if perr != nil || grandparent == nil {
			return nil, ErrNoMatch
		}
		siblings, serr := grandparent.Children(ctx)
		if serr != nil {
			return nil, fmt.Errorf("strategy: dom_relationship siblings: %w", serr)
		}
		pos := -1
		pInfo, _ := parent.Path(ctx)
		for i, sib := range siblings {
			sPath, _ := sib.Path(ctx)
			if sPath == pInfo {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, ErrNoMatch
		}
		want := pos + 1 + cfg.Index
		if want < 0 || want >= len(siblings) {
			return nil, ErrNoMatch
		}
		target = siblings[want]

	default:
		return nil, fmt.Errorf("strategy: unknown relationship %q", cfg.Relationship)
	}

	info, ierr := elementInfo(ctx, target)
	if ierr != nil {
		return nil, ierr
	}
	return &Outcome{Element: target, Info: info, Quality: relationshipQuality(info.Path)}, nil
}

// descendantOfKind returns the first descendant matching the tag,
// depth-first in document order.
func descendantOfKind(ctx context.Context, root driver.Element, kind string) (driver.Element, error) {
	children, err := root.Children(ctx)
	if err != nil {
		return nil, fmt.Errorf("strategy: dom_relationship descend: %w", err)
	}
	for _, c := range children {
		tag, terr := c.TagName(ctx)
		if terr == nil && (kind == "*" || strings.EqualFold(tag, kind)) {
			return c, nil
		}
		found, derr := descendantOfKind(ctx, c, kind)
		if derr != nil {
			return nil, derr
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// relationshipQuality starts at 0.9 and decays with depth beyond 3
// segments and with each positional segment.
func relationshipQuality(path string) float64 {
	q := 0.9
	depth := len(strings.Split(path, ">"))
	if depth > 3 {
		q -= 0.02 * float64(depth-3)
	}
	q -= 0.05 * float64(strings.Count(path, ":nth-child"))
	if q < 0.1 {
		q = 0.1
	}
	return q
}
