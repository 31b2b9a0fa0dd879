// Package driver defines the narrow browser surface the resolver and
// stealth layers consume, with a go-rod implementation for production
// and an in-memory fake for tests. Everything above this package talks
// to these interfaces; nothing above it imports rod.
package driver

import (
	"context"
	"time"
)

// Page is one browser tab. Query scope strings are CSS expressions;
// an empty scope means the whole document.
type Page interface {
	// QuerySelector returns the first element matching css inside
	// scope, or nil when nothing matches.
	QuerySelector(ctx context.Context, css, scope string) (Element, error)

	// QuerySelectorAll returns every element matching css inside scope.
	QuerySelectorAll(ctx context.Context, css, scope string) ([]Element, error)

	// Evaluate runs js in the page and returns the JSON-decoded result.
	Evaluate(ctx context.Context, js string, args ...any) (any, error)

	// Content returns the full serialized DOM.
	Content(ctx context.Context) (string, error)

	// WaitForSelector blocks until css reaches state ("visible",
	// "attached") or the timeout elapses.
	WaitForSelector(ctx context.Context, css string, state string, timeout time.Duration) error

	// Navigate loads a URL and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// Click dispatches a click on the first element matching css.
	Click(ctx context.Context, css string) error

	// ScrollBy scrolls the viewport by (dx, dy) pixels.
	ScrollBy(ctx context.Context, dx, dy float64) error

	// AddInitScript installs js to run before any page script on every
	// future navigation. No effect on already-evaluated scripts.
	AddInitScript(ctx context.Context, js string) error

	// SetProxy binds upstream proxy credentials to this page's context.
	SetProxy(ctx context.Context, url, user, pass string) error

	// Mouse exposes raw pointer control for the behavior emulator.
	Mouse() Mouse

	// URL returns the page's current URL.
	URL() string

	// Close releases the tab.
	Close() error
}

// Mouse is raw pointer control.
type Mouse interface {
	Move(ctx context.Context, x, y float64) error
	Click(ctx context.Context, x, y float64) error
	Position() (x, y float64)
}

// Element is a handle on one DOM node.
type Element interface {
	TextContent(ctx context.Context) (string, error)
	GetAttribute(ctx context.Context, name string) (string, bool, error)
	Attributes(ctx context.Context) (map[string]string, error)
	TagName(ctx context.Context) (string, error)
	IsVisible(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)

	// Path returns a CSS-ish ancestor path for the node, used by the
	// position-stability heuristic (e.g. "div#main > div > span.odds").
	Path(ctx context.Context) (string, error)

	// Children returns direct element children in document order.
	Children(ctx context.Context) ([]Element, error)

	// Parent returns the parent element, or nil at the root.
	Parent(ctx context.Context) (Element, error)
}
