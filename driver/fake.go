package driver

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"
)

// FakePage is an in-memory Page backed by a parsed HTML document. It
// exists so resolver, strategy, consent and stealth tests run against
// literal HTML without a browser.
type FakePage struct {
	mu   sync.Mutex
	doc  *html.Node
	url  string
	eval map[string]any // canned Evaluate results keyed by substring

	// Recorded effects, inspectable by tests.
	InitScripts []string
	Clicked     []string
	Scrolls     [][2]float64
	ProxyURL    string
	ProxyUser   string

	// OnClick, when set, runs after a Click is recorded so tests can
	// mutate the DOM (e.g. dismiss a consent dialog).
	OnClick func(css string)

	mouse *fakeMouse
}

// NewFakePage parses rawHTML into a fake page.
func NewFakePage(rawHTML, url string) (*FakePage, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("driver: parse fake html: %w", err)
	}
	return &FakePage{
		doc:   doc,
		url:   url,
		eval:  make(map[string]any),
		mouse: &fakeMouse{},
	}, nil
}

// MustFakePage is the test constructor.
func MustFakePage(t *testing.T, rawHTML string) *FakePage {
	t.Helper()
	p, err := NewFakePage(rawHTML, "https://example.test/match")
	if err != nil {
		t.Fatalf("driver: fake page: %v", err)
	}
	return p
}

// SetHTML replaces the document, simulating a page rewrite.
func (p *FakePage) SetHTML(rawHTML string) error {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return fmt.Errorf("driver: parse fake html: %w", err)
	}
	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()
	return nil
}

// StubEval registers a canned Evaluate result matched by substring of
// the submitted script.
func (p *FakePage) StubEval(substring string, result any) {
	p.mu.Lock()
	p.eval[substring] = result
	p.mu.Unlock()
}

// RemoveFirst deletes the first node matching css from the document.
func (p *FakePage) RemoveFirst(css string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.queryFirst(css, p.doc)
	if n == nil || n.Parent == nil {
		return false
	}
	n.Parent.RemoveChild(n)
	return true
}

func (p *FakePage) QuerySelector(ctx context.Context, css, scope string) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	root := p.doc
	if scope != "" {
		root = p.queryFirst(scope, p.doc)
		if root == nil {
			return nil, nil
		}
	}
	n := p.queryFirst(css, root)
	if n == nil {
		return nil, nil
	}
	return &fakeElement{node: n, page: p}, nil
}

func (p *FakePage) QuerySelectorAll(ctx context.Context, css, scope string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	root := p.doc
	if scope != "" {
		root = p.queryFirst(scope, p.doc)
		if root == nil {
			return nil, nil
		}
	}
	sels, err := parseSelectorList(css)
	if err != nil {
		return nil, err
	}
	var out []Element
	walk(root, func(n *html.Node) {
		for _, sel := range sels {
			if matchesCompound(n, sel, root) {
				out = append(out, &fakeElement{node: n, page: p})
				return
			}
		}
	})
	return out, nil
}

func (p *FakePage) Evaluate(ctx context.Context, js string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub, res := range p.eval {
		if strings.Contains(js, sub) {
			return res, nil
		}
	}
	return nil, nil
}

func (p *FakePage) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, p.doc); err != nil {
		return "", fmt.Errorf("driver: render fake html: %w", err)
	}
	return buf.String(), nil
}

func (p *FakePage) WaitForSelector(ctx context.Context, css string, state string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		n := p.queryFirst(css, p.doc)
		p.mu.Unlock()
		if n != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("driver: wait for %q: timeout", css)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return ctx.Err()
}

func (p *FakePage) Click(ctx context.Context, css string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	n := p.queryFirst(css, p.doc)
	p.mu.Unlock()
	if n == nil {
		return fmt.Errorf("driver: click %q: not found", css)
	}
	p.mu.Lock()
	p.Clicked = append(p.Clicked, css)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(css)
	}
	return nil
}

func (p *FakePage) ScrollBy(ctx context.Context, dx, dy float64) error {
	p.mu.Lock()
	p.Scrolls = append(p.Scrolls, [2]float64{dx, dy})
	p.mu.Unlock()
	return ctx.Err()
}

func (p *FakePage) AddInitScript(ctx context.Context, js string) error {
	p.mu.Lock()
	p.InitScripts = append(p.InitScripts, js)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *FakePage) SetProxy(ctx context.Context, url, user, pass string) error {
	p.mu.Lock()
	p.ProxyURL = url
	p.ProxyUser = user
	p.mu.Unlock()
	return ctx.Err()
}

func (p *FakePage) Mouse() Mouse { return p.mouse }

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FakePage) Close() error { return nil }

func (p *FakePage) queryFirst(css string, root *html.Node) *html.Node {
	sels, err := parseSelectorList(css)
	if err != nil {
		return nil
	}
	var found *html.Node
	walk(root, func(n *html.Node) {
		if found != nil {
			return
		}
		for _, sel := range sels {
			if matchesCompound(n, sel, root) {
				found = n
				return
			}
		}
	})
	return found
}

func walk(root *html.Node, fn func(*html.Node)) {
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode && n != root {
			fn(n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(root)
}

type fakeMouse struct {
	mu    sync.Mutex
	x, y  float64
	Moves int
}

func (m *fakeMouse) Move(ctx context.Context, x, y float64) error {
	m.mu.Lock()
	m.x, m.y = x, y
	m.Moves++
	m.mu.Unlock()
	return ctx.Err()
}

func (m *fakeMouse) Click(ctx context.Context, x, y float64) error {
	return m.Move(ctx, x, y)
}

func (m *fakeMouse) Position() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.x, m.y
}

type fakeElement struct {
	node *html.Node
	page *FakePage
}

func (e *fakeElement) TextContent(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(e.node)
	return buf.String(), nil
}

func (e *fakeElement) GetAttribute(ctx context.Context, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := lookupAttr(e.node, name)
	return v, ok, nil
}

func (e *fakeElement) Attributes(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(e.node.Attr))
	for _, a := range e.node.Attr {
		out[a.Key] = a.Val
	}
	return out, nil
}

func (e *fakeElement) TagName(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.node.Data, nil
}

// IsVisible reports false when the node or any ancestor carries the
// hidden attribute, display:none/visibility:hidden inline style, or
// aria-hidden="true".
func (e *fakeElement) IsVisible(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for n := e.node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if _, hidden := lookupAttr(n, "hidden"); hidden {
			return false, nil
		}
		if attrValue(n, "aria-hidden") == "true" {
			return false, nil
		}
		style := strings.ReplaceAll(attrValue(n, "style"), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false, nil
		}
	}
	return true, nil
}

func (e *fakeElement) IsEnabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, disabled := lookupAttr(e.node, "disabled")
	return !disabled, nil
}

func (e *fakeElement) Path(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var parts []string
	for n := e.node; n != nil && n.Type == html.ElementNode; n = parentElement(n, nil) {
		part := n.Data
		if id := attrValue(n, "id"); id != "" {
			part += "#" + id
		} else if cls := strings.Fields(attrValue(n, "class")); len(cls) > 0 {
			part += "." + cls[0]
		}
		if p := parentElement(n, nil); p != nil && countElementChildren(p) > 1 {
			part += fmt.Sprintf(":nth-child(%d)", elementIndex(n))
		}
		parts = append([]string{part}, parts...)
	}
	return strings.Join(parts, " > "), nil
}

func (e *fakeElement) Children(ctx context.Context) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Element
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, &fakeElement{node: c, page: e.page})
		}
	}
	return out, nil
}

func (e *fakeElement) Parent(ctx context.Context) (Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := parentElement(e.node, nil)
	if p == nil {
		return nil, nil
	}
	return &fakeElement{node: p, page: e.page}, nil
}

func countElementChildren(n *html.Node) int {
	c := 0
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == html.ElementNode {
			c++
		}
	}
	return c
}
