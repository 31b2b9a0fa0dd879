package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Browser wraps a rod browser connection. It launches a local Chrome
// unless a remote WebSocket URL is supplied.
type Browser struct {
	cfg    BrowserConfig
	mu     sync.Mutex
	rodB   *rod.Browser
	lnch   *launcher.Launcher
	logger *slog.Logger
}

// BrowserConfig configures the rod-backed browser.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headless toggles headless mode for locally launched Chrome.
	Headless bool

	Logger *slog.Logger
}

// NewBrowser creates a Browser. Call Connect before opening pages.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{cfg: cfg, logger: cfg.Logger}
}

// Connect launches or attaches to Chrome.
func (b *Browser) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(b.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("driver: launch: %w", err)
		}
		b.lnch = l
		wsURL = u
		b.logger.Info("driver: launched local chrome", "url", wsURL)
	} else {
		b.logger.Info("driver: connecting to remote chrome", "url", wsURL)
	}

	rb := rod.New().ControlURL(wsURL).Context(ctx)
	if err := rb.Connect(); err != nil {
		return fmt.Errorf("driver: connect: %w", err)
	}
	b.rodB = rb
	return nil
}

// NewPage opens a stealth tab. A non-empty proxyURL binds the page to
// a dedicated browser context routed through that proxy.
func (b *Browser) NewPage(ctx context.Context, proxyURL string) (Page, error) {
	b.mu.Lock()
	rb := b.rodB
	b.mu.Unlock()
	if rb == nil {
		return nil, fmt.Errorf("driver: browser not connected")
	}

	var page *rod.Page
	var err error

	if proxyURL != "" {
		res, cerr := proto.TargetCreateBrowserContext{ProxyServer: proxyURL}.Call(rb)
		if cerr != nil {
			return nil, fmt.Errorf("driver: create proxied context: %w", cerr)
		}
		target, terr := proto.TargetCreateTarget{
			URL:              "about:blank",
			BrowserContextID: res.BrowserContextID,
		}.Call(rb)
		if terr != nil {
			return nil, fmt.Errorf("driver: create target: %w", terr)
		}
		page, err = rb.PageFromTarget(target.TargetID)
	} else {
		page, err = stealth.Page(rb)
	}
	if err != nil {
		return nil, fmt.Errorf("driver: create page: %w", err)
	}

	return &rodPage{page: page, browser: rb, logger: b.logger}, nil
}

// Close shuts down Chrome.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rodB != nil {
		b.rodB.Close()
		b.rodB = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}

// HeapUsage reports the JS heap of the first open page, used by the
// browser health probes.
func (b *Browser) HeapUsage() (int64, error) {
	b.mu.Lock()
	rb := b.rodB
	b.mu.Unlock()
	if rb == nil {
		return 0, fmt.Errorf("driver: browser not connected")
	}
	pages, err := rb.Pages()
	if err != nil || len(pages) == 0 {
		return 0, fmt.Errorf("driver: no pages for heap check")
	}
	res, err := pages[0].Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
	if err != nil {
		return 0, err
	}
	return int64(res.Value.Int()), nil
}

// rodPage adapts *rod.Page to the Page interface.
type rodPage struct {
	page    *rod.Page
	browser *rod.Browser
	logger  *slog.Logger
	mouse   *rodMouse
	mouseMu sync.Mutex
}

func (p *rodPage) QuerySelector(ctx context.Context, css, scope string) (Element, error) {
	if scope != "" {
		root, err := p.page.Context(ctx).Element(scope)
		if err != nil {
			return nil, nil
		}
		el, err := root.Element(css)
		if err != nil {
			return nil, nil
		}
		return &rodElement{el: el}, nil
	}
	el, err := p.page.Context(ctx).Element(css)
	if err != nil {
		return nil, nil
	}
	return &rodElement{el: el}, nil
}

func (p *rodPage) QuerySelectorAll(ctx context.Context, css, scope string) ([]Element, error) {
	var els rod.Elements
	var err error
	if scope != "" {
		root, rerr := p.page.Context(ctx).Element(scope)
		if rerr != nil {
			return nil, nil
		}
		els, err = root.Elements(css)
	} else {
		els, err = p.page.Context(ctx).Elements(css)
	}
	if err != nil {
		return nil, fmt.Errorf("driver: query all %q: %w", css, err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (p *rodPage) Evaluate(ctx context.Context, js string, args ...any) (any, error) {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("driver: eval: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("driver: eval marshal: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("driver: eval decode: %w", err)
	}
	return v, nil
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("driver: content: %w", err)
	}
	return html, nil
}

func (p *rodPage) WaitForSelector(ctx context.Context, css string, state string, timeout time.Duration) error {
	pg := p.page.Context(ctx).Timeout(timeout)
	el, err := pg.Element(css)
	if err != nil {
		return fmt.Errorf("driver: wait for %q: %w", css, err)
	}
	if state == "visible" {
		if err := el.WaitVisible(); err != nil {
			return fmt.Errorf("driver: wait visible %q: %w", css, err)
		}
	}
	return nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("driver: navigate %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		p.logger.Warn("driver: wait load", "url", url, "error", err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, css string) error {
	el, err := p.page.Context(ctx).Element(css)
	if err != nil {
		return fmt.Errorf("driver: click %q: %w", css, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("driver: click %q: %w", css, err)
	}
	return nil
}

func (p *rodPage) ScrollBy(ctx context.Context, dx, dy float64) error {
	if err := p.page.Context(ctx).Mouse.Scroll(dx, dy, 1); err != nil {
		return fmt.Errorf("driver: scroll: %w", err)
	}
	return nil
}

func (p *rodPage) AddInitScript(ctx context.Context, js string) error {
	_, err := proto.PageAddScriptToEvaluateOnNewDocument{Source: js}.Call(p.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("driver: add init script: %w", err)
	}
	return nil
}

// SetProxy installs proxy authentication for the page's browser. The
// proxy server itself is bound when the page's browser context is
// created (NewPage with a proxy URL); only credentials apply here.
func (p *rodPage) SetProxy(ctx context.Context, url, user, pass string) error {
	if user == "" {
		return nil
	}
	go p.browser.HandleAuth(user, pass)()
	return nil
}

func (p *rodPage) Mouse() Mouse {
	p.mouseMu.Lock()
	defer p.mouseMu.Unlock()
	if p.mouse == nil {
		p.mouse = &rodMouse{page: p.page}
	}
	return p.mouse
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

type rodMouse struct {
	page *rod.Page
	mu   sync.Mutex
	x, y float64
}

func (m *rodMouse) Move(ctx context.Context, x, y float64) error {
	if err := m.page.Context(ctx).Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("driver: mouse move: %w", err)
	}
	m.mu.Lock()
	m.x, m.y = x, y
	m.mu.Unlock()
	return nil
}

func (m *rodMouse) Click(ctx context.Context, x, y float64) error {
	if err := m.Move(ctx, x, y); err != nil {
		return err
	}
	if err := m.page.Context(ctx).Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("driver: mouse click: %w", err)
	}
	return nil
}

func (m *rodMouse) Position() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.x, m.y
}

// rodElement adapts *rod.Element.
type rodElement struct {
	el *rod.Element
}

func (e *rodElement) TextContent(ctx context.Context) (string, error) {
	return e.el.Context(ctx).Text()
}

func (e *rodElement) GetAttribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, fmt.Errorf("driver: attribute %q: %w", name, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *rodElement) Attributes(ctx context.Context) (map[string]string, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const out = {};
		for (const a of this.attributes) out[a.name] = a.value;
		return out;
	}`)
	if err != nil {
		return nil, fmt.Errorf("driver: attributes: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *rodElement) TagName(ctx context.Context) (string, error) {
	res, err := e.el.Context(ctx).Eval(`() => this.tagName.toLowerCase()`)
	if err != nil {
		return "", fmt.Errorf("driver: tag name: %w", err)
	}
	return res.Value.Str(), nil
}

func (e *rodElement) IsVisible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func (e *rodElement) IsEnabled(ctx context.Context) (bool, error) {
	res, err := e.el.Context(ctx).Eval(`() => !this.disabled`)
	if err != nil {
		return false, fmt.Errorf("driver: enabled check: %w", err)
	}
	return res.Value.Bool(), nil
}

func (e *rodElement) Path(ctx context.Context) (string, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const parts = [];
		let n = this;
		while (n && n.nodeType === 1 && parts.length < 32) {
			let part = n.tagName.toLowerCase();
			if (n.id) part += '#' + n.id;
			else if (n.classList.length) part += '.' + n.classList[0];
			const p = n.parentElement;
			if (p) {
				const idx = Array.prototype.indexOf.call(p.children, n);
				if (p.children.length > 1) part += ':nth-child(' + (idx + 1) + ')';
			}
			parts.unshift(part);
			n = p;
		}
		return parts.join(' > ');
	}`)
	if err != nil {
		return "", fmt.Errorf("driver: path: %w", err)
	}
	return res.Value.Str(), nil
}

func (e *rodElement) Children(ctx context.Context) ([]Element, error) {
	els, err := e.el.Context(ctx).Elements(":scope > *")
	if err != nil {
		return nil, fmt.Errorf("driver: children: %w", err)
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (e *rodElement) Parent(ctx context.Context) (Element, error) {
	p, err := e.el.Context(ctx).Parent()
	if err != nil {
		return nil, nil
	}
	return &rodElement{el: p}, nil
}
