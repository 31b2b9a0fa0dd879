package driver

import (
	"context"
	"strings"
	"testing"
	"time"
)

const fixtureHTML = `<html><body>
<div id="panel" class="odds active">
  <div class="row">
    <span class="team-name home">Manchester United</span>
    <span class="team-name away">Arsenal</span>
  </div>
  <button data-action="bet" disabled>Place bet</button>
</div>
<div class="hidden-block" style="display: none">
  <span class="team-name">Ghost</span>
</div>
<div aria-hidden="true"><span class="shadow">Shadow</span></div>
</body></html>`

func queryAll(t *testing.T, p *FakePage, css, scope string) []Element {
	t.Helper()
	out, err := p.QuerySelectorAll(context.Background(), css, scope)
	if err != nil {
		t.Fatalf("query %q: %v", css, err)
	}
	return out
}

func TestFakePageSelectorSubset(t *testing.T) {
	p := MustFakePage(t, fixtureHTML)

	cases := []struct {
		css  string
		want int
	}{
		{"span", 4},
		{"#panel", 1},
		{".team-name", 3},
		{".team-name.home", 1},
		{"span.team-name", 3},
		{"[data-action]", 1},
		{"[data-action=bet]", 1},
		{"[data-action=raise]", 0},
		{".row > span", 2},
		{"#panel span", 2},
		{".row span:nth-child(2)", 1},
		{".home, .away", 2},
		{"[class*=team]", 3},
		{"[class*=odds]", 1},
		{"[data-action*=be]", 1},
		{"[class*=goal]", 0},
	}
	for _, tc := range cases {
		if got := len(queryAll(t, p, tc.css, "")); got != tc.want {
			t.Fatalf("query %q matched %d, want %d", tc.css, got, tc.want)
		}
	}
}

func TestFakePageScopedQuery(t *testing.T) {
	p := MustFakePage(t, fixtureHTML)

	in := queryAll(t, p, ".team-name", "#panel")
	if len(in) != 2 {
		t.Fatalf("scoped query matched %d, want 2", len(in))
	}
	if got := queryAll(t, p, ".team-name", ".does-not-exist"); got != nil {
		t.Fatalf("missing scope should match nothing, got %d", len(got))
	}

	el, err := p.QuerySelector(context.Background(), ".missing", "")
	if err != nil || el != nil {
		t.Fatalf("no match should be (nil, nil), got %v, %v", el, err)
	}
}

func TestFakeElementInfo(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)

	el, err := p.QuerySelector(ctx, ".team-name.home", "")
	if err != nil || el == nil {
		t.Fatalf("query: %v, %v", el, err)
	}
	if tag, _ := el.TagName(ctx); tag != "span" {
		t.Fatalf("tag %q", tag)
	}
	if text, _ := el.TextContent(ctx); strings.TrimSpace(text) != "Manchester United" {
		t.Fatalf("text %q", text)
	}
	if v, ok, _ := el.GetAttribute(ctx, "class"); !ok || !strings.Contains(v, "home") {
		t.Fatalf("class attr %q, %v", v, ok)
	}
	if visible, _ := el.IsVisible(ctx); !visible {
		t.Fatal("home span should be visible")
	}
	if enabled, _ := el.IsEnabled(ctx); !enabled {
		t.Fatal("home span should be enabled")
	}

	path, _ := el.Path(ctx)
	if !strings.Contains(path, "div#panel") || !strings.Contains(path, "span.team-name") {
		t.Fatalf("path %q", path)
	}
	if !strings.Contains(path, ":nth-child(1)") {
		t.Fatalf("positional segment missing from %q", path)
	}
}

func TestFakeElementVisibilityRules(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)

	cases := []struct {
		css     string
		visible bool
	}{
		{".team-name.home", true},
		{".hidden-block .team-name", false}, // display:none on an ancestor
		{".shadow", false},                  // aria-hidden ancestor
	}
	for _, tc := range cases {
		el, err := p.QuerySelector(ctx, tc.css, "")
		if err != nil || el == nil {
			t.Fatalf("query %q: %v, %v", tc.css, el, err)
		}
		if visible, _ := el.IsVisible(ctx); visible != tc.visible {
			t.Fatalf("%q visible=%v, want %v", tc.css, visible, tc.visible)
		}
	}
}

func TestFakeElementDisabled(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)

	el, err := p.QuerySelector(ctx, "[data-action=bet]", "")
	if err != nil || el == nil {
		t.Fatalf("query: %v, %v", el, err)
	}
	if enabled, _ := el.IsEnabled(ctx); enabled {
		t.Fatal("disabled button reported enabled")
	}
}

func TestFakeElementTraversal(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)

	row, err := p.QuerySelector(ctx, ".row", "")
	if err != nil || row == nil {
		t.Fatalf("query: %v, %v", row, err)
	}
	children, _ := row.Children(ctx)
	if len(children) != 2 {
		t.Fatalf("row has %d element children, want 2", len(children))
	}
	parent, _ := children[0].Parent(ctx)
	if parent == nil {
		t.Fatal("parent lookup failed")
	}
	if tag, _ := parent.TagName(ctx); tag != "div" {
		t.Fatalf("parent tag %q", tag)
	}
}

func TestFakePageClick(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)

	var mutated string
	p.OnClick = func(css string) { mutated = css }

	if err := p.Click(ctx, "[data-action=bet]"); err != nil {
		t.Fatalf("click: %v", err)
	}
	if len(p.Clicked) != 1 || mutated != "[data-action=bet]" {
		t.Fatalf("click not recorded: %v / %q", p.Clicked, mutated)
	}

	if err := p.Click(ctx, ".missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("click on missing element: %v", err)
	}
}

func TestFakePageRemoveFirstAndWait(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)

	if err := p.WaitForSelector(ctx, "#panel", "visible", 100*time.Millisecond); err != nil {
		t.Fatalf("wait for present: %v", err)
	}
	if !p.RemoveFirst("#panel") {
		t.Fatal("remove failed")
	}
	if err := p.WaitForSelector(ctx, "#panel", "visible", 30*time.Millisecond); err == nil {
		t.Fatal("wait should time out after removal")
	}
}

func TestFakePageStubEval(t *testing.T) {
	ctx := context.Background()
	p := MustFakePage(t, fixtureHTML)
	p.StubEval("document.readyState", "complete")

	got, err := p.Evaluate(ctx, "return document.readyState")
	if err != nil || got != "complete" {
		t.Fatalf("eval: %v, %v", got, err)
	}
	if got, _ := p.Evaluate(ctx, "navigator.webdriver"); got != nil {
		t.Fatalf("unstubbed eval should be nil, got %v", got)
	}
}

func TestSelectorParseErrors(t *testing.T) {
	for _, css := range []string{"", ":hover", "a >", "[unterminated", "span:nth-child(x)"} {
		if _, err := parseSelectorList(css); err == nil {
			t.Fatalf("selector %q should fail to parse", css)
		}
	}
}
