package driver

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// The fake driver implements the CSS subset the strategies and the
// consent bank actually emit: tag, #id, .class, [attr], [attr=val],
// [attr*=val], :nth-child(n), the descendant and child combinators,
// and comma-separated selector lists. Anything fancier belongs in a
// real browser, not in tests.

type simpleSelector struct {
	tag      string
	id       string
	classes  []string
	attrs    []attrMatch
	nthChild int // 1-based; 0 = unset
}

type attrMatch struct {
	name  string
	value string
	op    byte // 0 = presence only, '=' exact, '*' substring
}

type compoundSelector struct {
	parts      []simpleSelector
	combinator []byte // combinator[i] joins parts[i] to parts[i+1]: ' ' or '>'
}

func parseSelectorList(css string) ([]compoundSelector, error) {
	var out []compoundSelector
	for _, chunk := range strings.Split(css, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		sel, err := parseCompound(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("driver: empty selector %q", css)
	}
	return out, nil
}

func parseCompound(css string) (compoundSelector, error) {
	// Normalize child combinators so fields split cleanly.
	css = strings.ReplaceAll(css, ">", " > ")
	fields := strings.Fields(css)

	var sel compoundSelector
	expectPart := true
	for _, f := range fields {
		if f == ">" {
			if expectPart || len(sel.combinator) >= len(sel.parts) {
				return compoundSelector{}, fmt.Errorf("driver: misplaced '>' in %q", css)
			}
			sel.combinator[len(sel.combinator)-1] = '>'
			continue
		}
		part, err := parseSimple(f)
		if err != nil {
			return compoundSelector{}, err
		}
		sel.parts = append(sel.parts, part)
		sel.combinator = append(sel.combinator, ' ')
		expectPart = false
	}
	if len(sel.parts) == 0 {
		return compoundSelector{}, fmt.Errorf("driver: empty selector %q", css)
	}
	// Last combinator slot is unused.
	sel.combinator = sel.combinator[:len(sel.parts)-1]
	return sel, nil
}

func parseSimple(s string) (simpleSelector, error) {
	var out simpleSelector
	i := 0
	readName := func() string {
		start := i
		for i < len(s) && (isNameByte(s[i]) || s[i] == '-' || s[i] == '_') {
			i++
		}
		return s[start:i]
	}

	if i < len(s) && s[i] == '*' {
		i++
	} else if i < len(s) && isNameByte(s[i]) {
		out.tag = strings.ToLower(readName())
	}

	for i < len(s) {
		switch s[i] {
		case '#':
			i++
			out.id = readName()
		case '.':
			i++
			out.classes = append(out.classes, readName())
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return out, fmt.Errorf("driver: unterminated attribute in %q", s)
			}
			body := s[i+1 : i+end]
			i += end + 1
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				name, op := body[:eq], byte('=')
				if strings.HasSuffix(name, "*") {
					name, op = name[:len(name)-1], '*'
				}
				val := strings.Trim(body[eq+1:], `"'`)
				out.attrs = append(out.attrs, attrMatch{name: strings.ToLower(name), value: val, op: op})
			} else {
				out.attrs = append(out.attrs, attrMatch{name: strings.ToLower(body)})
			}
		case ':':
			rest := s[i:]
			if strings.HasPrefix(rest, ":nth-child(") {
				end := strings.IndexByte(rest, ')')
				if end < 0 {
					return out, fmt.Errorf("driver: unterminated :nth-child in %q", s)
				}
				n, err := strconv.Atoi(rest[len(":nth-child("):end])
				if err != nil {
					return out, fmt.Errorf("driver: bad :nth-child in %q", s)
				}
				out.nthChild = n
				i += end + 1
			} else {
				return out, fmt.Errorf("driver: unsupported pseudo-class in %q", s)
			}
		default:
			return out, fmt.Errorf("driver: unexpected %q in selector %q", s[i], s)
		}
	}
	return out, nil
}

func isNameByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func matchesSimple(n *html.Node, sel simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if sel.tag != "" && n.Data != sel.tag {
		return false
	}
	if sel.id != "" && attrValue(n, "id") != sel.id {
		return false
	}
	for _, c := range sel.classes {
		if !hasClass(n, c) {
			return false
		}
	}
	for _, a := range sel.attrs {
		v, ok := lookupAttr(n, a.name)
		if !ok {
			return false
		}
		switch a.op {
		case '=':
			if v != a.value {
				return false
			}
		case '*':
			if !strings.Contains(v, a.value) {
				return false
			}
		}
	}
	if sel.nthChild > 0 && elementIndex(n) != sel.nthChild {
		return false
	}
	return true
}

// matchesCompound checks the full ancestor chain right-to-left.
func matchesCompound(n *html.Node, sel compoundSelector, root *html.Node) bool {
	last := len(sel.parts) - 1
	if !matchesSimple(n, sel.parts[last]) {
		return false
	}
	cur := n
	for i := last - 1; i >= 0; i-- {
		if sel.combinator[i] == '>' {
			p := parentElement(cur, root)
			if p == nil || !matchesSimple(p, sel.parts[i]) {
				return false
			}
			cur = p
			continue
		}
		found := false
		for p := parentElement(cur, root); p != nil; p = parentElement(p, root) {
			if matchesSimple(p, sel.parts[i]) {
				cur = p
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parentElement(n *html.Node, root *html.Node) *html.Node {
	if n == root {
		return nil
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return p
		}
		if p == root {
			return nil
		}
	}
	return nil
}

func attrValue(n *html.Node, name string) string {
	v, _ := lookupAttr(n, name)
	return v
}

func lookupAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// elementIndex returns the 1-based position of n among its parent's
// element children.
func elementIndex(n *html.Node) int {
	if n.Parent == nil {
		return 1
	}
	idx := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			idx++
			if c == n {
				return idx
			}
		}
	}
	return 0
}
