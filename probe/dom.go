package probe

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/plugmon/signal"
)

// DOMElements reports whether the rendered page contains elements belonging
// to the module. A client or headless-browser report decides both ways; a
// server-side markup parse can only prove presence, since scripts may add
// elements after load.
type DOMElements struct{}

func (DOMElements) Kind() signal.Kind { return signal.DOMElements }

func (DOMElements) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	if c.DOMReport != nil {
		return c.observation(signal.DOMElements, signal.Medium, *c.DOMReport, "report"), nil
	}
	if len(c.Markup) == 0 {
		return unknown(signal.DOMElements), nil
	}
	doc, err := html.Parse(bytes.NewReader(c.Markup))
	if err != nil {
		return unknown(signal.DOMElements), err
	}
	for _, sel := range Selectors(c.Module.Slug, c.Selectors) {
		if QueryFirst(doc, sel) != nil {
			return c.observation(signal.DOMElements, signal.Medium, true, sel), nil
		}
	}
	return unknown(signal.DOMElements), nil
}

// Selectors returns the configured selectors, or the default pair matching
// the slug in class or id attributes.
func Selectors(slug string, configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return []string{
		`[class*="` + slug + `"]`,
		`[id*="` + slug + `"]`,
	}
}

// QueryFirst returns the first node matching a simple CSS selector, or nil.
// Supported: tag, .class, #id, [attr], [attr=v], [attr*=v], [attr^=v],
// [attr$=v], compounds of those, and descendant combinators.
func QueryFirst(doc *html.Node, selector string) *html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}
	sels := make([]simpleSelector, len(parts))
	for i, p := range parts {
		sels[i] = parseSimpleSelector(p)
	}
	return queryFrom(doc, sels)
}

func queryFrom(root *html.Node, sels []simpleSelector) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if sels[0].matches(c) {
				if len(sels) == 1 {
					found = c
					return true
				}
				if m := queryFrom(c, sels[1:]); m != nil {
					found = m
					return true
				}
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

type attrMatch struct {
	key string
	op  string // "", "=", "*=", "^=", "$="
	val string
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

// parseSimpleSelector parses "tag.class#id[attr*=val]" style compounds.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	for {
		open := strings.IndexByte(sel, '[')
		if open < 0 {
			break
		}
		end := strings.IndexByte(sel[open:], ']')
		if end < 0 {
			break
		}
		s.attrs = append(s.attrs, parseAttr(sel[open+1:open+end]))
		sel = sel[:open] + sel[open+end+1:]
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		rest := sel[idx+1:]
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			s.id = rest[:dot]
			sel = sel[:idx] + rest[dot:]
		} else {
			s.id = rest
			sel = sel[:idx]
		}
	}

	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.classes = strings.Split(sel[idx+1:], ".")
		sel = sel[:idx]
	}

	s.tag = strings.ToLower(sel)
	return s
}

func parseAttr(part string) attrMatch {
	for _, op := range []string{"*=", "^=", "$=", "="} {
		if idx := strings.Index(part, op); idx >= 0 {
			return attrMatch{
				key: strings.TrimSpace(part[:idx]),
				op:  op,
				val: strings.Trim(strings.TrimSpace(part[idx+len(op):]), `"'`),
			}
		}
	}
	return attrMatch{key: strings.TrimSpace(part)}
}

func (s simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && s.tag != "*" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, a := range s.attrs {
		val, ok := lookupAttr(n, a.key)
		if !ok {
			return false
		}
		switch a.op {
		case "=":
			ok = val == a.val
		case "*=":
			ok = a.val != "" && strings.Contains(val, a.val)
		case "^=":
			ok = a.val != "" && strings.HasPrefix(val, a.val)
		case "$=":
			ok = a.val != "" && strings.HasSuffix(val, a.val)
		}
		if !ok {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}
