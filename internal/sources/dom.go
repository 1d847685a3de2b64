package sources

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements never contribute caption text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
}

// parseFragment parses a caption container snapshot. Snapshots are
// outerHTML fragments, so they are parsed in a <body> context.
func parseFragment(raw string) ([]*html.Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	return html.ParseFragment(strings.NewReader(raw), body)
}

// walk calls fn for every element node under roots in document order.
// fn returns false to skip the element's subtree.
func walk(roots []*html.Node, fn func(*html.Node) bool) {
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.DataAtom] || !fn(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	for _, r := range roots {
		visit(r)
	}
}

// textContent returns the concatenated text under n, with whitespace
// collapsed the way the browser's textContent plus a trim would.
func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case n.Type == html.ElementNode && skipElements[n.DataAtom]:
			return
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func classContains(n *html.Node, fragment string) bool {
	v, _ := attr(n, "class")
	return strings.Contains(v, fragment)
}

// hiddenByStyle reports whether an inline style hides the element. The
// extension inlines the computed display, visibility and opacity of
// caption containers before sending a snapshot.
func hiddenByStyle(n *html.Node) bool {
	if _, ok := attr(n, "hidden"); ok {
		return true
	}
	style, ok := attr(n, "style")
	if !ok {
		return false
	}
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "!important")))
		switch {
		case prop == "display" && val == "none":
			return true
		case prop == "visibility" && val == "hidden":
			return true
		case prop == "opacity" && (val == "0" || val == "0.0"):
			return true
		}
	}
	return false
}
