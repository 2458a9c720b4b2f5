package document

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var droppedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Meta:     true,
	atom.Link:     true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Aside:    true,
}

var adClasses = []string{"ad", "advertisement", "banner", "sidebar"}

// WebText strips page chrome (scripts, navigation, footers, ad blocks) and
// returns the readable text of the main content. Links keep their target as
// "text (href)".
func WebText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	root := find(doc, atom.Main)
	if root == nil {
		root = find(doc, atom.Article)
	}
	if root == nil {
		root = doc
	}

	var b strings.Builder
	collect(root, &b)
	return strings.Join(strings.Fields(b.String()), " "), nil
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a && !skipped(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if skipped(c) {
			continue
		}
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

func skipped(n *html.Node) bool {
	if n.Type == html.CommentNode {
		return true
	}
	if n.Type != html.ElementNode {
		return false
	}
	if droppedElements[n.DataAtom] {
		return true
	}
	for _, cls := range strings.Fields(attr(n, "class")) {
		for _, ad := range adClasses {
			if strings.EqualFold(cls, ad) {
				return true
			}
		}
	}
	return false
}

func collect(n *html.Node, b *strings.Builder) {
	if skipped(n) {
		return
	}
	switch {
	case n.Type == html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case n.Type == html.ElementNode && n.DataAtom == atom.A:
		href := strings.TrimSpace(attr(n, "href"))
		if href != "" {
			var inner strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				collect(c, &inner)
			}
			text := strings.Join(strings.Fields(inner.String()), " ")
			if text == "" {
				b.WriteString(href)
			} else {
				fmt.Fprintf(b, "%s (%s)", text, href)
			}
			b.WriteByte(' ')
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collect(c, b)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
