// Package extract turns fetched HTML into plain text, paragraph snippets and
// resolved links, and splits text into sentences for the rule verifier.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Page is the readable content of an HTML document
type Page struct {
	Title      string
	Text       string   // Visible text, one block per line
	Paragraphs []string // Text of each block element, in document order
	Links      []Link
}

// Link is a resolved outbound hyperlink
type Link struct {
	URL      string
	Text     string
	Rel      string
	SameHost bool
}

var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"template": true, "svg": true, "head": true,
}

var blocks = map[string]bool{
	"p": true, "li": true, "td": true, "th": true, "dd": true, "dt": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "caption": true, "figcaption": true,
}

// ParseHTML extracts the page title, visible text, block snippets and
// links of content fetched from sourceURL
func ParseHTML(content, sourceURL string) (*Page, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	page := &Page{Title: title(doc)}
	seen := make(map[string]bool)

	var walk func(n *html.Node, inBlock bool)
	walk = func(n *html.Node, inBlock bool) {
		if n.Type == html.ElementNode {
			if skipped[n.Data] {
				return
			}
			if n.Data == "a" {
				if l, ok := link(base, n); ok && !seen[l.URL] {
					seen[l.URL] = true
					page.Links = append(page.Links, l)
				}
			}
			// outermost block only, so nested blocks are not repeated
			if blocks[n.Data] && !inBlock {
				if text := collapse(textOf(n)); text != "" {
					page.Paragraphs = append(page.Paragraphs, text)
				}
				inBlock = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBlock)
		}
	}
	walk(doc, false)

	page.Text = strings.Join(page.Paragraphs, "\n")
	if page.Text == "" {
		page.Text = collapse(textOf(doc))
	}
	return page, nil
}

func title(doc *html.Node) string {
	var found string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			found = collapse(textOf(n))
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return found
}

// textOf concatenates text below n, skipping non-visible elements. Nested
// block elements are separated by a space.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped[n.Data] {
				return
			}
			if n.Data == "br" || blocks[n.Data] {
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func link(base *url.URL, n *html.Node) (Link, bool) {
	var href, rel string
	for _, a := range n.Attr {
		switch a.Key {
		case "href":
			href = strings.TrimSpace(a.Val)
		case "rel":
			rel = strings.ToLower(strings.TrimSpace(a.Val))
		}
	}
	resolved := Resolve(base, href)
	if resolved == nil {
		return Link{}, false
	}
	return Link{
		URL:      resolved.String(),
		Text:     collapse(textOf(n)),
		Rel:      rel,
		SameHost: resolved.Host == base.Host,
	}, true
}

// Resolve resolves href against base, returning nil for fragments,
// non-http schemes and unparseable references
func Resolve(base *url.URL, href string) *url.URL {
	if href == "" || strings.HasPrefix(href, "#") {
		return nil
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	u.Fragment = ""
	return u
}
