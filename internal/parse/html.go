package parse

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// soupHTMLExtractor walks a full parse tree built by golang.org/x/net/html,
// tolerant of the malformed markup real browsers already recover from.
// Grounded on the tree-walk shape of extractAtomsFromHTML in the pack's
// codenerd scraper.go (n.Type == html.ElementNode, n.Data, n.Attr,
// FirstChild/NextSibling traversal), generalized from knowledge-atom
// extraction to link discovery per §4.5's required-recognitions table.
type soupHTMLExtractor struct{}

func (soupHTMLExtractor) Extract(body []byte, baseURL string) ([]Link, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var links []Link
	add := func(url string, kind Kind, integrity string) {
		if url != "" {
			links = append(links, Link{URL: url, Kind: kind, Integrity: integrity})
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			extractElementLinks(n, add)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

func extractElementLinks(n *html.Node, add func(url string, kind Kind, integrity string)) {
	attr := func(name string) (string, bool) {
		for _, a := range n.Attr {
			if a.Key == name {
				return a.Val, true
			}
		}
		return "", false
	}
	integrity, _ := attr("integrity")

	switch n.Data {
	case "a":
		if href, ok := attr("href"); ok {
			add(href, Navigational, "")
		}
	case "form":
		if action, ok := attr("action"); ok {
			add(action, Navigational, "")
		}
	case "link":
		if href, ok := attr("href"); ok {
			rel, _ := attr("rel")
			if isEmbeddedLinkRel(rel) {
				add(href, Embedded, integrity)
			} else {
				add(href, Navigational, "")
			}
		}
	case "img":
		if src, ok := attr("src"); ok {
			add(src, Embedded, "")
		}
		if srcset, ok := attr("srcset"); ok {
			for _, u := range parseSrcset(srcset) {
				add(u, Embedded, "")
			}
		}
	case "script":
		if src, ok := attr("src"); ok {
			add(src, Embedded, integrity)
		}
	case "source":
		if src, ok := attr("src"); ok {
			add(src, Embedded, "")
		}
		if srcset, ok := attr("srcset"); ok {
			for _, u := range parseSrcset(srcset) {
				add(u, Embedded, "")
			}
		}
	case "frame", "iframe":
		if src, ok := attr("src"); ok {
			add(src, Embedded, "")
		}
	}

	if bg, ok := attr("background"); ok {
		add(bg, Embedded, "")
	}
	if style, ok := attr("style"); ok {
		for _, u := range extractCSSURLs(style) {
			add(u, Embedded, "")
		}
	}
	if onclick, ok := attr("onclick"); ok {
		if dest, ok := extractLocationAssignment(onclick); ok {
			add(dest, Navigational, "")
		}
	}
}

// isEmbeddedLinkRel reports whether a <link rel=...> value marks the
// linked resource as embedded content rather than a navigational hint
// (§4.5: "treated as embedded for stylesheet, icon, preload").
func isEmbeddedLinkRel(rel string) bool {
	for _, tok := range strings.Fields(strings.ToLower(rel)) {
		switch tok {
		case "stylesheet", "icon", "preload":
			return true
		}
	}
	return false
}

// parseSrcset splits a srcset attribute ("a.jpg 1x, b.jpg 2x") into its
// candidate URLs, discarding the descriptor.
func parseSrcset(srcset string) []string {
	var urls []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}
