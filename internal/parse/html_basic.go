package parse

import "regexp"

// basicHTMLExtractor is a regexp-based tag scanner: cheap, and sufficient
// for well-formed markup, but unlike soupHTMLExtractor it does not recover
// from unclosed tags or invalid nesting. Selected by the `html_parser_type`
// project property (§3.1).
type basicHTMLExtractor struct{}

var basicTagAttrRes = []struct {
	re   *regexp.Regexp
	kind Kind
}{
	{regexp.MustCompile(`(?is)<a\s[^>]*\bhref\s*=\s*["']([^"']+)["']`), Navigational},
	{regexp.MustCompile(`(?is)<form\s[^>]*\baction\s*=\s*["']([^"']+)["']`), Navigational},
	{regexp.MustCompile(`(?is)<img\s[^>]*\bsrc\s*=\s*["']([^"']+)["']`), Embedded},
	{regexp.MustCompile(`(?is)<(?:i?frame)\s[^>]*\bsrc\s*=\s*["']([^"']+)["']`), Embedded},
}

var basicScriptTagRe = regexp.MustCompile(`(?is)<script\s([^>]*)>`)
var basicSrcAttrRe = regexp.MustCompile(`(?is)\bsrc\s*=\s*["']([^"']+)["']`)
var basicIntegrityAttrRe = regexp.MustCompile(`(?is)\bintegrity\s*=\s*["']([^"']+)["']`)
var basicLinkTagRe = regexp.MustCompile(`(?is)<link\s([^>]*)>`)
var basicHrefAttrRe = regexp.MustCompile(`(?is)\bhref\s*=\s*["']([^"']+)["']`)
var basicRelAttrRe = regexp.MustCompile(`(?is)\brel\s*=\s*["']([^"']+)["']`)
var basicSrcsetAttrRe = regexp.MustCompile(`(?is)\bsrcset\s*=\s*["']([^"']+)["']`)
var basicBackgroundAttrRe = regexp.MustCompile(`(?is)\bbackground\s*=\s*["']([^"']+)["']`)
var basicStyleAttrRe = regexp.MustCompile(`(?is)\bstyle\s*=\s*["']([^"']+)["']`)
var basicOnclickAttrRe = regexp.MustCompile(`(?is)\bonclick\s*=\s*["']([^"']+)["']`)
var basicImgSourceTagRe = regexp.MustCompile(`(?is)<(?:img|source)\s([^>]*)>`)

func (basicHTMLExtractor) Extract(body []byte, baseURL string) ([]Link, error) {
	text := string(body)
	var links []Link

	for _, tr := range basicTagAttrRes {
		for _, m := range tr.re.FindAllStringSubmatch(text, -1) {
			links = append(links, Link{URL: m[1], Kind: tr.kind})
		}
	}

	for _, m := range basicScriptTagRe.FindAllStringSubmatch(text, -1) {
		attrs := m[1]
		src := basicSrcAttrRe.FindStringSubmatch(attrs)
		if src == nil {
			continue
		}
		integrity := ""
		if ig := basicIntegrityAttrRe.FindStringSubmatch(attrs); ig != nil {
			integrity = ig[1]
		}
		links = append(links, Link{URL: src[1], Kind: Embedded, Integrity: integrity})
	}

	for _, m := range basicLinkTagRe.FindAllStringSubmatch(text, -1) {
		attrs := m[1]
		href := basicHrefAttrRe.FindStringSubmatch(attrs)
		if href == nil {
			continue
		}
		rel := ""
		if r := basicRelAttrRe.FindStringSubmatch(attrs); r != nil {
			rel = r[1]
		}
		kind := Navigational
		integrity := ""
		if isEmbeddedLinkRel(rel) {
			kind = Embedded
			if ig := basicIntegrityAttrRe.FindStringSubmatch(attrs); ig != nil {
				integrity = ig[1]
			}
		}
		links = append(links, Link{URL: href[1], Kind: kind, Integrity: integrity})
	}

	for _, m := range basicImgSourceTagRe.FindAllStringSubmatch(text, -1) {
		if srcset := basicSrcsetAttrRe.FindStringSubmatch(m[1]); srcset != nil {
			for _, u := range parseSrcset(srcset[1]) {
				links = append(links, Link{URL: u, Kind: Embedded})
			}
		}
	}

	for _, m := range basicBackgroundAttrRe.FindAllStringSubmatch(text, -1) {
		links = append(links, Link{URL: m[1], Kind: Embedded})
	}
	for _, m := range basicStyleAttrRe.FindAllStringSubmatch(text, -1) {
		for _, u := range extractCSSURLs(m[1]) {
			links = append(links, Link{URL: u, Kind: Embedded})
		}
	}
	for _, m := range basicOnclickAttrRe.FindAllStringSubmatch(text, -1) {
		if dest, ok := extractLocationAssignment(m[1]); ok {
			links = append(links, Link{URL: dest, Kind: Navigational})
		}
	}

	return links, nil
}
