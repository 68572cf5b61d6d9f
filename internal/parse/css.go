package parse

import "regexp"

// cssURLRe matches url(...) functional notation, with or without quotes,
// and @import "..."/'...' statements. A flat regexp token scan rather than
// a full CSS object-model parser: Crystal only needs the URLs a stylesheet
// references, not its cascade semantics.
var cssURLRe = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)|@import\s+['"]([^'"]+)['"]`)

// cssExtractor scans raw CSS text for url(...) and @import references
// (§4.5). All CSS references are embedded resources.
type cssExtractor struct{}

func (cssExtractor) Extract(body []byte, baseURL string) ([]Link, error) {
	urls := extractCSSURLs(string(body))
	links := make([]Link, len(urls))
	for i, u := range urls {
		links[i] = Link{URL: u, Kind: Embedded}
	}
	return links, nil
}

// extractCSSURLs is shared with html.go's inline style="" attribute
// handling (§4.5 "<* style=\"url(...)\">").
func extractCSSURLs(text string) []string {
	matches := cssURLRe.FindAllStringSubmatch(text, -1)
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if m[1] != "" {
			urls = append(urls, m[1])
		} else if m[2] != "" {
			urls = append(urls, m[2])
		}
	}
	return urls
}

// locationAssignmentRe matches `location(.href)? = '...'`/`"..."` inside an
// onclick handler body (§4.5 "<* onclick=\"*.location=...\">").
var locationAssignmentRe = regexp.MustCompile(`location(?:\.href)?\s*=\s*['"]([^'"]+)['"]`)

func extractLocationAssignment(onclick string) (string, bool) {
	m := locationAssignmentRe.FindStringSubmatch(onclick)
	if m == nil {
		return "", false
	}
	return m[1], true
}
