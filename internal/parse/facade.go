// Package parse implements Crystal's Link Parser Facade (§4.5): one
// extractor per content-type family (HTML, CSS, JSON, Atom/RSS), selected
// by a small override table, producing a flat list of links classified as
// embedded or navigational and resolved against a base URL.
package parse

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind classifies a discovered link per §4.5.
type Kind int

const (
	Navigational Kind = iota
	Embedded
)

func (k Kind) String() string {
	if k == Embedded {
		return "embedded"
	}
	return "navigational"
}

// Link is one discovered link, already resolved against the document's
// base URL.
type Link struct {
	URL  string
	Kind Kind
	// Integrity is the subresource-integrity hash from an `integrity=`
	// attribute, when the element carried one. A non-empty value here
	// pins the fetched body to that hash: once the resource is archived
	// and re-served from a local path, RewrittenIntegrity tells the
	// caller whether the original hash still applies (§4.5).
	Integrity string
}

// RewrittenIntegrity reports the integrity attribute a served copy of the
// document should carry once l's URL is rewritten to an archived/local
// address. The archived body is byte-identical to what was fetched, so a
// same-origin rewrite keeps the original hash; a rewrite to an external
// alias (crystal://external/..., §6.4) points at content Crystal never
// fetched under that hash, so integrity must be dropped rather than served
// stale.
func (l Link) RewrittenIntegrity(rewrittenToExternal bool) string {
	if rewrittenToExternal {
		return ""
	}
	return l.Integrity
}

// Extractor parses one body already fully read into memory and returns the
// links it contains. The body is never read lazily from the network here:
// by the time a body reaches Extract it has already been staged to disk by
// the download pipeline, so Extract itself performs no I/O (§4.5 "the
// parser must not block on I/O").
type Extractor interface {
	Extract(body []byte, baseURL string) ([]Link, error)
}

// HTMLParserType selects among the `html_parser_type` project property
// values (§3.1).
type HTMLParserType string

const (
	// HTMLBasic is a fast regexp-based tag scanner: cheap, but less
	// tolerant of malformed markup.
	HTMLBasic HTMLParserType = "basic"
	// HTMLSoup is a full tree-walking parser built on golang.org/x/net/html,
	// tolerant of the same malformed markup real browsers recover from.
	HTMLSoup HTMLParserType = "soup"
)

// Facade dispatches Parse calls to a content-type-specific Extractor
// (§4.5 "Implementations are selected by content-type with a small
// override table").
type Facade struct {
	htmlParser Extractor
}

// New builds a Facade using the given `html_parser_type` project property
// value; an unrecognized or empty value defaults to HTMLSoup.
func New(htmlParserType HTMLParserType) *Facade {
	if htmlParserType == HTMLBasic {
		return &Facade{htmlParser: basicHTMLExtractor{}}
	}
	return &Facade{htmlParser: soupHTMLExtractor{}}
}

// Parse selects an Extractor by contentType and runs it, resolving relative
// URLs against baseURL (trimmed of whitespace first, per §4.5). Unknown or
// binary content types return no links and no error: §4.4 step 5 skips
// parsing for them before Parse is ever called, but Parse itself is
// defensive so a misrouted call degrades rather than fails the download.
func (f *Facade) Parse(body []byte, contentType, baseURL string) ([]Link, error) {
	baseURL = strings.TrimSpace(baseURL)
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse: invalid base URL %q: %w", baseURL, err)
	}

	family := contentTypeFamily(contentType)
	var links []Link
	switch family {
	case familyHTML:
		links, err = f.htmlParser.Extract(body, baseURL)
	case familyCSS:
		links, err = cssExtractor{}.Extract(body, baseURL)
	case familyJSON:
		links, err = jsonExtractor{}.Extract(body, baseURL)
	case familyFeed:
		links, err = feedExtractor{}.Extract(body, baseURL)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resolveAll(links, base), nil
}

type contentFamily int

const (
	familyUnknown contentFamily = iota
	familyHTML
	familyCSS
	familyJSON
	familyFeed
)

// contentTypeFamily implements the §4.5 content-type override table: the
// media type (ignoring parameters like charset) selects an extractor
// family. Feed types are recognized by their common MIME aliases since
// servers are inconsistent about which one they send.
func contentTypeFamily(contentType string) contentFamily {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return familyHTML
	case "text/css":
		return familyCSS
	case "application/json", "text/json", "application/ld+json":
		return familyJSON
	case "application/atom+xml", "application/rss+xml", "application/xml", "text/xml":
		return familyFeed
	default:
		return familyUnknown
	}
}

// resolveAll resolves each link's URL against base, dropping links whose
// URL does not parse at all rather than failing the whole extraction.
func resolveAll(links []Link, base *url.URL) []Link {
	out := make([]Link, 0, len(links))
	for _, l := range links {
		resolved, ok := resolveRef(base, l.URL)
		if !ok {
			continue
		}
		out = append(out, Link{URL: resolved, Kind: l.Kind, Integrity: l.Integrity})
	}
	return out
}

// resolveRef resolves ref against base (after trimming whitespace and
// percent-encoding spaces, §4.5), returning ok=false for refs that don't
// parse as a URL reference at all (e.g. "javascript:" pseudo-URLs already
// filtered upstream, or garbage attribute values).
func resolveRef(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	ref = strings.ReplaceAll(ref, " ", "%20")
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(parsed).String(), true
}
