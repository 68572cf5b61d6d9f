// Package entity is Crystal's in-memory Entity Model: the authoritative
// view of Resources, Root Resources, Resource Groups, Revisions, and
// Aliases, plus the URL normalization function used everywhere URL identity
// matters (§4.2).
package entity

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ExternalURLScheme prefixes a URL deliberately excluded from the archive
// by an Alias with target_is_external (§4.2 step 7, §6.4).
const ExternalURLScheme = "crystal://external/"

// Plugin is a site-specific normalization rule applied after the generic
// steps (§4.2 step 5), e.g. collapsing phpBB session ids or Substack
// tracking parameters.
type Plugin interface {
	// Normalize mutates u in place.
	Normalize(u *url.URL)
}

// NormalizeOptions bundles the per-project configuration normalize() needs:
// the fragment-significant host allowlist (step 4), the ordered plugin
// chain (step 5), and the project's Aliases in id order (step 6).
type NormalizeOptions struct {
	FragmentSignificant func(host string) bool
	Plugins             []Plugin
	Aliases             []Alias
}

// Normalize implements §4.2's pure normalize(raw_url) -> canonical_url.
// It returns the canonical URL and whether an alias marked it external.
// An external URL is never inserted into the database (§4.2 step 7).
func Normalize(raw string, opts NormalizeOptions) (canonical string, external bool, err error) {
	raw = strings.TrimSpace(raw)

	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("normalize: parse %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return "", false, fmt.Errorf("normalize: %q is not an absolute URL", raw)
	}

	// 1. Lowercase scheme and host.
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// 2. Ensure a path component exists.
	if u.Path == "" {
		u.Path = "/"
	}

	// 3. Percent-encode unsafe characters (net/url.String() already does
	// this on output; re-parsing the escaped form normalizes %-case too).
	u.RawPath = ""

	// 4. Drop the fragment unless the host is fragment-significant.
	host := u.Hostname()
	if opts.FragmentSignificant == nil || !opts.FragmentSignificant(host) {
		u.Fragment = ""
	}

	// 5. Apply plug-in normalization.
	for _, p := range opts.Plugins {
		p.Normalize(u)
	}

	canonical = u.String()

	// 6. Apply the first matching Alias, tried in id order.
	aliases := append([]Alias(nil), opts.Aliases...)
	sort.Slice(aliases, func(i, j int) bool { return aliases[i].ID < aliases[j].ID })
	for _, a := range aliases {
		if strings.HasPrefix(canonical, a.SourceURLPrefix) {
			canonical = a.TargetURLPrefix + strings.TrimPrefix(canonical, a.SourceURLPrefix)
			if a.TargetIsExternal {
				return ExternalURLScheme + canonical, true, nil
			}
			break
		}
	}

	return canonical, false, nil
}

// ResourceURLAlternatives returns the set of URLs that must resolve to the
// same Resource for lookup purposes (§4.2): the raw input as given, plus
// the canonical form. The first alternative that already exists in the
// store wins; otherwise the canonical form is used.
func ResourceURLAlternatives(raw, canonical string) []string {
	if raw == canonical {
		return []string{canonical}
	}
	return []string{raw, canonical}
}

// PhpBBSessionIDPlugin strips the phpBB "sid" session-id query parameter so
// that two fetches of the same topic under different sessions normalize to
// one Resource.
type PhpBBSessionIDPlugin struct{}

func (PhpBBSessionIDPlugin) Normalize(u *url.URL) {
	if !strings.Contains(u.Path, "viewtopic") && !strings.Contains(u.Path, "viewforum") {
		return
	}
	q := u.Query()
	q.Del("sid")
	u.RawQuery = q.Encode()
}

// SubstackTrackingParamPlugin collapses Substack's per-email-click tracking
// parameters so every reader lands on the same canonical Resource.
type SubstackTrackingParamPlugin struct{}

var substackTrackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "r", "s", "triedRedirect"}

func (SubstackTrackingParamPlugin) Normalize(u *url.URL) {
	if !strings.HasSuffix(u.Hostname(), "substack.com") {
		return
	}
	q := u.Query()
	for _, p := range substackTrackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
}
