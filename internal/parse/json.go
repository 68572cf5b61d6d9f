package parse

import (
	"encoding/json"
	"net/url"
)

// jsonExtractor walks a decoded JSON value depth-first, collecting string
// leaves that parse as absolute URLs (§4.5: "any string that is a valid
// absolute URL" is an embedded link — JSON has no notion of navigation).
type jsonExtractor struct{}

func (jsonExtractor) Extract(body []byte, baseURL string) ([]Link, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	var links []Link
	walkJSON(v, &links)
	return links, nil
}

func walkJSON(v any, links *[]Link) {
	switch t := v.(type) {
	case string:
		if isAbsoluteURL(t) {
			*links = append(*links, Link{URL: t, Kind: Embedded})
		}
	case []any:
		for _, e := range t {
			walkJSON(e, links)
		}
	case map[string]any:
		for _, e := range t {
			walkJSON(e, links)
		}
	}
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}
