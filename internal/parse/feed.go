package parse

import "encoding/xml"

// feedExtractor extracts entry and enclosure links from Atom and RSS feeds
// (§4.5). No feed-parsing library appears anywhere in the retrieved pack
// (see DESIGN.md), so this decodes against minimal element structs with
// encoding/xml, matching the shape of both formats closely enough that one
// decode call handles either.
type feedExtractor struct{}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomEntry struct {
	Links []atomLink `xml:"link"`
	ID    string     `xml:"id"`
}

type rssEnclosure struct {
	URL string `xml:"url,attr"`
}

type rssItem struct {
	Link      string       `xml:"link"`
	Enclosure rssEnclosure `xml:"enclosure"`
}

type feedDoc struct {
	XMLName xml.Name
	Entries []atomEntry `xml:"entry"`
	Items   []rssItem   `xml:"channel>item"`
}

func (feedExtractor) Extract(body []byte, baseURL string) ([]Link, error) {
	var doc feedDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	var links []Link
	for _, e := range doc.Entries {
		for _, l := range e.Links {
			if l.Href == "" {
				continue
			}
			kind := Navigational
			if l.Rel == "enclosure" {
				kind = Embedded
			}
			links = append(links, Link{URL: l.Href, Kind: kind})
		}
	}
	for _, it := range doc.Items {
		if it.Link != "" {
			links = append(links, Link{URL: it.Link, Kind: Navigational})
		}
		if it.Enclosure.URL != "" {
			links = append(links, Link{URL: it.Enclosure.URL, Kind: Embedded})
		}
	}
	return links, nil
}
