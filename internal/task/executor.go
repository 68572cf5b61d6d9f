package task

import "context"

// DiscoveredLink is one link found by the parser facade (§4.5), already
// normalized and resolved to a Resource id by the Entity Model.
type DiscoveredLink struct {
	ResourceID    int64
	Embedded      bool // false means navigational
	DoNotDownload bool
	External      bool
	// Integrity carries a subresource-integrity hash discovered on the
	// source element, already adjusted by parse.Link.RewrittenIntegrity
	// for whether ResourceID resolved to an external alias. A consumer
	// serving the archive back to a browser uses this to decide whether
	// the original `integrity=` attribute still applies to the rewritten
	// URL; the scheduler itself only threads it through.
	Integrity string
}

// Executor is the scheduler's dependency on the Download Pipeline and
// Entity Model: the scheduler drives *when* and *in what order* work
// happens, Executor performs the actual network, parse, and membership
// work (§4.4). A single Executor is shared by every task in a project.
type Executor interface {
	// DownloadResourceBody performs §4.4 steps 1-4: admission/session-fresh
	// check, GET request, response capture, and persistence via the
	// revision write protocol. staleBefore of 0 means unset. isErrorPage
	// reports a 4xx/5xx response, which suppresses embed scheduling.
	DownloadResourceBody(ctx context.Context, resourceID int64, staleBefore int64, interactive bool) (revisionID int64, isErrorPage bool, err error)

	// ParseLinks runs the parser facade over a revision and bulk-inserts
	// discovered Resources into the Entity Model (§4.4 step 5).
	ParseLinks(ctx context.Context, revisionID int64) ([]DiscoveredLink, error)

	// UpdateGroupMembers runs before a group's members are enumerated
	// (§4.3 UpdateGroupMembers). fetch.Pipeline's implementation only checks
	// that the group exists; it does not download the group's source.
	UpdateGroupMembers(ctx context.Context, groupID int64) error

	// NextGroupMembers returns up to limit downloadable member resource
	// ids (do_not_download and external members already excluded), and
	// whether the membership sequence is exhausted (§4.3 Backpressure).
	NextGroupMembers(ctx context.Context, groupID int64, limit int) (resourceIDs []int64, done bool, err error)
}
