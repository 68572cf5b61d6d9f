package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/crystalarchiver/crystal/internal/cache"
	"github.com/crystalarchiver/crystal/internal/config"
	"github.com/crystalarchiver/crystal/internal/crystalerr"
	"github.com/crystalarchiver/crystal/internal/db"
	"github.com/crystalarchiver/crystal/internal/entity"
	"github.com/crystalarchiver/crystal/internal/parse"
	"github.com/crystalarchiver/crystal/internal/task"
)

// Pipeline is the concrete task.Executor driving the Download Pipeline
// (§4.4): it wires the HTTP Client, the Project Store's revision write
// protocol, the Entity Model, and the Link Parser Facade together.
type Pipeline struct {
	client       *Client
	store        *db.Store
	model        *entity.Model
	parser       *parse.Facade
	sessionFresh *cache.SessionFresh
	cfg          config.FetchConfig

	dnd       *doNotDownloadMatcher
	freeSpace func() error
}

// SetFreeSpaceGuard wires the §4.1 free-space check ("before any body
// write, check that free space exceeds min(4 GiB, 5% of volume)") run
// immediately before a revision body is staged to disk. A nil guard (the
// default) skips the check, since the platform-specific statfs call lives
// in internal/project, which owns the open project directory.
func (p *Pipeline) SetFreeSpaceGuard(guard func() error) {
	p.freeSpace = guard
}

// NewPipeline builds a Pipeline. sessionFresh may be nil, which disables
// the §4.4 step 1 short-circuit regardless of cfg.SessionFreshEnabled.
func NewPipeline(client *Client, store *db.Store, model *entity.Model, parser *parse.Facade, sessionFresh *cache.SessionFresh, cfg config.FetchConfig) *Pipeline {
	return &Pipeline{
		client:       client,
		store:        store,
		model:        model,
		parser:       parser,
		sessionFresh: sessionFresh,
		cfg:          cfg,
		dnd:          &doNotDownloadMatcher{model: model},
	}
}

var _ task.Executor = (*Pipeline)(nil)

func (p *Pipeline) stallTimeout() time.Duration {
	if p.cfg.StallTimeout <= 0 {
		return 30 * time.Second
	}
	return p.cfg.StallTimeout
}

// DownloadResourceBody implements task.Executor (§4.4 steps 1-4).
func (p *Pipeline) DownloadResourceBody(ctx context.Context, resourceID int64, staleBefore int64, interactive bool) (int64, bool, error) {
	if p.cfg.SessionFreshEnabled && p.sessionFresh != nil && staleBefore == 0 {
		if revisionID, ok := p.sessionFresh.Get(resourceID); ok {
			return revisionID, false, nil
		}
	}

	resource, ok, err := p.model.ResourceByID(ctx, resourceID)
	if err != nil {
		return 0, false, fmt.Errorf("resolve resource %d: %w", resourceID, err)
	}
	if !ok || resource.IsExternal() || resource.IsUnsaved() {
		return 0, false, crystalerr.New("fetch.DownloadResourceBody", crystalerr.NotFound,
			fmt.Errorf("resource %d is not downloadable", resourceID))
	}

	if p.freeSpace != nil {
		if err := p.freeSpace(); err != nil {
			return p.persistError(ctx, resourceID, err)
		}
	}

	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	host := requestHost(resource.URL)

	resp, err := p.client.Get(bodyCtx, resource.URL)
	if err != nil {
		p.client.Stats().Record(host, time.Since(start), 0, err)
		return p.persistError(ctx, resourceID, err)
	}

	guard := newStallGuard(resp.Body, p.stallTimeout(), cancel)
	pb, copyErr := p.store.StageRevisionBody(guard)
	closeErr := guard.Close()
	p.client.Stats().Record(host, time.Since(start), pb.Size(), copyErr)
	if copyErr != nil {
		if guard.Stalled() {
			return p.persistError(ctx, resourceID,
				crystalerr.New("fetch.DownloadResourceBody", crystalerr.DownloadTimeout, copyErr))
		}
		return p.persistError(ctx, resourceID,
			crystalerr.New("fetch.DownloadResourceBody", crystalerr.DownloadNetwork, copyErr))
	}
	if closeErr != nil {
		return p.persistError(ctx, resourceID,
			crystalerr.New("fetch.DownloadResourceBody", crystalerr.DownloadNetwork, closeErr))
	}

	meta := entity.ResponseMetadata{
		HTTPVersion:  httpMajorVersion(resp.Proto),
		StatusCode:   resp.StatusCode,
		ReasonPhrase: resp.ReasonPhrase,
		Headers:      headerPairs(resp.Headers),
	}
	cookie, hasCookie := "", false
	if p.cfg.CookieHeader != "" {
		cookie, hasCookie = p.cfg.CookieHeader, true
	}

	rev, err := p.model.CreateRevision(ctx, resourceID, cookie, hasCookie, nil, meta)
	if err != nil {
		p.store.AbandonRevisionBody(pb)
		return 0, false, fmt.Errorf("commit revision: %w", err)
	}

	major, _, err := p.store.MajorVersion(ctx)
	if err != nil {
		_ = p.model.RollbackRevision(ctx, rev.ID)
		p.store.AbandonRevisionBody(pb)
		return 0, false, fmt.Errorf("read major version: %w", err)
	}
	if err := p.store.FinalizeRevisionBody(pb, major, rev.ID); err != nil {
		_ = p.model.RollbackRevision(ctx, rev.ID)
		return 0, false, fmt.Errorf("finalize revision body: %w", err)
	}

	_, isErrorPage := httpStatusErrorKind(resp.StatusCode)

	if p.cfg.SessionFreshEnabled && p.sessionFresh != nil && !isErrorPage {
		p.sessionFresh.Set(resourceID, rev.ID)
	}

	return rev.ID, isErrorPage, nil
}

// persistError records a failed fetch as an error revision (§4.4 "Error
// taxonomy per revision") and still returns err so the scheduler marks the
// task Failed; the revision row is what callers inspect for the kind.
func (p *Pipeline) persistError(ctx context.Context, resourceID int64, cause error) (int64, bool, error) {
	revErr := &entity.RevisionError{Kind: revisionErrorKind(cause), Message: cause.Error()}
	if _, err := p.model.CreateRevision(ctx, resourceID, "", false, revErr, entity.ResponseMetadata{}); err != nil {
		return 0, false, fmt.Errorf("persist error revision: %w", err)
	}
	return 0, false, cause
}

// revisionErrorKind maps a crystalerr.Kind to the §6.2 revision error
// vocabulary (timeout|dns|tls|connection|http|io). DNS failures are not
// their own crystalerr.Kind; they're recognized from the net package's own
// "no such host" wording inside a DownloadNetwork error.
func revisionErrorKind(err error) string {
	switch crystalerr.ClassifyOf(err) {
	case crystalerr.DownloadTimeout, crystalerr.Cancelled:
		return "timeout"
	case crystalerr.DownloadTLS:
		return "tls"
	case crystalerr.DownloadHTTP:
		return "http"
	case crystalerr.DownloadNetwork:
		if strings.Contains(strings.ToLower(err.Error()), "no such host") ||
			strings.Contains(strings.ToLower(err.Error()), "lookup") {
			return "dns"
		}
		return "connection"
	default:
		return "io"
	}
}

// ParseLinks implements task.Executor (§4.4 step 5).
func (p *Pipeline) ParseLinks(ctx context.Context, revisionID int64) ([]task.DiscoveredLink, error) {
	rev, ok, err := p.model.RevisionByID(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("load revision %d: %w", revisionID, err)
	}
	if !ok || !rev.Succeeded() {
		return nil, nil
	}

	resource, ok, err := p.model.ResourceByID(ctx, rev.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("resolve resource %d: %w", rev.ResourceID, err)
	}
	if !ok {
		return nil, nil
	}

	contentType, _ := rev.Metadata.HeaderValue("Content-Type")
	if contentType == "" {
		contentType, _ = rev.Metadata.HeaderValue("content-type")
	}
	if isKnownBinaryMIME(contentType) {
		return nil, nil
	}

	major, _, err := p.store.MajorVersion(ctx)
	if err != nil {
		return nil, err
	}
	f, err := p.store.OpenRevisionBody(major, revisionID)
	if err != nil {
		if crystalerr.Is(err, crystalerr.RevisionBodyMissing) {
			return nil, nil
		}
		return nil, err
	}
	body, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("read revision body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	links, err := p.parser.Parse(body, contentType, resource.URL)
	if err != nil {
		return nil, crystalerr.New("fetch.ParseLinks", crystalerr.ParseFailed, err)
	}
	if len(links) == 0 {
		return nil, nil
	}

	urls := make([]string, len(links))
	for i, l := range links {
		urls[i] = l.URL
	}
	results, _, _, err := p.model.BulkGetOrCreate(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("bulk insert discovered links: %w", err)
	}

	dnd, err := p.dnd.compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile do_not_download groups: %w", err)
	}

	out := make([]task.DiscoveredLink, len(links))
	for i, l := range links {
		r := results[i]
		out[i] = task.DiscoveredLink{
			ResourceID:    r.ID,
			Embedded:      l.Kind == parse.Embedded,
			DoNotDownload: dnd(r.URL),
			External:      r.IsExternal(),
			Integrity:     l.RewrittenIntegrity(r.IsExternal()),
		}
	}
	return out, nil
}

// UpdateGroupMembers implements task.Executor (§4.3 UpdateGroupMembers). A
// group's membership is derived from its pattern over the Resources the
// Entity Model already knows, so this only checks that the group still
// exists; it does not download the group's source, whether that source is a
// Root Resource or another Group.
func (p *Pipeline) UpdateGroupMembers(ctx context.Context, groupID int64) error {
	_, ok, err := p.model.GroupByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load group %d: %w", groupID, err)
	}
	if !ok {
		return crystalerr.New("fetch.UpdateGroupMembers", crystalerr.NotFound,
			fmt.Errorf("group %d not found", groupID))
	}
	return nil
}

// NextGroupMembers implements task.Executor (§4.3 Backpressure): it lazily
// walks the group's MemberSeq, skipping external and unsaved members and
// members of any do_not_download group, since the scheduler materializes at
// most `limit` at a time.
func (p *Pipeline) NextGroupMembers(ctx context.Context, groupID int64, limit int) ([]int64, bool, error) {
	group, ok, err := p.model.GroupByID(ctx, groupID)
	if err != nil {
		return nil, false, fmt.Errorf("load group %d: %w", groupID, err)
	}
	if !ok {
		return nil, true, crystalerr.New("fetch.NextGroupMembers", crystalerr.NotFound,
			fmt.Errorf("group %d not found", groupID))
	}

	seq, err := p.model.GroupMembers(ctx, group)
	if err != nil {
		return nil, false, fmt.Errorf("enumerate group %d members: %w", groupID, err)
	}

	dnd, err := p.dnd.compile(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("compile do_not_download groups: %w", err)
	}

	var ids []int64
	for len(ids) < limit {
		r, ok, err := seq.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return ids, true, nil
		}
		if r.IsExternal() || r.IsUnsaved() || dnd(r.URL) {
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids, false, nil
}

// requestHost extracts the host for per-host Stats keying; an unparseable
// URL (shouldn't happen, since it already round-tripped through an HTTP
// GET) falls back to the raw string so stats still accumulate somewhere.
func requestHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func httpMajorVersion(proto string) int {
	if strings.HasPrefix(proto, "HTTP/2") {
		return 2
	}
	if strings.HasPrefix(proto, "HTTP/3") {
		return 3
	}
	return 1
}

func headerPairs(h [][2]string) [][]string {
	out := make([][]string, len(h))
	for i, kv := range h {
		out[i] = []string{kv[0], kv[1]}
	}
	return out
}

// isKnownBinaryMIME reports the media types §4.4 step 5 excludes from
// parsing outright, independent of the parser facade's own unknown-type
// fallback (which already returns no links for anything not in its
// content-type family table; this check just avoids paying for a body
// read and facade call on payloads guaranteed to yield nothing).
func isKnownBinaryMIME(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "font/"):
		return true
	}
	switch mediaType {
	case "application/octet-stream", "application/pdf", "application/zip",
		"application/gzip", "application/x-gzip", "application/x-tar",
		"application/wasm", "application/vnd.ms-fontobject":
		return true
	}
	return false
}

// doNotDownloadMatcher tests a URL against every do_not_download group's
// compiled pattern (§4.4 step 6). Groups are re-listed and recompiled on
// every ParseLinks call rather than cached, since group definitions change
// rarely relative to pages parsed and the Entity Model already holds the
// authoritative list.
type doNotDownloadMatcher struct {
	model *entity.Model
}

func (d *doNotDownloadMatcher) compile(ctx context.Context) (func(url string) bool, error) {
	groups, err := d.model.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var matchers []func(string) bool
	for _, g := range groups {
		if !g.DoNotDownload {
			continue
		}
		match, err := entity.CompilePattern(g.Pattern)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, match)
	}
	return func(url string) bool {
		for _, m := range matchers {
			if m(url) {
				return true
			}
		}
		return false
	}, nil
}
