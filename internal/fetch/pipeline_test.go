package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crystalarchiver/crystal/internal/cache"
	"github.com/crystalarchiver/crystal/internal/config"
	"github.com/crystalarchiver/crystal/internal/crystalerr"
	"github.com/crystalarchiver/crystal/internal/db"
	"github.com/crystalarchiver/crystal/internal/entity"
	"github.com/crystalarchiver/crystal/internal/parse"
)

func newTestPipeline(t *testing.T, cfg config.FetchConfig) (*Pipeline, *entity.Model, *db.Store) {
	t.Helper()
	store, err := db.Open(t.TempDir(), true)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	model, err := entity.NewModel(context.Background(), store, entity.NormalizeOptions{})
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	client := NewClient(ClientOptions{MaxRate: 1000})
	t.Cleanup(client.Close)

	var sessionFresh *cache.SessionFresh
	if cfg.SessionFreshEnabled {
		sessionFresh = cache.New(cfg.SessionFreshWindow, 0)
		t.Cleanup(sessionFresh.Stop)
	}

	p := NewPipeline(client, store, model, parse.New(parse.HTMLSoup), sessionFresh, cfg)
	return p, model, store
}

func TestDownloadResourceBodyPersistsRevisionAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><a href="/next">next</a></html>`)
	}))
	defer srv.Close()

	ctx := context.Background()
	p, model, store := newTestPipeline(t, config.FetchConfig{})

	resource, _, err := model.GetOrCreate(ctx, srv.URL+"/")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	revisionID, isErrorPage, err := p.DownloadResourceBody(ctx, resource.ID, 0, false)
	if err != nil {
		t.Fatalf("DownloadResourceBody: %v", err)
	}
	if isErrorPage {
		t.Error("expected isErrorPage=false for a 200 response")
	}

	rev, ok, err := model.RevisionByID(ctx, revisionID)
	if err != nil || !ok {
		t.Fatalf("RevisionByID: ok=%v err=%v", ok, err)
	}
	if !rev.Succeeded() {
		t.Fatalf("expected a successful revision, got error %+v", rev.Error)
	}
	if ct, ok := rev.Metadata.HeaderValue("Content-Type"); !ok || ct != "text/html" {
		t.Errorf("Content-Type header = %q, ok=%v", ct, ok)
	}

	major, _, err := store.MajorVersion(ctx)
	if err != nil {
		t.Fatalf("MajorVersion: %v", err)
	}
	f, err := store.OpenRevisionBody(major, revisionID)
	if err != nil {
		t.Fatalf("OpenRevisionBody: %v", err)
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `<html><a href="/next">next</a></html>` {
		t.Errorf("body = %q", body)
	}
}

func TestDownloadResourceBodySessionFreshShortCircuit(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	ctx := context.Background()
	p, model, _ := newTestPipeline(t, config.FetchConfig{
		SessionFreshEnabled: true,
		SessionFreshWindow:  time.Minute,
	})

	resource, _, err := model.GetOrCreate(ctx, srv.URL+"/")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	first, _, err := p.DownloadResourceBody(ctx, resource.ID, 0, false)
	if err != nil {
		t.Fatalf("DownloadResourceBody (first): %v", err)
	}
	second, _, err := p.DownloadResourceBody(ctx, resource.ID, 0, false)
	if err != nil {
		t.Fatalf("DownloadResourceBody (second): %v", err)
	}
	if first != second {
		t.Errorf("expected session-fresh short-circuit to return the same revision, got %d and %d", first, second)
	}
	if atomic.LoadInt64(&hits) != 1 {
		t.Errorf("expected exactly 1 request, got %d", hits)
	}

	// staleBefore bypasses the short-circuit even within the window.
	third, _, err := p.DownloadResourceBody(ctx, resource.ID, time.Now().Unix(), false)
	if err != nil {
		t.Fatalf("DownloadResourceBody (stale): %v", err)
	}
	if third == first {
		t.Error("expected stale_before to bypass the session-fresh cache")
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Errorf("expected 2 requests after stale_before bypass, got %d", hits)
	}
}

func TestDownloadResourceBodyPersistsErrorRevisionOnConnectionFailure(t *testing.T) {
	ctx := context.Background()
	p, model, _ := newTestPipeline(t, config.FetchConfig{})

	resource, _, err := model.GetOrCreate(ctx, "http://127.0.0.1:1/unreachable")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	_, _, err = p.DownloadResourceBody(ctx, resource.ID, 0, false)
	if err == nil {
		t.Fatal("expected an error for an unreachable host")
	}

	revs, err := model.ListRevisions(ctx, resource.ID)
	if err != nil {
		t.Fatalf("ListRevisions: %v", err)
	}
	if len(revs) != 1 {
		t.Fatalf("got %d revisions, want 1", len(revs))
	}
	if revs[0].Succeeded() {
		t.Error("expected the persisted revision to carry an error")
	}
}

func TestParseLinksClassifiesEmbeddedExternalAndDoNotDownload(t *testing.T) {
	ctx := context.Background()
	p, model, store := newTestPipeline(t, config.FetchConfig{})

	page, _, err := model.GetOrCreate(ctx, "https://example.com/index.html")
	if err != nil {
		t.Fatalf("GetOrCreate page: %v", err)
	}

	if _, err := model.AddGroup(ctx, "ads", "https://ads.example.com/**", entity.SourceNone, 0, true); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if _, err := model.AddAlias(ctx, "https://cdn.other.com/", "https://cdn.other.com/", true); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}

	body := []byte(`<html>
<a href="/page2.html">next</a>
<img src="https://ads.example.com/banner.png">
<script src="https://cdn.other.com/lib.js"></script>
</html>`)

	pb, err := store.StageRevisionBody(bytesReader(body))
	if err != nil {
		t.Fatalf("StageRevisionBody: %v", err)
	}
	rev, err := model.CreateRevision(ctx, page.ID, "", false, nil, entity.ResponseMetadata{
		StatusCode: 200,
		Headers:    [][]string{{"Content-Type", "text/html"}},
	})
	if err != nil {
		t.Fatalf("CreateRevision: %v", err)
	}
	major, _, err := store.MajorVersion(ctx)
	if err != nil {
		t.Fatalf("MajorVersion: %v", err)
	}
	if err := store.FinalizeRevisionBody(pb, major, rev.ID); err != nil {
		t.Fatalf("FinalizeRevisionBody: %v", err)
	}

	links, err := p.ParseLinks(ctx, rev.ID)
	if err != nil {
		t.Fatalf("ParseLinks: %v", err)
	}

	byResourceURL := make(map[int64]bool, len(links))
	for _, l := range links {
		byResourceURL[l.ResourceID] = true
		_ = byResourceURL
	}

	var gotNav, gotAds, gotExternal bool
	for _, l := range links {
		r, ok, err := model.ResourceByID(ctx, l.ResourceID)
		if err != nil || !ok {
			t.Fatalf("ResourceByID(%d): ok=%v err=%v", l.ResourceID, ok, err)
		}
		switch {
		case r.URL == "https://example.com/page2.html":
			gotNav = true
			if l.Embedded {
				t.Error("expected /page2.html to be navigational")
			}
		case r.URL == "https://ads.example.com/banner.png":
			gotAds = true
			if !l.Embedded || !l.DoNotDownload {
				t.Errorf("expected ads banner to be embedded+do_not_download, got %+v", l)
			}
		case r.IsExternal():
			gotExternal = true
			if !l.External {
				t.Errorf("expected external resource to be flagged External, got %+v", l)
			}
		}
	}
	if !gotNav {
		t.Error("missing navigational link to /page2.html")
	}
	if !gotAds {
		t.Error("missing embedded do_not_download ads link")
	}
	if !gotExternal {
		t.Error("missing external aliased link")
	}
}

func TestNextGroupMembersPaginatesAndSkipsExternal(t *testing.T) {
	ctx := context.Background()
	p, model, _ := newTestPipeline(t, config.FetchConfig{})

	if _, err := model.AddAlias(ctx, "https://cdn.other.com/", "https://cdn.other.com/", true); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}
	for _, u := range []string{
		"https://example.com/posts/1",
		"https://example.com/posts/2",
		"https://example.com/posts/3",
	} {
		if _, _, err := model.GetOrCreate(ctx, u); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", u, err)
		}
	}
	if _, _, err := model.GetOrCreate(ctx, "https://cdn.other.com/ignored.js"); err != nil {
		t.Fatalf("GetOrCreate external: %v", err)
	}

	group, err := model.AddGroup(ctx, "posts", "https://example.com/posts/#", entity.SourceNone, 0, false)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}

	if err := p.UpdateGroupMembers(ctx, group.ID); err != nil {
		t.Fatalf("UpdateGroupMembers: %v", err)
	}

	var all []int64
	for {
		ids, done, err := p.NextGroupMembers(ctx, group.ID, 2)
		if err != nil {
			t.Fatalf("NextGroupMembers: %v", err)
		}
		all = append(all, ids...)
		if done {
			break
		}
	}
	if len(all) != 3 {
		t.Fatalf("got %d members, want 3 (external member must be excluded): %v", len(all), all)
	}
}

func bytesReader(b []byte) io.Reader {
	return &byteSliceReader{b: b}
}

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

var _ = crystalerr.Unknown
