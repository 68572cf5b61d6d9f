package entity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
	"github.com/crystalarchiver/crystal/internal/db"
)

// inMemoryResourceThreshold is the Resource count below which group
// membership uses a plain linear scan over the in-memory URL index rather
// than a database query (§4.2 "if the project is known to fit entirely in
// memory").
const inMemoryResourceThreshold = 50_000

// firstPageSize is how many members of a lazy membership sequence are
// materialized eagerly to drive the UI (§4.2).
const firstPageSize = 100

// Model is Crystal's Entity Model: the authoritative in-memory view of
// Resources, Root Resources, Resource Groups, and Aliases riding on top of
// the Project Store, plus the URL normalization configuration for this
// project (§4.2).
type Model struct {
	store *db.Store

	normOpts NormalizeOptions

	mu          sync.RWMutex
	urlToID     map[string]int64
	unsaved     map[int64]Resource // negative id -> Resource, not yet in the db
	fitsInMemory bool
}

// NewModel loads the URL index from the store and returns a ready Model.
func NewModel(ctx context.Context, store *db.Store, opts NormalizeOptions) (*Model, error) {
	m := &Model{
		store:    store,
		normOpts: opts,
		urlToID:  make(map[string]int64),
		unsaved:  make(map[int64]Resource),
	}
	if err := m.reloadIndex(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) reloadIndex(ctx context.Context) error {
	resources, err := m.store.Queries().ListAllResources(ctx)
	if err != nil {
		return fmt.Errorf("load resource index: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urlToID = make(map[string]int64, len(resources))
	for _, r := range resources {
		m.urlToID[r.URL] = r.ID
	}
	m.fitsInMemory = len(resources) < inMemoryResourceThreshold
	return nil
}

// setAliasesLocked replaces the Aliases held in the Model's normalize
// options. NormalizeURL does not read them: it lists the project's Aliases
// from the store on every call.
func (m *Model) setAliasesLocked(aliases []Alias) {
	m.normOpts.Aliases = aliases
}

// NormalizeURL runs §4.2's normalize() with this project's live Alias set.
func (m *Model) NormalizeURL(ctx context.Context, raw string) (canonical string, external bool, err error) {
	aliases, err := m.ListAliases(ctx)
	if err != nil {
		return "", false, err
	}
	opts := m.normOpts
	opts.Aliases = aliases
	return Normalize(raw, opts)
}

// GetOrCreate normalizes rawURL and returns its Resource, creating one if
// none of its URL alternatives already exist (§4.2).
func (m *Model) GetOrCreate(ctx context.Context, rawURL string) (Resource, bool, error) {
	canonical, external, err := m.NormalizeURL(ctx, rawURL)
	if err != nil {
		return Resource{}, false, err
	}
	if external {
		return m.getOrCreateUnsaved(canonical), true, nil
	}

	for _, alt := range ResourceURLAlternatives(rawURL, canonical) {
		if r, ok := m.lookupByURL(alt); ok {
			return r, false, nil
		}
	}

	writable := m.store.Mode() == db.ModeWritable
	if !writable {
		return m.getOrCreateUnsaved(canonical), true, nil
	}

	id, err := m.store.Queries().InsertResource(ctx, canonical)
	if err != nil {
		// Someone else (or a prior call) inserted it concurrently; re-check.
		if r, ok2, lookupErr := m.lookupPersisted(ctx, canonical); lookupErr == nil && ok2 {
			return r, false, nil
		}
		return Resource{}, false, fmt.Errorf("insert resource %q: %w", canonical, err)
	}
	m.mu.Lock()
	m.urlToID[canonical] = id
	m.mu.Unlock()
	return Resource{ID: id, URL: canonical}, true, nil
}

func (m *Model) getOrCreateUnsaved(canonical string) Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.unsaved {
		if r.URL == canonical {
			return r
		}
	}
	r := Resource{ID: nextUnsavedID(), URL: canonical}
	m.unsaved[r.ID] = r
	return r
}

func (m *Model) lookupByURL(url string) (Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.urlToID[url]; ok {
		return Resource{ID: id, URL: url}, true
	}
	for _, r := range m.unsaved {
		if r.URL == url {
			return r, true
		}
	}
	return Resource{}, false
}

func (m *Model) lookupPersisted(ctx context.Context, url string) (Resource, bool, error) {
	row, err := m.store.Queries().GetResourceByURL(ctx, url)
	if err == sql.ErrNoRows {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, err
	}
	return resourceFromRow(row), true, nil
}

// BulkGetOrCreate normalizes every URL, resolves each to a Resource
// (results is aligned index-for-index with rawURLs), and performs one
// database round trip for the whole batch (§4.2). created and existing
// partition the same Resources by whether this call inserted them,
// each in input order.
func (m *Model) BulkGetOrCreate(ctx context.Context, rawURLs []string) (results, created, existing []Resource, err error) {
	type pending struct {
		index     int
		canonical string
	}
	results = make([]Resource, len(rawURLs))
	isNew := make([]bool, len(rawURLs))
	var toInsert []pending

	for i, raw := range rawURLs {
		canonical, external, nerr := m.NormalizeURL(ctx, raw)
		if nerr != nil {
			return nil, nil, nil, nerr
		}
		if external {
			results[i] = m.getOrCreateUnsaved(canonical)
			continue
		}
		if r, ok := m.lookupByURL(canonical); ok {
			results[i] = r
			continue
		}
		toInsert = append(toInsert, pending{index: i, canonical: canonical})
		isNew[i] = true
	}

	if len(toInsert) > 0 {
		urls := make([]string, len(toInsert))
		for i, p := range toInsert {
			urls[i] = p.canonical
		}

		writable := m.store.Mode() == db.ModeWritable
		if writable {
			var ids []int64
			err = m.store.WithTx(ctx, func(q *db.Queries) error {
				var txErr error
				ids, txErr = q.BulkInsertResources(ctx, urls)
				return txErr
			})
			if err != nil {
				return nil, nil, nil, fmt.Errorf("bulk create resources: %w", err)
			}
			m.mu.Lock()
			for i, p := range toInsert {
				m.urlToID[p.canonical] = ids[i]
				results[p.index] = Resource{ID: ids[i], URL: p.canonical}
			}
			m.mu.Unlock()
		} else {
			for _, p := range toInsert {
				results[p.index] = m.getOrCreateUnsaved(p.canonical)
			}
		}
	}

	for i, r := range results {
		if isNew[i] {
			created = append(created, r)
		} else {
			existing = append(existing, r)
		}
	}
	return results, created, existing, nil
}

// FlushUnsaved assigns real database ids to every unsaved (negative-id)
// Resource in one batched INSERT, for Save-As on a project that was opened
// read-only (§4.1, §9). Returns the old->new id mapping so callers can
// rewrite in-memory references (Root Resources, Group sources, Task tree).
func (m *Model) FlushUnsaved(ctx context.Context) (map[int64]int64, error) {
	m.mu.Lock()
	unsaved := make([]Resource, 0, len(m.unsaved))
	for _, r := range m.unsaved {
		if !r.IsExternal() {
			unsaved = append(unsaved, r)
		}
	}
	sort.Slice(unsaved, func(i, j int) bool { return unsaved[i].ID > unsaved[j].ID })
	m.mu.Unlock()

	if len(unsaved) == 0 {
		return map[int64]int64{}, nil
	}

	urls := make([]string, len(unsaved))
	for i, r := range unsaved {
		urls[i] = r.URL
	}

	var ids []int64
	err := m.store.WithTx(ctx, func(q *db.Queries) error {
		var txErr error
		ids, txErr = q.BulkInsertResources(ctx, urls)
		return txErr
	})
	if err != nil {
		return nil, fmt.Errorf("flush unsaved resources: %w", err)
	}

	mapping := make(map[int64]int64, len(unsaved))
	m.mu.Lock()
	for i, r := range unsaved {
		mapping[r.ID] = ids[i]
		delete(m.unsaved, r.ID)
		m.urlToID[r.URL] = ids[i]
	}
	m.mu.Unlock()
	return mapping, nil
}

// DeleteResource removes a Resource. Revisions must already be deleted
// (§3.3 ownership); callers violating this get a foreign-key error from
// the store.
func (m *Model) DeleteResource(ctx context.Context, id int64) error {
	if _, err := m.store.Queries().GetRootResourceByResourceID(ctx, id); err == nil {
		return crystalerr.New("entity.DeleteResource", crystalerr.AlreadyExists,
			fmt.Errorf("resource %d is referenced by a root resource", id))
	}
	if err := m.store.Queries().DeleteResource(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	for url, rid := range m.urlToID {
		if rid == id {
			delete(m.urlToID, url)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// ResourceByID resolves a Resource by id, checking the in-memory unsaved
// set first (negative ids are never persisted) before the store.
func (m *Model) ResourceByID(ctx context.Context, id int64) (Resource, bool, error) {
	if id < 0 {
		m.mu.RLock()
		r, ok := m.unsaved[id]
		m.mu.RUnlock()
		return r, ok, nil
	}
	row, err := m.store.Queries().GetResourceByID(ctx, id)
	if err == sql.ErrNoRows {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, err
	}
	return resourceFromRow(row), true, nil
}

// ---------------------------------------------------------------- root resources

func (m *Model) AddRootResource(ctx context.Context, resourceID int64, name string) (RootResource, error) {
	if _, err := m.store.Queries().GetRootResourceByResourceID(ctx, resourceID); err == nil {
		return RootResource{}, crystalerr.New("entity.AddRootResource", crystalerr.AlreadyExists,
			fmt.Errorf("resource %d already has a root resource", resourceID))
	}
	id, err := m.store.Queries().InsertRootResource(ctx, name, resourceID)
	if err != nil {
		return RootResource{}, err
	}
	return RootResource{ID: id, Name: name, ResourceID: resourceID}, nil
}

func (m *Model) DeleteRootResource(ctx context.Context, id int64) error {
	return m.store.Queries().DeleteRootResource(ctx, id)
}

func (m *Model) ListRootResources(ctx context.Context) ([]RootResource, error) {
	rows, err := m.store.Queries().ListRootResources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RootResource, len(rows))
	for i, r := range rows {
		out[i] = rootResourceFromRow(r)
	}
	return out, nil
}

// -------------------------------------------------------------------- groups

// AddGroup validates the pattern and that source does not form a cycle
// (§3.2, §9) before inserting.
func (m *Model) AddGroup(ctx context.Context, name, pattern string, sourceKind SourceKind, sourceID int64, doNotDownload bool) (ResourceGroup, error) {
	if err := ValidatePatternSyntax(pattern); err != nil {
		return ResourceGroup{}, err
	}
	if sourceKind == SourceGroup {
		if err := m.checkNoCycle(ctx, sourceID, map[int64]bool{}); err != nil {
			return ResourceGroup{}, err
		}
	}

	var srcType sql.NullString
	var srcID sql.NullInt64
	if sourceKind != SourceNone {
		srcType = sql.NullString{String: string(sourceKind), Valid: true}
		srcID = sql.NullInt64{Int64: sourceID, Valid: true}
	}

	id, err := m.store.Queries().InsertResourceGroup(ctx, db.InsertGroupParams{
		Name:          name,
		URLPattern:    pattern,
		SourceType:    srcType,
		SourceID:      srcID,
		DoNotDownload: doNotDownload,
	})
	if err != nil {
		return ResourceGroup{}, err
	}
	return ResourceGroup{ID: id, Name: name, Pattern: pattern, SourceKind: sourceKind, SourceID: sourceID, DoNotDownload: doNotDownload}, nil
}

// checkNoCycle walks a candidate group's source chain, erroring if it would
// revisit a group already on the path (§3.2 "Resource Group source never
// forms a cycle", §9).
func (m *Model) checkNoCycle(ctx context.Context, groupID int64, visited map[int64]bool) error {
	if visited[groupID] {
		return crystalerr.New("entity.AddGroup", crystalerr.InvalidURLPattern,
			fmt.Errorf("group source chain starting at %d forms a cycle", groupID))
	}
	visited[groupID] = true

	groups, err := m.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ID == groupID && g.SourceKind == SourceGroup {
			return m.checkNoCycle(ctx, g.SourceID, visited)
		}
	}
	return nil
}

func (m *Model) DeleteGroup(ctx context.Context, id int64) error {
	return m.store.Queries().DeleteResourceGroup(ctx, id)
}

func (m *Model) ListGroups(ctx context.Context) ([]ResourceGroup, error) {
	rows, err := m.store.Queries().ListResourceGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ResourceGroup, len(rows))
	for i, g := range rows {
		out[i] = groupFromRow(g)
	}
	return out, nil
}

// GroupByID resolves a Resource Group by id.
func (m *Model) GroupByID(ctx context.Context, id int64) (ResourceGroup, bool, error) {
	row, err := m.store.Queries().GetResourceGroupByID(ctx, id)
	if err == sql.ErrNoRows {
		return ResourceGroup{}, false, nil
	}
	if err != nil {
		return ResourceGroup{}, false, err
	}
	return groupFromRow(row), true, nil
}

// -------------------------------------------------------------------- aliases

func (m *Model) AddAlias(ctx context.Context, sourcePrefix, targetPrefix string, external bool) (Alias, error) {
	if err := ValidateAlias(sourcePrefix, targetPrefix); err != nil {
		return Alias{}, err
	}
	existing, err := m.ListAliases(ctx)
	if err != nil {
		return Alias{}, err
	}
	for _, a := range existing {
		if a.SourceURLPrefix == sourcePrefix {
			return Alias{}, crystalerr.New("entity.AddAlias", crystalerr.AlreadyExists,
				fmt.Errorf("alias source_url_prefix %q already exists", sourcePrefix))
		}
	}

	id, err := m.store.Queries().InsertAlias(ctx, sourcePrefix, targetPrefix, external)
	if err != nil {
		return Alias{}, err
	}
	return Alias{ID: id, SourceURLPrefix: sourcePrefix, TargetURLPrefix: targetPrefix, TargetIsExternal: external}, nil
}

func (m *Model) DeleteAlias(ctx context.Context, id int64) error {
	return m.store.Queries().DeleteAlias(ctx, id)
}

func (m *Model) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := m.store.Queries().ListAliases(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Alias, len(rows))
	for i, a := range rows {
		out[i] = aliasFromRow(a)
	}
	return out, nil
}

// ------------------------------------------------------------------ revisions

// CreateRevision inserts a revision row within a single transaction
// (§4.1 revision write protocol step 3). Callers stage/finalize the body
// via db.Store directly, using the returned id.
func (m *Model) CreateRevision(ctx context.Context, resourceID int64, cookie string, hasCookie bool, revErr *RevisionError, meta ResponseMetadata) (Revision, error) {
	errJSON, err := EncodeError(revErr)
	if err != nil {
		return Revision{}, err
	}
	metaJSON, err := EncodeMetadata(meta)
	if err != nil {
		return Revision{}, err
	}

	id, err := m.store.Queries().InsertRevision(ctx, db.InsertRevisionParams{
		ResourceID:    resourceID,
		RequestCookie: nullString(cookie, hasCookie),
		Error:         errJSON,
		Metadata:      metaJSON,
	})
	if err != nil {
		return Revision{}, err
	}
	return Revision{ID: id, ResourceID: resourceID, RequestCookie: cookie, HasCookie: hasCookie, Error: revErr, Metadata: meta}, nil
}

// RollbackRevision deletes a revision row, used when the body write that
// was supposed to follow the commit fails (§4.1 step 5).
func (m *Model) RollbackRevision(ctx context.Context, id int64) error {
	return m.store.Queries().DeleteRevision(ctx, id)
}

// DefaultRevision returns the Default Revision of a Resource: the most
// recent non-error Revision, ties broken by largest id (§3.1).
func (m *Model) DefaultRevision(ctx context.Context, resourceID int64) (Revision, bool, error) {
	row, err := m.store.Queries().GetDefaultRevision(ctx, resourceID)
	if err == sql.ErrNoRows {
		return Revision{}, false, nil
	}
	if err != nil {
		return Revision{}, false, err
	}
	rev, err := revisionFromRow(row)
	return rev, true, err
}

// RevisionByID resolves a single Revision by id.
func (m *Model) RevisionByID(ctx context.Context, id int64) (Revision, bool, error) {
	row, err := m.store.Queries().GetRevision(ctx, id)
	if err == sql.ErrNoRows {
		return Revision{}, false, nil
	}
	if err != nil {
		return Revision{}, false, err
	}
	rev, err := revisionFromRow(row)
	return rev, true, err
}

func (m *Model) ListRevisions(ctx context.Context, resourceID int64) ([]Revision, error) {
	rows, err := m.store.Queries().ListRevisionsByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	out := make([]Revision, len(rows))
	for i, row := range rows {
		rev, err := revisionFromRow(row)
		if err != nil {
			return nil, err
		}
		out[i] = rev
	}
	return out, nil
}

// FitsInMemory reports whether the project was small enough at load time to
// use the linear-scan group membership strategy (§4.2).
func (m *Model) FitsInMemory() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fitsInMemory
}
