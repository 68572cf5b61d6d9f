package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Queries wraps a *sql.DB or *sql.Tx behind a set of hand-written
// accessors, one method per statement, mirroring the shape sqlc would
// generate. WithTx returns a Queries bound to a transaction.
type Queries struct {
	db dbtx
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(db dbtx) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// ---------------------------------------------------------------- resource

func (q *Queries) InsertResource(ctx context.Context, url string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `INSERT INTO resource(url) VALUES (?)`, url)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// BulkInsertResources inserts every URL in one statement per row but a
// single transaction-caller-managed round trip, matching §4.1's "bulk
// resource creation uses one batched INSERT + COMMIT". Callers are expected
// to invoke this through Store.WithTx. Returns ids in input order.
func (q *Queries) BulkInsertResources(ctx context.Context, urls []string) ([]int64, error) {
	ids := make([]int64, len(urls))
	stmt := `INSERT INTO resource(url) VALUES (?)`
	for i, u := range urls {
		res, err := q.db.ExecContext(ctx, stmt, u)
		if err != nil {
			return nil, fmt.Errorf("bulk insert resource %q: %w", u, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (q *Queries) GetResourceByURL(ctx context.Context, url string) (Resource, error) {
	var r Resource
	err := q.db.QueryRowContext(ctx, `SELECT id, url FROM resource WHERE url = ?`, url).
		Scan(&r.ID, &r.URL)
	return r, err
}

func (q *Queries) GetResourceByID(ctx context.Context, id int64) (Resource, error) {
	var r Resource
	err := q.db.QueryRowContext(ctx, `SELECT id, url FROM resource WHERE id = ?`, id).
		Scan(&r.ID, &r.URL)
	return r, err
}

func (q *Queries) DeleteResource(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM resource WHERE id = ?`, id)
	return err
}

func (q *Queries) CountResources(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource`).Scan(&n)
	return n, err
}

// ListResourcesPrefix returns resources whose url starts with prefix,
// ordered by url, for the URL-prefix range-query membership strategy (§4.2).
func (q *Queries) ListResourcesPrefix(ctx context.Context, prefix string, limit, offset int) ([]Resource, error) {
	upperBound := prefixUpperBound(prefix)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, url FROM resource
		WHERE url >= ? AND url < ?
		ORDER BY url
		LIMIT ? OFFSET ?`, prefix, upperBound, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResources(rows)
}

// ListResourcesFrom streams all resources ordered by id for the cursor-scan
// membership strategy (§4.2).
func (q *Queries) ListResourcesFrom(ctx context.Context, afterID int64, limit int) ([]Resource, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, url FROM resource
		WHERE id > ?
		ORDER BY id
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResources(rows)
}

func (q *Queries) ListAllResources(ctx context.Context) ([]Resource, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, url FROM resource ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResources(rows)
}

func scanResources(rows *sql.Rows) ([]Resource, error) {
	var out []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.URL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the lexicographically smallest string greater
// than every string with the given prefix, for a half-open range scan.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + "\xff"
}

// -------------------------------------------------------------- root_resource

func (q *Queries) InsertRootResource(ctx context.Context, name string, resourceID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO root_resource(name, resource_id) VALUES (?, ?)`, name, resourceID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *Queries) DeleteRootResource(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM root_resource WHERE id = ?`, id)
	return err
}

func (q *Queries) UpdateRootResourceName(ctx context.Context, id int64, name string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE root_resource SET name = ? WHERE id = ?`, name, id)
	return err
}

func (q *Queries) ListRootResources(ctx context.Context) ([]RootResource, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, resource_id FROM root_resource ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RootResource
	for rows.Next() {
		var r RootResource
		if err := rows.Scan(&r.ID, &r.Name, &r.ResourceID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) GetRootResourceByResourceID(ctx context.Context, resourceID int64) (RootResource, error) {
	var r RootResource
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, resource_id FROM root_resource WHERE resource_id = ?`, resourceID).
		Scan(&r.ID, &r.Name, &r.ResourceID)
	return r, err
}

// -------------------------------------------------------------- resource_group

type InsertGroupParams struct {
	Name          string
	URLPattern    string
	SourceType    sql.NullString
	SourceID      sql.NullInt64
	DoNotDownload bool
}

func (q *Queries) InsertResourceGroup(ctx context.Context, p InsertGroupParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO resource_group(name, url_pattern, source_type, source_id, do_not_download)
		VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.URLPattern, p.SourceType, p.SourceID, boolToInt(p.DoNotDownload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *Queries) DeleteResourceGroup(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM resource_group WHERE id = ?`, id)
	return err
}

func (q *Queries) ListResourceGroups(ctx context.Context) ([]ResourceGroup, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, url_pattern, source_type, source_id, do_not_download
		FROM resource_group ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResourceGroup
	for rows.Next() {
		var g ResourceGroup
		var dnd int
		if err := rows.Scan(&g.ID, &g.Name, &g.URLPattern, &g.SourceType, &g.SourceID, &dnd); err != nil {
			return nil, err
		}
		g.DoNotDownload = dnd != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

func (q *Queries) GetResourceGroupByID(ctx context.Context, id int64) (ResourceGroup, error) {
	var g ResourceGroup
	var dnd int
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, url_pattern, source_type, source_id, do_not_download
		FROM resource_group WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.URLPattern, &g.SourceType, &g.SourceID, &dnd)
	g.DoNotDownload = dnd != 0
	return g, err
}

func (q *Queries) GetResourceGroupByName(ctx context.Context, name string) (ResourceGroup, error) {
	var g ResourceGroup
	var dnd int
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, url_pattern, source_type, source_id, do_not_download
		FROM resource_group WHERE name = ?`, name).
		Scan(&g.ID, &g.Name, &g.URLPattern, &g.SourceType, &g.SourceID, &dnd)
	g.DoNotDownload = dnd != 0
	return g, err
}

// -------------------------------------------------------------- resource_revision

type InsertRevisionParams struct {
	ResourceID    int64
	RequestCookie sql.NullString
	Error         string // JSON text, "null" on success
	Metadata      string // JSON text
}

func (q *Queries) InsertRevision(ctx context.Context, p InsertRevisionParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO resource_revision(resource_id, request_cookie, error, metadata)
		VALUES (?, ?, ?, ?)`,
		p.ResourceID, p.RequestCookie, p.Error, p.Metadata)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *Queries) DeleteRevision(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM resource_revision WHERE id = ?`, id)
	return err
}

func (q *Queries) GetRevision(ctx context.Context, id int64) (ResourceRevision, error) {
	var r ResourceRevision
	err := q.db.QueryRowContext(ctx, `
		SELECT id, resource_id, request_cookie, error, metadata, created_at
		FROM resource_revision WHERE id = ?`, id).
		Scan(&r.ID, &r.ResourceID, &r.RequestCookie, &r.Error, &r.Metadata, &r.CreatedAt)
	return r, err
}

func (q *Queries) ListRevisionsByResource(ctx context.Context, resourceID int64) ([]ResourceRevision, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, resource_id, request_cookie, error, metadata, created_at
		FROM resource_revision WHERE resource_id = ? ORDER BY id`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResourceRevision
	for rows.Next() {
		var r ResourceRevision
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.RequestCookie, &r.Error, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDefaultRevision returns the most recent non-error revision of a
// Resource, ties broken by largest id (§3.1 Default Revision).
func (q *Queries) GetDefaultRevision(ctx context.Context, resourceID int64) (ResourceRevision, error) {
	var r ResourceRevision
	err := q.db.QueryRowContext(ctx, `
		SELECT id, resource_id, request_cookie, error, metadata, created_at
		FROM resource_revision
		WHERE resource_id = ? AND error = 'null'
		ORDER BY id DESC LIMIT 1`, resourceID).
		Scan(&r.ID, &r.ResourceID, &r.RequestCookie, &r.Error, &r.Metadata, &r.CreatedAt)
	return r, err
}

func (q *Queries) MaxRevisionID(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT MAX(id) FROM resource_revision`).Scan(&n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

func (q *Queries) CountRevisions(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource_revision`).Scan(&n)
	return n, err
}

// ListRevisionIDsDesc returns up to limit revision ids, newest (highest id)
// first.
func (q *Queries) ListRevisionIDsDesc(ctx context.Context, limit int) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM resource_revision ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// -------------------------------------------------------------------- alias

func (q *Queries) InsertAlias(ctx context.Context, sourcePrefix, targetPrefix string, external bool) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO alias(source_url_prefix, target_url_prefix, target_is_external)
		VALUES (?, ?, ?)`, sourcePrefix, targetPrefix, boolToInt(external))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *Queries) DeleteAlias(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM alias WHERE id = ?`, id)
	return err
}

// ListAliases returns all aliases ordered by id, the order in which §4.2
// step 6 requires them to be tried.
func (q *Queries) ListAliases(ctx context.Context) ([]Alias, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, source_url_prefix, target_url_prefix, target_is_external
		FROM alias ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alias
	for rows.Next() {
		var a Alias
		var ext int
		if err := rows.Scan(&a.ID, &a.SourceURLPrefix, &a.TargetURLPrefix, &ext); err != nil {
			return nil, err
		}
		a.TargetIsExternal = ext != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------- project_property

func (q *Queries) GetProjectProperty(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM project_property WHERE name = ?`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (q *Queries) SetProjectProperty(ctx context.Context, name, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO project_property(name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	return err
}

func (q *Queries) DeleteProjectProperty(ctx context.Context, name string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM project_property WHERE name = ?`, name)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
