package entity

import (
	"database/sql"
	"encoding/json"
	"sync/atomic"

	"github.com/crystalarchiver/crystal/internal/db"
)

// Resource is a downloadable absolute URL (§3.1). Ids are stable and
// never reused. A negative id marks an in-memory-only, unsaved Resource —
// produced when an Alias marks a URL external, or when a readonly project
// discovers a new Resource it cannot persist yet (§9 "Readonly/pending
// save resources"). Unsaved Resources are assigned a real id by
// Model.FlushUnsaved on Save As.
type Resource struct {
	ID  int64
	URL string
}

// IsUnsaved reports whether this Resource exists only in memory.
func (r Resource) IsUnsaved() bool { return r.ID < 0 }

// IsExternal reports whether this Resource was created by an external
// Alias and so was never and will never be inserted into the database
// (§4.2 step 7).
func (r Resource) IsExternal() bool {
	return len(r.URL) >= len(ExternalURLScheme) && r.URL[:len(ExternalURLScheme)] == ExternalURLScheme
}

func resourceFromRow(r db.Resource) Resource {
	return Resource{ID: r.ID, URL: r.URL}
}

// unsavedIDCounter hands out negative ids for in-memory-only Resources,
// one counter per process; collisions across projects don't matter because
// negative ids are never persisted.
var unsavedIDCounter int64

func nextUnsavedID() int64 {
	return -atomic.AddInt64(&unsavedIDCounter, 1)
}

// RevisionError is the decoded form of resource_revision.error (§6.2).
// A nil *RevisionError means success.
type RevisionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResponseMetadata is the decoded form of resource_revision.metadata
// (§6.2).
type ResponseMetadata struct {
	HTTPVersion  int        `json:"http_version"`
	StatusCode   int        `json:"status_code"`
	ReasonPhrase string     `json:"reason_phrase"`
	Headers      [][]string `json:"headers"`
}

// HeaderValue returns the first value of the named header, case-sensitively
// matching how it was captured (callers normalize case if needed).
func (m ResponseMetadata) HeaderValue(name string) (string, bool) {
	for _, kv := range m.Headers {
		if len(kv) == 2 && kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

// Revision is one concrete fetch of a Resource (§3.1).
type Revision struct {
	ID            int64
	ResourceID    int64
	RequestCookie string
	HasCookie     bool
	Error         *RevisionError
	Metadata      ResponseMetadata
}

// Succeeded reports whether this Revision has no error.
func (r Revision) Succeeded() bool { return r.Error == nil }

func revisionFromRow(row db.ResourceRevision) (Revision, error) {
	rev := Revision{
		ID:         row.ID,
		ResourceID: row.ResourceID,
	}
	if row.RequestCookie.Valid {
		rev.RequestCookie = row.RequestCookie.String
		rev.HasCookie = true
	}
	if row.Error != "" && row.Error != "null" {
		var e RevisionError
		if err := json.Unmarshal([]byte(row.Error), &e); err != nil {
			return Revision{}, err
		}
		rev.Error = &e
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &rev.Metadata); err != nil {
			return Revision{}, err
		}
	}
	return rev, nil
}

// EncodeError encodes a RevisionError (or nil, for success) the way the
// resource_revision.error column expects (§6.2: "null" means success).
func EncodeError(e *RevisionError) (string, error) {
	if e == nil {
		return "null", nil
	}
	b, err := json.Marshal(e)
	return string(b), err
}

// EncodeMetadata encodes ResponseMetadata for the resource_revision.metadata
// column.
func EncodeMetadata(m ResponseMetadata) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

func nullString(s string, ok bool) sql.NullString {
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
