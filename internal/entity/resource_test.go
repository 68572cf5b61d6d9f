package entity

import (
	"testing"

	"github.com/crystalarchiver/crystal/internal/db"
)

func TestIsUnsaved(t *testing.T) {
	if (Resource{ID: 5}).IsUnsaved() {
		t.Error("positive id should not be unsaved")
	}
	if !(Resource{ID: -5}).IsUnsaved() {
		t.Error("negative id should be unsaved")
	}
}

func TestIsExternal(t *testing.T) {
	r := Resource{ID: -1, URL: ExternalURLScheme + "https://cdn.other.com/x.png"}
	if !r.IsExternal() {
		t.Error("expected external resource")
	}
	r2 := Resource{ID: -1, URL: "https://example.com/x.png"}
	if r2.IsExternal() {
		t.Error("did not expect external resource")
	}
}

func TestNextUnsavedIDIsNegativeAndUnique(t *testing.T) {
	a := nextUnsavedID()
	b := nextUnsavedID()
	if a >= 0 || b >= 0 {
		t.Fatalf("expected negative ids, got %d, %d", a, b)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %d twice", a)
	}
}

func TestEncodeDecodeErrorRoundTrip(t *testing.T) {
	encoded, err := EncodeError(nil)
	if err != nil {
		t.Fatalf("EncodeError(nil): %v", err)
	}
	if encoded != "null" {
		t.Errorf("got %q, want \"null\"", encoded)
	}

	e := &RevisionError{Kind: "timeout", Message: "deadline exceeded"}
	encoded, err = EncodeError(e)
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}

	row := db.ResourceRevision{Error: encoded, Metadata: `{"status_code":0}`}
	rev, err := revisionFromRow(row)
	if err != nil {
		t.Fatalf("revisionFromRow: %v", err)
	}
	if rev.Error == nil || rev.Error.Kind != "timeout" {
		t.Fatalf("got %+v, want decoded timeout error", rev.Error)
	}
	if rev.Succeeded() {
		t.Error("revision with an error should not have Succeeded() == true")
	}
}

func TestResponseMetadataHeaderValue(t *testing.T) {
	m := ResponseMetadata{Headers: [][]string{{"Content-Type", "text/html"}}}
	v, ok := m.HeaderValue("Content-Type")
	if !ok || v != "text/html" {
		t.Errorf("got (%q, %v), want (text/html, true)", v, ok)
	}
	if _, ok := m.HeaderValue("Missing"); ok {
		t.Error("expected missing header to report ok=false")
	}
}
