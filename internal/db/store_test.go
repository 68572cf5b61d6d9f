package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return store
}

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dir, "database.sqlite")); err != nil {
		t.Error("database.sqlite was not created")
	}
	if _, err := os.Stat(filepath.Join(dir, "revisions")); err != nil {
		t.Error("revisions/ was not created")
	}
	if _, err := os.Stat(filepath.Join(dir, "tmp")); err != nil {
		t.Error("tmp/ was not created")
	}
	if _, err := os.Stat(filepath.Join(dir, "OPEN ME.crystalopen")); err != nil {
		t.Error("opener stub was not created")
	}
}

func TestOpenRejectsNonEmptyForeignDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, true); err == nil {
		t.Error("Open should reject a non-empty directory without database.sqlite")
	}
}

func TestOpenForcesReadOnlyWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, true)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	defer first.Close()
	if first.Mode() != ModeWritable || first.ForcedReadOnly() {
		t.Fatalf("first open: mode=%v forced=%v, want writable/not-forced", first.Mode(), first.ForcedReadOnly())
	}

	second, err := Open(dir, true)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	if second.Mode() != ModeReadOnly {
		t.Errorf("second open mode = %v, want ModeReadOnly", second.Mode())
	}
	if !second.ForcedReadOnly() {
		t.Error("second open should report ForcedReadOnly since the first writer still holds the lock")
	}
}

func TestOpenReleasesLockOnClose(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, true)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := Open(dir, true)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	if second.Mode() != ModeWritable || second.ForcedReadOnly() {
		t.Errorf("second open after first Close: mode=%v forced=%v, want writable/not-forced", second.Mode(), second.ForcedReadOnly())
	}
}

func TestResourceInsertAndLookup(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	id, err := store.Queries().InsertResource(ctx, "https://example.com/")
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}

	got, err := store.Queries().GetResourceByURL(ctx, "https://example.com/")
	if err != nil {
		t.Fatalf("GetResourceByURL: %v", err)
	}
	if got.ID != id {
		t.Errorf("id mismatch: got %d, want %d", got.ID, id)
	}
}

func TestBulkInsertResourcesPreservesOrder(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	var ids []int64
	err := store.WithTx(ctx, func(q *Queries) error {
		var err error
		ids, err = q.BulkInsertResources(ctx, urls)
		return err
	})
	if err != nil {
		t.Fatalf("BulkInsertResources: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Errorf("ids not increasing in input order: %v", ids)
	}
}

func TestListResourcesPrefix(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for _, u := range []string{
		"https://a.example.com/1",
		"https://a.example.com/2",
		"https://b.example.com/1",
	} {
		if _, err := store.Queries().InsertResource(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Queries().ListResourcesPrefix(ctx, "https://a.example.com/", 100, 0)
	if err != nil {
		t.Fatalf("ListResourcesPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d resources, want 2: %v", len(got), got)
	}
	for _, r := range got {
		if !strings.HasPrefix(r.URL, "https://a.example.com/") {
			t.Errorf("unexpected resource in prefix scan: %s", r.URL)
		}
	}
}

func TestDefaultRevisionTieBreak(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	resID, err := store.Queries().InsertResource(ctx, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}

	var lastID int64
	for i := 0; i < 3; i++ {
		lastID, err = store.Queries().InsertRevision(ctx, InsertRevisionParams{
			ResourceID: resID,
			Error:      "null",
			Metadata:   `{"status_code":200}`,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	def, err := store.Queries().GetDefaultRevision(ctx, resID)
	if err != nil {
		t.Fatalf("GetDefaultRevision: %v", err)
	}
	if def.ID != lastID {
		t.Errorf("default revision = %d, want most recent %d", def.ID, lastID)
	}
}

func TestDefaultRevisionSkipsErrors(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	resID, err := store.Queries().InsertResource(ctx, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}

	goodID, err := store.Queries().InsertRevision(ctx, InsertRevisionParams{
		ResourceID: resID, Error: "null", Metadata: `{"status_code":200}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Queries().InsertRevision(ctx, InsertRevisionParams{
		ResourceID: resID,
		Error:      `{"kind":"timeout","message":"timed out"}`,
		Metadata:   `{}`,
	}); err != nil {
		t.Fatal(err)
	}

	def, err := store.Queries().GetDefaultRevision(ctx, resID)
	if err != nil {
		t.Fatalf("GetDefaultRevision: %v", err)
	}
	if def.ID != goodID {
		t.Errorf("default revision = %d, want the non-error revision %d", def.ID, goodID)
	}
}
