package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type recordingListener struct {
	total      int
	upgraded   []int
	didFinish  bool
}

func (r *recordingListener) WillUpgradeRevisions(total int) { r.total = total }
func (r *recordingListener) UpgradingRevision(i int)        { r.upgraded = append(r.upgraded, i) }
func (r *recordingListener) DidUpgradeRevisions()           { r.didFinish = true }

func seedV1Project(t *testing.T, n int) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	resID, err := store.Queries().InsertResource(ctx, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= n; i++ {
		id, err := store.Queries().InsertRevision(ctx, InsertRevisionParams{
			ResourceID: resID, Error: "null", Metadata: `{"status_code":200}`,
		})
		if err != nil {
			t.Fatal(err)
		}
		body := BodyPath(dir, 1, id)
		if err := os.MkdirAll(filepath.Dir(body), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(body, []byte(fmt.Sprintf("body-%d", id)), 0644); err != nil {
			t.Fatal(err)
		}
	}

	return store, dir
}

func TestMigrateV1ToV2(t *testing.T) {
	const n = 50
	store, dir := seedV1Project(t, n)
	defer store.Close()
	ctx := context.Background()

	listener := &recordingListener{}
	if err := store.ResumeOrMigrateV1ToV2(ctx, listener); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	major, old, err := store.MajorVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if major != 2 {
		t.Errorf("major_version = %d, want 2", major)
	}
	if old != 0 {
		t.Errorf("major_version_old should be cleared, got %d", old)
	}

	for id := int64(1); id <= n; id++ {
		path := BodyPath(dir, 2, id)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("revision %d missing at v2 path %s", id, path)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "revisions.inprogress")); !os.IsNotExist(err) {
		t.Error("revisions.inprogress should not exist after migration completes")
	}
}

func TestMigrateV1ToV2ResumeAfterCrashDuringShuffle(t *testing.T) {
	const n = 20
	store, dir := seedV1Project(t, n)
	defer store.Close()
	ctx := context.Background()

	// Simulate a crash partway through the rename shuffle: move the first
	// half of the bodies into revisions.inprogress/ by hand, leave
	// major_version at 1, and leave the rest at their v1 paths.
	inprogress := filepath.Join(dir, "revisions.inprogress")
	if err := os.MkdirAll(inprogress, 0755); err != nil {
		t.Fatal(err)
	}
	for id := int64(1); id <= n/2; id++ {
		oldPath := BodyPath(dir, 1, id)
		newPath := filepath.Join(inprogress, hexShardPath(id))
		if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(oldPath, newPath); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.ResumeOrMigrateV1ToV2(ctx, nil); err != nil {
		t.Fatalf("resumed migration failed: %v", err)
	}

	for id := int64(1); id <= n; id++ {
		if _, err := os.Stat(BodyPath(dir, 2, id)); err != nil {
			t.Errorf("revision %d missing at v2 path after resume", id)
		}
	}
}

func TestMigrateV1ToV2ResumeAfterCrashDuringSwap(t *testing.T) {
	const n = 10
	store, dir := seedV1Project(t, n)
	defer store.Close()
	ctx := context.Background()

	// Run the rename-shuffle and commit, but don't let the directory swap
	// happen, simulating a crash exactly at the point-of-no-return.
	if err := store.shuffleIntoInprogress(ctx, NoopMigrationListener{}); err != nil {
		t.Fatalf("shuffle: %v", err)
	}
	major, _, err := store.MajorVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if major != 2 {
		t.Fatalf("expected major_version=2 after shuffle commit, got %d", major)
	}
	if _, err := os.Stat(filepath.Join(dir, "revisions.inprogress")); err != nil {
		t.Fatal("revisions.inprogress should still exist before swap")
	}

	if err := store.ResumeOrMigrateV1ToV2(ctx, nil); err != nil {
		t.Fatalf("resume at swap stage failed: %v", err)
	}

	for id := int64(1); id <= n; id++ {
		if _, err := os.Stat(BodyPath(dir, 2, id)); err != nil {
			t.Errorf("revision %d missing at v2 path after swap resume", id)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "revisions.inprogress")); !os.IsNotExist(err) {
		t.Error("revisions.inprogress should be gone after swap completes")
	}
}
