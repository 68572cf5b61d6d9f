package project

import (
	"context"
	"testing"

	"github.com/crystalarchiver/crystal/internal/config"
	"github.com/crystalarchiver/crystal/internal/db"
	"github.com/crystalarchiver/crystal/internal/task"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Fetch.PolitenessDelay = 0
	cfg.Fetch.MaxRate = 1000
	cfg.Fetch.SessionFreshEnabled = false
	return cfg
}

func TestOpenWritableWiresEveryLayer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p, err := Open(ctx, dir, true, testConfig(), task.NoopListener{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.Store == nil || p.Model == nil || p.Scheduler == nil || p.Pipeline == nil || p.Client == nil {
		t.Fatal("Open left a layer unwired")
	}
	if p.Store.Mode() != db.ModeWritable {
		t.Errorf("Mode = %v, want ModeWritable", p.Store.Mode())
	}

	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := p.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenReadOnlyOpensStoreReadOnlyWithPipeline(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p, err := Open(ctx, dir, true, testConfig(), task.NoopListener{})
	if err != nil {
		t.Fatalf("Open (writable init): %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := Open(ctx, dir, false, testConfig(), task.NoopListener{})
	if err != nil {
		t.Fatalf("Open (read-only): %v", err)
	}
	defer ro.Close(ctx)

	if ro.Store.Mode() != db.ModeReadOnly {
		t.Errorf("Mode = %v, want ModeReadOnly", ro.Store.Mode())
	}
	if ro.Pipeline == nil {
		t.Fatal("read-only project should still build a pipeline for browsing")
	}
}

func TestHibernationStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(t.TempDir(), true)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer store.Close()

	h := &hibernationStore{store: store}

	empty, err := h.LoadHibernatedTasks(ctx)
	if err != nil {
		t.Fatalf("LoadHibernatedTasks (empty): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no hibernated tasks yet, got %v", empty)
	}

	want := []task.HibernatedTask{
		{Kind: task.KindDownloadResource, Payload: task.Payload{ResourceID: 42}},
		{Kind: task.KindDownloadGroup, Payload: task.Payload{GroupID: 7}},
	}
	if err := h.SaveHibernatedTasks(ctx, want); err != nil {
		t.Fatalf("SaveHibernatedTasks: %v", err)
	}

	got, err := h.LoadHibernatedTasks(ctx)
	if err != nil {
		t.Fatalf("LoadHibernatedTasks: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("task %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if err := h.ClearHibernatedTasks(ctx); err != nil {
		t.Fatalf("ClearHibernatedTasks: %v", err)
	}
	cleared, err := h.LoadHibernatedTasks(ctx)
	if err != nil {
		t.Fatalf("LoadHibernatedTasks (after clear): %v", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("expected no hibernated tasks after clear, got %v", cleared)
	}
}

func TestCheckFreeSpaceOnOrdinaryVolume(t *testing.T) {
	if err := checkFreeSpace(t.TempDir()); err != nil {
		t.Fatalf("checkFreeSpace on a fresh temp dir: %v", err)
	}
}

func TestSleepInhibitorTracksRunningCount(t *testing.T) {
	s := newSleepInhibitor(t.TempDir())
	l := sleepTrackingListener{inner: task.NoopListener{}, sleep: s}

	l.OnTaskAdded(0, 1, task.KindDownloadResource, "t1")
	if s.running != 1 {
		t.Fatalf("running = %d, want 1", s.running)
	}
	l.OnTaskAdded(0, 2, task.KindDownloadResource, "t2")
	if s.running != 2 {
		t.Fatalf("running = %d, want 2", s.running)
	}
	l.OnTaskState(1, task.Completed, nil)
	if s.running != 1 {
		t.Fatalf("running = %d, want 1 after one completion", s.running)
	}
	l.OnTaskState(2, task.Failed, nil)
	if s.running != 0 {
		t.Fatalf("running = %d, want 0 after both terminal", s.running)
	}

	s.releaseAll()
	if s.running != 0 {
		t.Fatalf("running = %d, want 0 after releaseAll", s.running)
	}
}
