package cache

import (
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 100)
	if c == nil {
		t.Fatal("New() returned nil")
	}
	if c.ttl != time.Minute {
		t.Errorf("New() ttl = %v, want %v", c.ttl, time.Minute)
	}
	if c.maxEntries != 100 {
		t.Errorf("New() maxEntries = %d, want 100", c.maxEntries)
	}
	if c.entries == nil {
		t.Error("New() entries map is nil")
	}
}

func TestGetSet(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 0)

	if _, ok := c.Get(1); ok {
		t.Error("Get() on unrecorded resource should return false")
	}

	c.Set(1, 101)
	rev, ok := c.Get(1)
	if !ok {
		t.Error("Get() on recorded resource should return true")
	}
	if rev != 101 {
		t.Errorf("Get() = %d, want 101", rev)
	}

	c.Set(1, 102)
	rev, ok = c.Get(1)
	if !ok {
		t.Error("Get() after overwrite should return true")
	}
	if rev != 102 {
		t.Errorf("Get() after overwrite = %d, want 102", rev)
	}
}

func TestGetExpired(t *testing.T) {
	t.Parallel()
	c := New(50*time.Millisecond, 0)

	c.Set(1, 101)
	if _, ok := c.Get(1); !ok {
		t.Error("Get() immediately after Set should return true")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get(1); ok {
		t.Error("Get() on expired entry should return false")
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 0)

	c.Set(1, 101)
	c.Set(2, 201)

	c.Invalidate(1)

	if _, ok := c.Get(1); ok {
		t.Error("Get() after Invalidate should return false")
	}
	if rev, ok := c.Get(2); !ok || rev != 201 {
		t.Error("Invalidate should not affect unrelated entries")
	}

	c.Invalidate(99) // unknown resource: should not panic
}

func TestMaxEntriesEviction(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 3)

	c.Set(1, 101)
	time.Sleep(10 * time.Millisecond)
	c.Set(2, 201)
	time.Sleep(10 * time.Millisecond)
	c.Set(3, 301)

	for _, id := range []int64{1, 2, 3} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("resource %d should exist before eviction", id)
		}
	}

	c.Set(4, 401) // should evict resource 1, the soonest to expire

	if _, ok := c.Get(1); ok {
		t.Error("resource 1 should have been evicted")
	}
	for _, id := range []int64{2, 3, 4} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("resource %d should still be cached after eviction", id)
		}
	}
}

func TestMaxEntriesOverwriteNoEviction(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 2)

	c.Set(1, 101)
	c.Set(2, 201)
	c.Set(1, 111) // overwrite should not evict

	rev1, ok1 := c.Get(1)
	rev2, ok2 := c.Get(2)
	if !ok1 || rev1 != 111 {
		t.Errorf("resource 1 should exist with updated revision, got %d, %v", rev1, ok1)
	}
	if !ok2 || rev2 != 201 {
		t.Errorf("resource 2 should still exist, got %d, %v", rev2, ok2)
	}
}

func TestMaxEntriesZeroMeansUnlimited(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 0)

	for i := int64(0); i < 100; i++ {
		c.Set(i, i*1000)
	}
	for i := int64(0); i < 100; i++ {
		if _, ok := c.Get(i); !ok {
			t.Errorf("resource %d should exist with unlimited cache", i)
		}
	}
}

func TestStopEndsCleanupGoroutine(t *testing.T) {
	t.Parallel()
	c := New(10*time.Millisecond, 0)
	c.Set(1, 101)
	c.Stop()
	time.Sleep(20 * time.Millisecond) // let the goroutine observe stopCh and exit
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New(time.Minute, 0)
	var wg sync.WaitGroup
	const goroutines, ops = 50, 50

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				c.Set(1, int64(id*ops+j))
			}
		}(i)
	}
	wg.Wait()

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				c.Get(1)
			}
		}()
	}
	wg.Wait()

	wg.Add(goroutines * 2)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			c.Set(2, int64(id))
		}(i)
		go func() {
			defer wg.Done()
			c.Invalidate(2)
		}()
	}
	wg.Wait()
}
