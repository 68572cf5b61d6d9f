package fetch

import (
	"errors"
	"testing"
	"time"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
)

func TestStats_Record(t *testing.T) {
	t.Parallel()
	stats := NewStats(false)
	defer stats.Close()

	stats.Record("a.example", 100*time.Millisecond, 1000, nil)
	stats.Record("a.example", 150*time.Millisecond, 2000, nil)
	stats.Record("b.example", 200*time.Millisecond, 0, errors.New("boom"))

	stats.mu.Lock()
	defer stats.mu.Unlock()

	a := stats.hosts["a.example"]
	if a == nil {
		t.Fatal("a.example host not recorded")
	}
	if a.Count != 2 {
		t.Errorf("a.example count = %d, want 2", a.Count)
	}
	if a.BytesRead != 3000 {
		t.Errorf("a.example bytes = %d, want 3000", a.BytesRead)
	}
	if len(a.ErrorsByKind) != 0 {
		t.Errorf("a.example should have no errors, got %v", a.ErrorsByKind)
	}

	b := stats.hosts["b.example"]
	if b == nil {
		t.Fatal("b.example host not recorded")
	}
	if b.Count != 1 {
		t.Errorf("b.example count = %d, want 1", b.Count)
	}
	if b.ErrorsByKind["io"] != 1 {
		t.Errorf("b.example errors-by-kind[io] = %d, want 1 (got %v)", b.ErrorsByKind["io"], b.ErrorsByKind)
	}
}

func TestStats_RecordClassifiesErrorKind(t *testing.T) {
	t.Parallel()
	stats := NewStats(false)
	defer stats.Close()

	stats.Record("host", time.Millisecond, 0, crystalerr.New("fetch.Get", crystalerr.DownloadTLS, errors.New("x509: bad cert")))
	stats.Record("host", time.Millisecond, 0, crystalerr.New("fetch.Get", crystalerr.DownloadTimeout, errors.New("deadline exceeded")))

	stats.mu.Lock()
	defer stats.mu.Unlock()

	hs := stats.hosts["host"]
	if hs.ErrorsByKind["tls"] != 1 {
		t.Errorf("tls errors = %d, want 1", hs.ErrorsByKind["tls"])
	}
	if hs.ErrorsByKind["timeout"] != 1 {
		t.Errorf("timeout errors = %d, want 1", hs.ErrorsByKind["timeout"])
	}
}

func TestStats_RecordRateLimitWait(t *testing.T) {
	t.Parallel()
	stats := NewStats(false)
	defer stats.Close()

	stats.RecordRateLimitWait(100 * time.Millisecond)
	stats.RecordRateLimitWait(200 * time.Millisecond)

	if total := stats.RateLimitWaitTotal(); total != 300*time.Millisecond {
		t.Errorf("RateLimitWaitTotal() = %v, want 300ms", total)
	}
}

func TestStats_Summary(t *testing.T) {
	t.Parallel()
	stats := NewStats(false)
	defer stats.Close()

	stats.Record("a.example", 180*time.Millisecond, 500, nil)
	stats.Record("a.example", 200*time.Millisecond, 500, nil)
	stats.Record("b.example", 220*time.Millisecond, 0, errors.New("boom"))
	stats.RecordRateLimitWait(500 * time.Millisecond)

	summary := stats.Summary()
	if summary == "" {
		t.Fatal("Summary() returned empty string")
	}
	if !contains(summary, "a.example") {
		t.Error("Summary missing a.example")
	}
	if !contains(summary, "b.example") {
		t.Error("Summary missing b.example")
	}
	if !contains(summary, "io:1") {
		t.Error("Summary missing error-kind breakdown")
	}
	if !contains(summary, "rate-limit wait") {
		t.Error("Summary missing rate-limit wait")
	}
}

func TestStats_FetchesPerSecond(t *testing.T) {
	t.Parallel()
	stats := NewStats(false)
	defer stats.Close()

	for i := 0; i < 5; i++ {
		stats.Record("host", time.Millisecond, 0, nil)
	}
	time.Sleep(10 * time.Millisecond)

	if rate := stats.FetchesPerSecond(); rate <= 0 {
		t.Errorf("FetchesPerSecond() = %v, want > 0", rate)
	}
}

func TestStats_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	stats := NewStats(false)
	defer stats.Close()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				stats.Record("concurrent.example", 10*time.Millisecond, 10, nil)
				stats.RecordRateLimitWait(time.Millisecond)
				_ = stats.Summary()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	stats.mu.Lock()
	count := stats.hosts["concurrent.example"].Count
	stats.mu.Unlock()
	if count != 1000 {
		t.Errorf("concurrent count = %d, want 1000", count)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return len(substr) == 0
}
