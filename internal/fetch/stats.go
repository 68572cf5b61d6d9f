package fetch

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// How often the background logger summarizes fetch activity.
const statsLogInterval = 5 * time.Minute

// HostStats accumulates download counters for a single host, including a
// breakdown by the revision error taxonomy (§6.2: timeout|dns|tls|
// connection|http|io) rather than a flat error count, since that taxonomy is
// exactly what operators need when deciding whether a host is unreachable,
// rate-limiting back, or serving broken pages.
type HostStats struct {
	Count        int64
	TotalTimeNs  int64
	BytesRead    int64
	ErrorsByKind map[string]int64
}

// Stats tracks download pipeline activity across the lifetime of a Client:
// per-host counters, total bytes transferred, and cumulative time spent
// waiting on the aggregate-rate limiter (§4.3). Unlike an hourly-quota
// tracker against a fixed external limit, Crystal's aggregate cap is a
// steady token-bucket rate with no quota to exhaust, so Stats reports
// throughput (bytes/sec, fetches/sec since start) instead of a
// percent-of-budget figure.
type Stats struct {
	mu              sync.Mutex
	hosts           map[string]*HostStats
	totalFetches    int64
	totalBytes      int64
	rateLimitWaitNs int64
	startTime       time.Time
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewStats creates a Stats tracker. When logEnabled is true a background
// goroutine logs a summary every statsLogInterval.
func NewStats(logEnabled bool) *Stats {
	s := &Stats{
		hosts:     make(map[string]*HostStats),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	if logEnabled {
		s.wg.Add(1)
		go s.periodicLogger()
	}
	return s
}

// Close stops the background logger, if running.
func (s *Stats) Close() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// Record records one completed fetch against host: its duration, bytes
// read, and, on failure, the revision error kind err classifies to.
func (s *Stats) Record(host string, duration time.Duration, bytesRead int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.hosts[host]
	if !ok {
		hs = &HostStats{ErrorsByKind: make(map[string]int64)}
		s.hosts[host] = hs
	}
	hs.Count++
	hs.TotalTimeNs += duration.Nanoseconds()
	hs.BytesRead += bytesRead
	if err != nil {
		hs.ErrorsByKind[revisionErrorKind(err)]++
	}

	s.totalFetches++
	s.totalBytes += bytesRead
}

// RecordRateLimitWait records time spent blocked on the aggregate-rate
// limiter before a fetch was allowed to proceed.
func (s *Stats) RecordRateLimitWait(d time.Duration) {
	atomic.AddInt64(&s.rateLimitWaitNs, d.Nanoseconds())
}

// RateLimitWaitTotal returns the cumulative time spent waiting on the
// aggregate-rate limiter.
func (s *Stats) RateLimitWaitTotal() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.rateLimitWaitNs))
}

// FetchesPerSecond returns the mean fetch throughput since the Client was
// created.
func (s *Stats) FetchesPerSecond() float64 {
	s.mu.Lock()
	total := s.totalFetches
	s.mu.Unlock()
	uptime := time.Since(s.startTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(total) / uptime
}

// Summary returns a formatted summary of fetch activity, sorted by host.
func (s *Stats) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	hosts := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	rateLimitWait := time.Duration(atomic.LoadInt64(&s.rateLimitWaitNs))
	uptime := time.Since(s.startTime).Round(time.Second)

	var b strings.Builder
	fmt.Fprintf(&b, "fetch stats (uptime %s, %d fetches, %d bytes, rate-limit wait %s):\n",
		uptime, s.totalFetches, s.totalBytes, rateLimitWait.Round(time.Millisecond))

	for _, h := range hosts {
		hs := s.hosts[h]
		avg := time.Duration(0)
		if hs.Count > 0 {
			avg = time.Duration(hs.TotalTimeNs / hs.Count)
		}
		fmt.Fprintf(&b, "  %s: %d fetches, avg %s, %d bytes", h, hs.Count, avg.Round(time.Millisecond), hs.BytesRead)
		if len(hs.ErrorsByKind) > 0 {
			kinds := make([]string, 0, len(hs.ErrorsByKind))
			for k := range hs.ErrorsByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintf(&b, ", %s:%d", k, hs.ErrorsByKind[k])
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Stats) periodicLogger() {
	defer s.wg.Done()
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Print(s.Summary())
		case <-s.stopCh:
			return
		}
	}
}
