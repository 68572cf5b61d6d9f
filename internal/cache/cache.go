// Package cache implements the Download Pipeline's session-fresh
// short-circuit (§4.4 step 1): a TTL-bounded map from Resource id to the
// Default Revision id produced by the most recent successful fetch in this
// session, so a repeat reference to the same URL within one crawl doesn't
// refetch it. TTL map with evict-entry-closest-to-expiry and a
// ticker-driven background sweep, narrowed to the one shape the pipeline
// actually needs instead of a type-parameterized container.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	revisionID int64
	expiresAt  time.Time
}

// SessionFresh remembers, for a bounded window, the Default Revision id a
// Resource resolved to the last time it was downloaded this session.
type SessionFresh struct {
	mu         sync.RWMutex
	entries    map[int64]entry
	ttl        time.Duration
	maxEntries int
	stopCh     chan struct{}
}

// New creates a SessionFresh cache with the given TTL and max entries limit.
// If maxEntries is 0 or negative, the cache size is unlimited.
func New(ttl time.Duration, maxEntries int) *SessionFresh {
	c := &SessionFresh{
		entries:    make(map[int64]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get returns the revision id remembered for resourceID, if it was recorded
// within the TTL window.
func (c *SessionFresh) Get(resourceID int64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[resourceID]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.revisionID, true
}

// Set records revisionID as the fresh result for resourceID.
func (c *SessionFresh) Set(resourceID, revisionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[resourceID]; !exists {
			c.evictOldestLocked()
		}
	}

	c.entries[resourceID] = entry{
		revisionID: revisionID,
		expiresAt:  time.Now().Add(c.ttl),
	}
}

// evictOldestLocked removes the entry with the earliest expiry time. Caller
// holds c.mu.
func (c *SessionFresh) evictOldestLocked() {
	var oldestKey int64
	var oldestExpiry time.Time
	found := false

	for key, e := range c.entries {
		if !found || e.expiresAt.Before(oldestExpiry) {
			oldestKey, oldestExpiry, found = key, e.expiresAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops any remembered revision for resourceID, used when a
// caller knows the resource was re-downloaded outside the normal pipeline
// path (e.g. an interactive force re-download) and the cached entry would
// otherwise mask it until it expires.
func (c *SessionFresh) Invalidate(resourceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, resourceID)
}

// Stop terminates the background cleanup goroutine.
func (c *SessionFresh) Stop() {
	close(c.stopCh)
}

func (c *SessionFresh) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
