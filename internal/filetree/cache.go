package filetree

import (
	"path"
	"strings"
	"sync"
	"time"
)

// Cache is a short-TTL cache over directory listings keyed by
// (session id, path). Mutations inside a workspace invalidate the exact
// entry and every ancestor directory listing, since each of those
// listings may now be stale.
type Cache struct {
	mu            sync.Mutex
	entries       map[cacheKey]*cacheEntry
	ttl           time.Duration
	pruneInterval time.Duration
	lastPrune     time.Time
	hits          uint64
	now           func() time.Time
}

type cacheKey struct {
	sessionID string
	path      string
}

type cacheEntry struct {
	payload  *Listing
	storedAt time.Time
	hitCount uint64
}

// Stats is an observability snapshot of the cache.
type Stats struct {
	Entries    int           `json:"entries"`
	Hits       uint64        `json:"hits"`
	AverageAge time.Duration `json:"average_age"`
}

func NewCache(ttl, pruneInterval time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if pruneInterval <= 0 {
		pruneInterval = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries:       make(map[cacheKey]*cacheEntry),
		ttl:           ttl,
		pruneInterval: pruneInterval,
		lastPrune:     now(),
		now:           now,
	}
}

// Get returns the cached listing when present and fresh; expired entries
// are evicted and reported as a miss.
func (c *Cache) Get(sessionID, p string) (*Listing, bool) {
	key := cacheKey{sessionID: sessionID, path: normalizePath(p)}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}

	entry.hitCount++
	c.hits++
	return entry.payload, true
}

// Set stores a listing and runs the amortized prune at most once per
// prune interval.
func (c *Cache) Set(sessionID, p string, payload *Listing) {
	key := cacheKey{sessionID: sessionID, path: normalizePath(p)}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &cacheEntry{payload: payload, storedAt: now}

	if now.Sub(c.lastPrune) >= c.pruneInterval {
		c.pruneLocked(now)
	}
}

// Invalidate evicts entries for a session. With a path it evicts the
// exact entry plus every ancestor directory listing; with an empty path
// it evicts everything the session has cached.
func (c *Cache) Invalidate(sessionID, p string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	if p == "" {
		for key := range c.entries {
			if key.sessionID == sessionID {
				delete(c.entries, key)
				evicted++
			}
		}
		return evicted
	}

	for _, target := range ancestorPaths(normalizePath(p)) {
		key := cacheKey{sessionID: sessionID, path: target}
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Prune evicts every expired entry; the cron sweep calls this so expired
// listings do not linger when a session goes quiet.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.now())
}

func (c *Cache) pruneLocked(now time.Time) int {
	evicted := 0
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	c.lastPrune = now
	return evicted
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{Entries: len(c.entries), Hits: c.hits}
	if len(c.entries) == 0 {
		return stats
	}

	now := c.now()
	var total time.Duration
	for _, entry := range c.entries {
		total += now.Sub(entry.storedAt)
	}
	stats.AverageAge = total / time.Duration(len(c.entries))
	return stats
}

// normalizePath cleans a workspace-relative path into an absolute form
// with no traversal segments.
func normalizePath(p string) string {
	return path.Clean("/" + strings.TrimSpace(p))
}

// ancestorPaths returns the path and every containing directory up to the
// workspace root.
func ancestorPaths(p string) []string {
	out := []string{p}
	for p != "/" {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}
