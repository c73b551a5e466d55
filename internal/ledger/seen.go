// ABOUTME: TTL cache of already-applied confirmations for idempotency guarding
// ABOUTME: Absorbs duplicate confirm events from overlapping retries and remote echoes

package ledger

import (
	"sync"
	"time"
)

// seenCache is a small TTL cache of confirmation keys. It guards against
// duplicate confirm events arriving from the race between a local optimistic
// update and a delayed remote echo. Expired entries are pruned opportunistically
// on insert, so no background goroutine is needed.
//
// Keys are marked only once a confirmation has fully resolved; a failed
// confirmation leaves no trace here so a retry gets a clean attempt.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	return &seenCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// contains reports whether key was marked within the TTL.
func (c *seenCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.seen[key]
	return ok && time.Since(ts) < c.ttl
}

// mark records key as seen, pruning expired entries first when full.
func (c *seenCache) mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if len(c.seen) >= c.maxSize {
		c.prune(now)
		// Still full after pruning: evict an arbitrary entry rather than grow
		if len(c.seen) >= c.maxSize {
			for k := range c.seen {
				delete(c.seen, k)
				break
			}
		}
	}

	c.seen[key] = now
}

// prune removes expired entries. Must be called with mu held.
func (c *seenCache) prune(now time.Time) {
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, k)
		}
	}
}
