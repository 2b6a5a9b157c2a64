package node

import (
	"time"
)

// DedupCache is a bounded set of recently seen packet ids. It prevents a
// node from reprocessing and re-flooding a packet it already handled. Two
// bounds apply: a capacity cap (memory on constrained nodes) evicting the
// oldest entry first, and a time horizon after which a re-appearing id can
// no longer be a flood duplicate of the same lineage.
//
// The cache is not safe for concurrent use; the relay engine touches it
// from its single processing goroutine only.
type DedupCache struct {
	capacity int
	horizon  time.Duration

	entries map[uint32]time.Time
	order   []dedupEntry
}

type dedupEntry struct {
	id   uint32
	seen time.Time
}

// NewDedupCache ...
func NewDedupCache(capacity int, horizon time.Duration) *DedupCache {
	return &DedupCache{
		capacity: capacity,
		horizon:  horizon,
		entries:  make(map[uint32]time.Time, capacity),
	}
}

// Seen reports whether id is in the cache and still inside the horizon.
func (c *DedupCache) Seen(id uint32, now time.Time) bool {
	seen, ok := c.entries[id]
	if !ok {
		return false
	}
	return now.Sub(seen) <= c.horizon
}

// Add records id, evicting expired entries and then, if the cache is still
// full, the oldest entry.
func (c *DedupCache) Add(id uint32, now time.Time) {
	c.expire(now)

	for len(c.entries) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest.id)
	}

	c.entries[id] = now
	c.order = append(c.order, dedupEntry{id: id, seen: now})
}

func (c *DedupCache) expire(now time.Time) {
	for len(c.order) > 0 && now.Sub(c.order[0].seen) > c.horizon {
		oldest := c.order[0]
		c.order = c.order[1:]

		// only remove the map entry if it wasn't refreshed since
		if seen, ok := c.entries[oldest.id]; ok && seen.Equal(oldest.seen) {
			delete(c.entries, oldest.id)
		}
	}
}

// Len returns the number of live entries.
func (c *DedupCache) Len() int {
	return len(c.entries)
}
