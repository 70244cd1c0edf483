package store

import (
	"maps"
	"sync"
	"time"

	"github.com/hazyhaar/plugmon/signal"
)

// readCache keeps recently read fingerprints for ttl. Entries are keyed by
// module and only served for the epoch they were read under. Put writes the
// merged verdict through, so a cached cell can lag a concurrent writer in
// another process but never runs ahead of the database. drop and clear bump
// gen, and a fill started under an older gen is discarded.
type readCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	gen     uint64
}

type cacheEntry struct {
	epoch   string
	fp      signal.Fingerprint
	expires time.Time
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *readCache) get(module, epoch string, now time.Time) (signal.Fingerprint, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[module]
	if !ok || e.epoch != epoch || !now.Before(e.expires) {
		return nil, false
	}
	return maps.Clone(e.fp), true
}

// generation is read before a database read whose result will be filled.
func (c *readCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *readCache) fill(module, epoch string, fp signal.Fingerprint, now time.Time, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[module] = cacheEntry{epoch: epoch, fp: maps.Clone(fp), expires: now.Add(c.ttl)}
}

func (c *readCache) put(module, epoch string, v signal.Verdict, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[module]
	if !ok {
		return
	}
	if e.epoch != epoch {
		delete(c.entries, module)
		return
	}
	e.fp[v.Kind] = v
}

func (c *readCache) drop(module string) {
	c.mu.Lock()
	delete(c.entries, module)
	c.gen++
	c.mu.Unlock()
}

func (c *readCache) clear() {
	c.mu.Lock()
	clear(c.entries)
	c.gen++
	c.mu.Unlock()
}
