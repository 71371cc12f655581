package dispatcher

import (
	"sync"
	"time"

	"renderfarm/internal/store"
)

// defaultCacheSize and defaultCacheTTL are the Dispatcher's cache defaults
// (spec §4.2 "In-memory cache"). New applies both to the ready and worker
// caches.
const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 5 * time.Minute
)

// readyCache holds prefetched pending SubJobs in priority order. It is an
// ordered-by-insertion map: entries are popped oldest-first, which matches
// insertion order because the Dispatcher only ever inserts candidates
// already sorted by priority/age (store.ClaimCandidates).
type readyCache struct {
	mu      sync.Mutex
	order   []string
	entries map[string]readyEntry
	maxSize int
	ttl     time.Duration
}

type readyEntry struct {
	subJob     *store.SubJob
	insertedAt time.Time
}

func newReadyCache(maxSize int, ttl time.Duration) *readyCache {
	return &readyCache{entries: make(map[string]readyEntry), maxSize: maxSize, ttl: ttl}
}

// put caches a candidate SubJob, dropping the oldest entry if at capacity.
func (c *readyCache) put(sj *store.SubJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sj.ID]; ok {
		return
	}
	if len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.order = append(c.order, sj.ID)
	c.entries[sj.ID] = readyEntry{subJob: sj, insertedAt: time.Now()}
}

// popFront removes and returns the oldest cached candidate, or nil if empty.
func (c *readyCache) popFront() *store.SubJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		e, ok := c.entries[id]
		delete(c.entries, id)
		if ok {
			return e.subJob
		}
	}
	return nil
}

// remove drops a specific entry, used when the Store reports the candidate
// was claimed or mutated out from under the cache.
func (c *readyCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// evictStale drops entries older than ttl and reports how many were dropped.
func (c *readyCache) evictStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	var kept []string
	dropped := 0
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return dropped
}

func (c *readyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// workerCache tracks last-known heartbeat and liveness metrics per worker,
// letting /status answer the online count without a Store round-trip when
// populated (spec §4.2 "Worker cache").
type workerCache struct {
	mu      sync.Mutex
	order   []string
	entries map[string]workerEntry
	maxSize int
	ttl     time.Duration
}

type workerEntry struct {
	lastHeartbeat time.Time
	status        string // "busy" or "idle"
	currentJobs   []string
}

func newWorkerCache(maxSize int, ttl time.Duration) *workerCache {
	return &workerCache{entries: make(map[string]workerEntry), maxSize: maxSize, ttl: ttl}
}

// touch records a fresh heartbeat for id, evicting the oldest entry if this
// is a new worker and the cache is at capacity.
func (c *workerCache) touch(id, status string, currentJobs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, id)
	}
	c.entries[id] = workerEntry{lastHeartbeat: time.Now(), status: status, currentJobs: currentJobs}
}

func (c *workerCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// onlineCount reports how many cached workers heartbeated within window.
// Returns (count, true) when the cache holds at least one entry; the
// Dispatcher falls back to the Store when it returns false (cache empty).
func (c *workerCache) onlineCount(window time.Duration) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return 0, false
	}
	cutoff := time.Now().Add(-window)
	n := 0
	for _, e := range c.entries {
		if e.lastHeartbeat.After(cutoff) {
			n++
		}
	}
	return n, true
}

func (c *workerCache) evictStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	var kept []string
	dropped := 0
	for _, id := range c.order {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if e.lastHeartbeat.Before(cutoff) {
			delete(c.entries, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return dropped
}

func (c *workerCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type cacheStats struct {
	ReadySize  int `json:"ready_size"`
	WorkerSize int `json:"worker_size"`
}
