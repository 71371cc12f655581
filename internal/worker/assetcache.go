package worker

import (
	lru "github.com/hashicorp/golang-lru"
)

// AssetCache is an LRU of absolute file path -> file bytes, sized from
// total worker memory (spec §4.3.2). Oversize files are bypassed rather
// than cached. Absence of the cache (capacity 0) must not change
// observable outcomes, only performance.
type AssetCache struct {
	lru      *lru.Cache
	capBytes int64
	maxEntry int64

	hits   int64
	misses int64
}

// NewAssetCache sizes the cache at 30% of total memory up to 8GB
// (32GB/half-of-RAM on big machines), keyed by path count rather than
// byte budget since golang-lru counts entries, not bytes — entrySizeMB
// estimates a typical asset size to translate the byte budget into an
// entry count (spec §4.3.2).
func NewAssetCache(memGB float64, entrySizeMB float64) (*AssetCache, error) {
	capBytes := int64(memGB*0.3*1024*1024*1024)
	maxCapBytes := int64(8 * 1024 * 1024 * 1024)
	if memGB >= 32 {
		capBytes = int64(memGB * 0.5 * 1024 * 1024 * 1024)
		maxCapBytes = int64(32 * 1024 * 1024 * 1024)
	}
	if capBytes > maxCapBytes {
		capBytes = maxCapBytes
	}
	if entrySizeMB <= 0 {
		entrySizeMB = 16
	}
	entries := int(capBytes / int64(entrySizeMB*1024*1024))
	if entries < 16 {
		entries = 16
	}

	c, err := lru.New(entries)
	if err != nil {
		return nil, err
	}
	return &AssetCache{
		lru:      c,
		capBytes: capBytes,
		maxEntry: capBytes / 2, // oversize bypass threshold, spec: ">50% of cap"
	}, nil
}

// Get returns cached bytes for path, if present.
func (c *AssetCache) Get(path string) ([]byte, bool) {
	v, ok := c.lru.Get(path)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return v.([]byte), true
}

// Put stores data under path unless it exceeds the oversize bypass
// threshold (spec §4.3.2 "Oversize files (>50% of cap) are bypassed").
func (c *AssetCache) Put(path string, data []byte) {
	if int64(len(data)) > c.maxEntry {
		return
	}
	c.lru.Add(path, data)
}

// Stats reports hit/miss counts for the heartbeat payload (spec
// §4.3.2 "Reports hit/miss counts in heartbeats").
func (c *AssetCache) Stats() (hits, misses int64) {
	return c.hits, c.misses
}
