package vastdb

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultCacheTTL bounds how long cached table metadata is authoritative.
const DefaultCacheTTL = 30 * time.Minute

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type cacheEntry struct {
	// per-entry mutex gives the single-writer-per-table discipline
	mtx sync.Mutex

	schema      Schema
	totalRows   int64
	lastUpdated time.Time
}

func (e *cacheEntry) expired(ttl time.Duration) bool {
	return time.Since(e.lastUpdated) > ttl
}

// MetadataCache holds per-table schema and row-count entries with a TTL.
// The cache is authoritative between refreshes: inserts bump the row count
// atomically, DDL invalidates the entry and the next access refills it.
type MetadataCache struct {
	ttl time.Duration

	mtx     sync.Mutex
	entries map[string]*cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

func NewMetadataCache(ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MetadataCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *MetadataCache) entry(table string, create bool) *cacheEntry {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	e, ok := c.entries[table]
	if !ok && create {
		e = &cacheEntry{}
		c.entries[table] = e
	}
	return e
}

// Columns returns the cached schema for a table.
func (c *MetadataCache) Columns(table string) (Schema, bool) {
	e := c.entry(table, false)
	if e == nil {
		c.misses.Inc()
		return nil, false
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.schema == nil || e.expired(c.ttl) {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return append(Schema(nil), e.schema...), true
}

// Stats returns the cached row-count statistics for a table.
func (c *MetadataCache) Stats(table string) (TableStats, bool) {
	e := c.entry(table, false)
	if e == nil {
		c.misses.Inc()
		return TableStats{}, false
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.expired(c.ttl) {
		c.misses.Inc()
		return TableStats{}, false
	}
	c.hits.Inc()
	return TableStats{TotalRows: e.totalRows}, true
}

// Update refreshes the entry for a table with a discovered schema and row
// count.
func (c *MetadataCache) Update(table string, schema Schema, totalRows int64) {
	e := c.entry(table, true)

	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.schema = append(Schema(nil), schema...)
	e.totalRows = totalRows
	e.lastUpdated = time.Now()
}

// AddRows applies an insert/delete delta to the cached row count. Unknown
// tables are ignored; the next read refills from the engine.
func (c *MetadataCache) AddRows(table string, delta int64) {
	e := c.entry(table, false)
	if e == nil {
		return
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.totalRows += delta
	if e.totalRows < 0 {
		e.totalRows = 0
	}
	e.lastUpdated = time.Now()
}

// Invalidate drops the entry for a table. Called after DDL.
func (c *MetadataCache) Invalidate(table string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.entries, table)
}

// Tables lists cached table names, sorted.
func (c *MetadataCache) Tables() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clear drops every entry.
func (c *MetadataCache) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Snapshot returns cache effectiveness counters.
func (c *MetadataCache) Snapshot() CacheStats {
	c.mtx.Lock()
	entries := len(c.entries)
	c.mtx.Unlock()

	return CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
