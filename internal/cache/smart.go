// Package cache implements the bounded, TTL-aware LRU cache used by the
// screening engine and other read paths.
package cache

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/telemetry"
)

const (
	// sizeFloorBytes is charged for values whose size cannot be estimated.
	sizeFloorBytes = 1024

	// rebuildFactor triggers an LRU list rebuild once lazy duplicates make
	// the list longer than rebuildFactor * live entries.
	rebuildFactor = 1.5

	// heapEvictFraction of entries (oldest first) dropped under heap pressure.
	heapEvictFraction = 0.30
)

// Config controls one SmartCache instance.
type Config struct {
	Name            string
	MaxItems        int
	MaxBytes        int64
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// HeapPressurePct is the heap usage ratio above which the cleanup pass
	// mass-evicts. Zero means the default of 0.85.
	HeapPressurePct float64
}

// DefaultConfig returns the budget the screening paths run with.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxItems:        1000,
		MaxBytes:        64 << 20, // 64 MiB
		DefaultTTL:      20 * time.Second,
		CleanupInterval: 60 * time.Second,
		HeapPressurePct: 0.85,
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	Evictions     int64         `json:"evictions"`
	SizeBytes     int64         `json:"size_bytes"`
	ItemCount     int           `json:"item_count"`
	HitRate       float64       `json:"hit_rate"`
	OldestItemAge time.Duration `json:"oldest_item_age"`
}

type entry struct {
	value        interface{}
	expiresAt    time.Time
	bytes        int64
	lastAccessed time.Time
	seq          uint64 // monotonic access stamp, pairs with lruList
}

type lruRef struct {
	key string
	seq uint64
}

// SmartCache is a mutex-guarded LRU with per-entry TTL, an item budget and a
// byte budget. The LRU order is kept in a lazily-deduplicated list: touches
// append a fresh (key, seq) pair and stale pairs are skipped at eviction
// time. The list self-heals by rebuilding from the map once it grows past
// rebuildFactor times the live entry count.
type SmartCache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	lruList []lruRef
	seq     uint64

	hits      int64
	misses    int64
	evictions int64
	sizeBytes int64

	now    func() time.Time
	stopCh chan struct{}
	stopMu sync.Once
}

// New creates a SmartCache and starts its background cleanup loop when a
// cleanup interval is configured.
func New(cfg Config) *SmartCache {
	if cfg.HeapPressurePct <= 0 {
		cfg.HeapPressurePct = 0.85
	}
	c := &SmartCache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Set inserts or replaces a value. Entries are evicted oldest-first until the
// new value fits under both the item and byte budgets. A nil ttl slot (zero
// duration) falls back to the configured default TTL.
func (c *SmartCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.sizeBytes -= old.bytes
		delete(c.entries, key)
	}

	// Make room. An oversized value still gets stored once everything else
	// is gone; the cache never rejects a write.
	for len(c.entries) > 0 &&
		(len(c.entries)+1 > c.cfg.MaxItems || c.sizeBytes+size > c.cfg.MaxBytes) {
		if !c.evictOldestLocked() {
			break
		}
	}

	now := c.now()
	c.seq++
	e := &entry{
		value:        value,
		expiresAt:    now.Add(ttl),
		bytes:        size,
		lastAccessed: now,
		seq:          c.seq,
	}
	c.entries[key] = e
	c.sizeBytes += size
	c.lruList = append(c.lruList, lruRef{key: key, seq: c.seq})
	c.maybeRebuildLocked()
	c.publishGauges()
}

// Get returns the value iff present and fresh. Expired entries are removed
// and count as misses. A hit promotes the key to most-recently used.
func (c *SmartCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.publishCounters(false)
		return nil, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		c.removeLocked(key, e)
		c.misses++
		c.publishCounters(false)
		return nil, false
	}

	e.lastAccessed = now
	c.seq++
	e.seq = c.seq
	c.lruList = append(c.lruList, lruRef{key: key, seq: c.seq})
	c.maybeRebuildLocked()

	c.hits++
	c.publishCounters(true)
	return e.value, true
}

// Has reports freshness like Get but updates neither stats nor LRU order.
func (c *SmartCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.now().Before(e.expiresAt)
}

// Delete removes a key if present.
func (c *SmartCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
		c.publishGauges()
	}
}

// Clear removes every entry but keeps counters.
func (c *SmartCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lruList = c.lruList[:0]
	c.sizeBytes = 0
	c.publishGauges()
}

// Stats returns a snapshot of the cache counters.
func (c *SmartCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var oldest time.Duration
	now := c.now()
	for _, e := range c.entries {
		if age := now.Sub(e.lastAccessed); age > oldest {
			oldest = age
		}
	}
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		SizeBytes:     c.sizeBytes,
		ItemCount:     len(c.entries),
		HitRate:       rate,
		OldestItemAge: oldest,
	}
}

// Stop terminates the background cleanup loop.
func (c *SmartCache) Stop() {
	c.stopMu.Do(func() { close(c.stopCh) })
}

// removeLocked deletes the entry; stale lruList pairs are skipped lazily.
func (c *SmartCache) removeLocked(key string, e *entry) {
	c.sizeBytes -= e.bytes
	delete(c.entries, key)
}

// evictOldestLocked drops the least-recently-used live entry. Returns false
// when nothing evictable remains.
func (c *SmartCache) evictOldestLocked() bool {
	for len(c.lruList) > 0 {
		ref := c.lruList[0]
		c.lruList = c.lruList[1:]
		e, ok := c.entries[ref.key]
		if !ok || e.seq != ref.seq {
			continue // stale duplicate from a later touch
		}
		c.removeLocked(ref.key, e)
		c.evictions++
		telemetry.CacheEvictions.WithLabelValues(c.cfg.Name).Inc()
		return true
	}
	return false
}

// maybeRebuildLocked compacts the LRU list from the map when lazy duplicates
// have bloated it past rebuildFactor times the live entry count.
func (c *SmartCache) maybeRebuildLocked() {
	if len(c.entries) == 0 || float64(len(c.lruList)) <= rebuildFactor*float64(len(c.entries)) {
		return
	}
	rebuilt := make([]lruRef, 0, len(c.entries))
	for k, e := range c.entries {
		rebuilt = append(rebuilt, lruRef{key: k, seq: e.seq})
	}
	sort.Slice(rebuilt, func(i, j int) bool { return rebuilt[i].seq < rebuilt[j].seq })
	c.lruList = rebuilt
}

func (c *SmartCache) cleanupLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup removes expired entries and, under heap pressure, mass-evicts the
// oldest slice of the cache before hinting the allocator.
func (c *SmartCache) cleanup() {
	c.mu.Lock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(k, e)
			c.evictions++
			telemetry.CacheEvictions.WithLabelValues(c.cfg.Name).Inc()
		}
	}

	massEvicted := 0
	if heapPressure() > c.cfg.HeapPressurePct {
		target := int(float64(len(c.entries)) * heapEvictFraction)
		for i := 0; i < target; i++ {
			if !c.evictOldestLocked() {
				break
			}
			massEvicted++
		}
	}
	c.maybeRebuildLocked()
	c.publishGauges()
	c.mu.Unlock()

	if massEvicted > 0 {
		log.Warn().Str("cache", c.cfg.Name).Int("evicted", massEvicted).
			Msg("heap pressure eviction")
		debug.FreeOSMemory()
	}
}

func (c *SmartCache) publishCounters(hit bool) {
	if hit {
		telemetry.CacheHits.WithLabelValues(c.cfg.Name).Inc()
	} else {
		telemetry.CacheMisses.WithLabelValues(c.cfg.Name).Inc()
	}
	if total := c.hits + c.misses; total > 0 {
		telemetry.CacheHitRate.WithLabelValues(c.cfg.Name).
			Set(float64(c.hits) / float64(total))
	}
}

func (c *SmartCache) publishGauges() {
	telemetry.CacheSizeBytes.WithLabelValues(c.cfg.Name).Set(float64(c.sizeBytes))
	telemetry.CacheItems.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
}

// estimateSize charges the serialized-form length, with a floor for values
// that do not serialize.
func estimateSize(v interface{}) int64 {
	b, err := json.Marshal(v)
	if err != nil || len(b) < sizeFloorBytes {
		return sizeFloorBytes
	}
	return int64(len(b))
}

// heapPressure returns HeapAlloc / HeapSys for the running process.
func heapPressure() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.HeapSys)
}
