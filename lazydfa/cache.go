package lazydfa

import (
	"container/list"
	"sync"

	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/internal/sysmem"
)

// CacheConfig bounds the DFA cache from spec §4.6.
type CacheConfig struct {
	MaxDFAs                 int
	MaxTotalMemoryBytes     uint64
	MemoryEvictionThreshold float64 // evict LRU entries until usage falls at/under this fraction of MaxTotalMemoryBytes

	// MaxProcessRSSBytes is a second, independent ceiling on actual
	// process memory (sysmem.RSSBytes), catching the case where the
	// cache's own per-entry MemoryBytes accounting undercounts the real
	// cost of a DFA (e.g. allocator overhead, fragmentation). Zero
	// disables the check.
	MaxProcessRSSBytes uint64
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxDFAs: 256, MaxTotalMemoryBytes: 64 << 20, MemoryEvictionThreshold: 0.8}
}

type cacheEntry struct {
	ruleID string
	dfa    *CompiledDFA
}

// Cache holds converted DFAs with LRU-on-read promotion and eviction
// under both an entry-count cap and a total-memory cap, grounded on
// coregx-coregex/dfa/lazy.Cache's mutex-guarded map. The per-entry
// caps evict incrementally, since promoting on Get requires ordering;
// a real process-RSS breach (MaxProcessRSSBytes) falls back to
// lazy.Cache's own clear-wholesale-on-overflow behavior instead, since
// at that point the per-entry accounting has already proven untrustworthy.
type Cache struct {
	mu sync.Mutex

	cfg         CacheConfig
	entries     map[string]*list.Element
	lru         *list.List
	totalMemory uint64
	rss         sysmem.Sampler

	hits, misses uint64
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxDFAs <= 0 {
		cfg.MaxDFAs = DefaultCacheConfig().MaxDFAs
	}
	if cfg.MaxTotalMemoryBytes == 0 {
		cfg.MaxTotalMemoryBytes = DefaultCacheConfig().MaxTotalMemoryBytes
	}
	if cfg.MemoryEvictionThreshold <= 0 || cfg.MemoryEvictionThreshold > 1 {
		cfg.MemoryEvictionThreshold = DefaultCacheConfig().MemoryEvictionThreshold
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the cached DFA for ruleID, promoting it to most-recently-used.
func (c *Cache) Get(ruleID string) (*CompiledDFA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[ruleID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.lru.MoveToBack(el)
	return el.Value.(*cacheEntry).dfa, true
}

// Insert adds or replaces a DFA, failing with MemoryLimitExceeded if the
// single entry alone exceeds the cache's total budget; otherwise it
// evicts LRU entries down to MemoryEvictionThreshold before inserting.
func (c *Cache) Insert(dfa *CompiledDFA) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dfa.MemoryBytes > c.cfg.MaxTotalMemoryBytes {
		return kerrors.New(kerrors.MemoryLimitExceeded, "dfa for rule %q (%d bytes) exceeds max_total_memory_bytes (%d)", dfa.RuleID, dfa.MemoryBytes, c.cfg.MaxTotalMemoryBytes)
	}

	if c.cfg.MaxProcessRSSBytes > 0 {
		if rss, err := c.rss.Sample(); err == nil && rss > c.cfg.MaxProcessRSSBytes {
			// Mirrors coregx-coregex/dfa/lazy.Cache's clear-wholesale-on-overflow
			// behavior: per-entry MemoryBytes accounting already missed this,
			// so don't trust it to pick a partial eviction set either.
			c.clearLocked()
		}
	}

	if existing, ok := c.entries[dfa.RuleID]; ok {
		c.totalMemory -= existing.Value.(*cacheEntry).dfa.MemoryBytes
		c.lru.Remove(existing)
		delete(c.entries, dfa.RuleID)
	}

	limit := uint64(float64(c.cfg.MaxTotalMemoryBytes) * c.cfg.MemoryEvictionThreshold)
	for (c.totalMemory+dfa.MemoryBytes > limit || len(c.entries) >= c.cfg.MaxDFAs) && c.lru.Len() > 0 {
		c.evictOldestLocked()
	}

	el := c.lru.PushBack(&cacheEntry{ruleID: dfa.RuleID, dfa: dfa})
	c.entries[dfa.RuleID] = el
	c.totalMemory += dfa.MemoryBytes
	return nil
}

func (c *Cache) clearLocked() {
	c.entries = make(map[string]*list.Element)
	c.lru = list.New()
	c.totalMemory = 0
}

func (c *Cache) evictOldestLocked() {
	front := c.lru.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*cacheEntry)
	c.lru.Remove(front)
	delete(c.entries, entry.ruleID)
	c.totalMemory -= entry.dfa.MemoryBytes
}

// Remove evicts ruleID's DFA if present (used by hybrid.Engine.Unload).
func (c *Cache) Remove(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ruleID]; ok {
		entry := el.Value.(*cacheEntry)
		c.lru.Remove(el)
		delete(c.entries, ruleID)
		c.totalMemory -= entry.dfa.MemoryBytes
	}
}

// Stats reports cache occupancy for metrics export.
func (c *Cache) Stats() (count int, totalMemory uint64, hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.totalMemory, c.hits, c.misses
}
