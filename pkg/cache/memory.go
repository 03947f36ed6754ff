package cache

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ShoshinNikita/rload/pkg/metrics"
	"github.com/ShoshinNikita/rload/rload"
)

var ErrEntryTooLarge = errors.New("entry is too large")

// MemoryCache keeps decoded results. The total weight of the entries never exceeds
// the max weight, the least recently used entries are evicted first.
//
// A single entry can't be heavier than the max entry weight: otherwise one large
// entry could evict everything else.
type MemoryCache struct {
	maxWeight      int64
	maxEntryWeight int64

	mu     sync.Mutex
	lru    *simplelru.LRU[rload.CacheKey, rload.Result]
	weight int64
	// bySource allows to invalidate all keys of a source without iterating over the whole cache.
	bySource map[rload.SourceID]map[rload.CacheKey]struct{}
}

// NewMemoryCache creates a new cache. Zero maxEntryWeight means a quarter of maxWeight.
func NewMemoryCache(maxWeight, maxEntryWeight int64) (*MemoryCache, error) {
	if maxWeight <= 0 {
		return nil, errors.New("max weight must be > 0")
	}
	if maxEntryWeight <= 0 {
		maxEntryWeight = max(maxWeight/4, 1)
	}
	if maxEntryWeight > maxWeight {
		return nil, fmt.Errorf("max entry weight can't be greater than max weight: %d > %d", maxEntryWeight, maxWeight)
	}

	c := &MemoryCache{
		maxWeight:      maxWeight,
		maxEntryWeight: maxEntryWeight,
		bySource:       make(map[rload.SourceID]map[rload.CacheKey]struct{}),
	}

	// The number of entries is limited only by their weight.
	lru, err := simplelru.NewLRU[rload.CacheKey, rload.Result](math.MaxInt, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("couldn't create lru: %w", err)
	}
	c.lru = lru

	return c, nil
}

// onEvict is called by lru under c.mu for every removed entry.
func (c *MemoryCache) onEvict(key rload.CacheKey, res rload.Result) {
	c.weight -= res.Weight

	keys := c.bySource[key.Source]
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.bySource, key.Source)
	}
}

// Get returns the cached result and marks it as the most recently used.
func (c *MemoryCache) Get(key rload.CacheKey) (rload.Result, bool) {
	c.mu.Lock()
	res, ok := c.lru.Get(key)
	c.mu.Unlock()

	if ok {
		metrics.CacheHits.WithLabelValues(metrics.TierMemory).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(metrics.TierMemory).Inc()
	}
	return res, ok
}

// Put adds or replaces the entry, evicting the least recently used entries if needed.
// It returns [ErrEntryTooLarge] and changes nothing if the entry is heavier than
// the max entry weight.
func (c *MemoryCache) Put(key rload.CacheKey, res rload.Result) error {
	if res.Weight < 0 {
		return fmt.Errorf("invalid weight: %d", res.Weight)
	}
	if res.Weight > c.maxEntryWeight {
		return fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, res.Weight, c.maxEntryWeight)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove the old entry first to keep the weight consistent.
	c.lru.Remove(key)

	c.lru.Add(key, res)
	c.weight += res.Weight

	keys, ok := c.bySource[key.Source]
	if !ok {
		keys = make(map[rload.CacheKey]struct{})
		c.bySource[key.Source] = keys
	}
	keys[key] = struct{}{}

	var evicted int
	for c.weight > c.maxWeight {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}

	metrics.CacheEvictions.Add(float64(evicted))
	metrics.CacheMemoryWeight.Set(float64(c.weight))

	return nil
}

// Invalidate removes all entries of the source regardless of their params.
func (c *MemoryCache) Invalidate(src rload.SourceID) (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]rload.CacheKey, 0, len(c.bySource[src]))
	for key := range c.bySource[src] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if c.lru.Remove(key) {
			removed++
		}
	}

	metrics.CacheMemoryWeight.Set(float64(c.weight))

	return removed
}

// ContainsSource reports whether any entry of the source is cached. It doesn't
// change the recency of entries.
func (c *MemoryCache) ContainsSource(src rload.SourceID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.bySource[src]) > 0
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

func (c *MemoryCache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.weight
}

func (c *MemoryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	metrics.CacheMemoryWeight.Set(0)
}
