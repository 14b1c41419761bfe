package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
}

// Options configures an LRU. A capacity <= 0 disables the cache.
type Options[K comparable, V any] struct {
	Capacity int
	// MaxCost bounds the summed Cost of all entries when both are set.
	MaxCost   int64
	Cost      func(value V) int64
	OnEvicted func(key K, value V)
	OnHit     func(key K)
	OnMiss    func(key K)
}

// LRU is a fixed-size, optionally cost-bounded least-recently-used cache.
// It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu         sync.Mutex
	opts       Options[K, V]
	lruList    *list.List
	cacheItems map[K]*list.Element
	cost       int64

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[string, []byte] = (*LRU[string, []byte])(nil)

// New creates a new LRU.
func New[K comparable, V any](opts Options[K, V]) *LRU[K, V] {
	return &LRU[K, V]{
		opts:       opts,
		lruList:    list.New(),
		cacheItems: make(map[K]*list.Element),
	}
}

func (c *LRU[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Capacity <= 0 {
		return value, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.opts.OnHit != nil {
			c.opts.OnHit(key)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[K, V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.opts.OnMiss != nil {
		c.opts.OnMiss(key)
	}
	return value, false
}

// Put adds or replaces a value. A value costing more than MaxCost is not cached.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Capacity <= 0 {
		return
	}
	cost := c.costOf(value)
	if c.opts.MaxCost > 0 && cost > c.opts.MaxCost {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		entry := elem.Value.(*cacheEntry[K, V])
		c.cost += cost - entry.cost
		entry.value = value
		entry.cost = cost
		c.lruList.MoveToFront(elem)
	} else {
		element := c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, cost: cost})
		c.cacheItems[key] = element
		c.cost += cost
	}

	for c.lruList.Len() > c.opts.Capacity || (c.opts.MaxCost > 0 && c.cost > c.opts.MaxCost) {
		if !c.evict() {
			break
		}
	}
}

// Remove drops a key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.cacheItems[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// RemoveFunc drops every entry whose key matches and returns how many were removed.
func (c *LRU[K, V]) RemoveFunc(match func(key K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, elem := range c.cacheItems {
		if match(key) {
			c.removeElement(elem)
			n++
		}
	}
	return n
}

// Len returns the current number of items in the cache.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Cost returns the summed cost of all entries.
func (c *LRU[K, V]) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

func (c *LRU[K, V]) costOf(value V) int64 {
	if c.opts.Cost == nil {
		return 1
	}
	return c.opts.Cost(value)
}

// evict removes the least recently used item from the cache.
// Must be called with c.mu locked.
func (c *LRU[K, V]) evict() bool {
	elem := c.lruList.Back()
	if elem == nil {
		return false
	}
	c.removeElement(elem)
	return true
}

// Must be called with c.mu locked.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	entry := c.lruList.Remove(elem).(*cacheEntry[K, V])
	delete(c.cacheItems, entry.key)
	c.cost -= entry.cost
	if c.opts.OnEvicted != nil {
		c.opts.OnEvicted(entry.key, entry.value)
	}
}

// Clear removes all entries from the cache and resets its metrics.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.OnEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry[K, V])
			c.opts.OnEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[K]*list.Element)
	c.cost = 0
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate.
// This is useful for expvar.Func.
func (c *LRU[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	hitsVar, missesVar := c.hits, c.misses
	c.mu.Unlock()

	var hits, misses float64
	if hitsVar != nil {
		hits = float64(hitsVar.Value())
	}
	if missesVar != nil {
		misses = float64(missesVar.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
