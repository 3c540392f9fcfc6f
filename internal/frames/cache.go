package frames

import (
	"container/list"
	"sync"
)

type cacheEntry struct {
	key  string
	data []byte
}

// Cache is a bounded byte-budget frame cache. Insertions beyond the budget
// evict the oldest entries first until the cache fits again. Clear may be
// called at any time, including while an extraction is inserting.
type Cache struct {
	mu       sync.Mutex
	budget   int64
	used     int64
	order    *list.List
	elements map[string]*list.Element
}

// NewCache builds a cache with the given byte budget. A non-positive budget
// disables caching entirely.
func NewCache(budgetBytes int64) *Cache {
	return &Cache{
		budget:   budgetBytes,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Put stores a copy of data under key, evicting oldest entries as needed.
// Entries larger than the whole budget are not cached.
func (c *Cache) Put(key string, data []byte) {
	if c.budget <= 0 || int64(len(data)) > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[key]; ok {
		entry := el.Value.(*cacheEntry)
		c.used -= int64(len(entry.data))
		c.order.Remove(el)
		delete(c.elements, key)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	for c.used+int64(len(stored)) > c.budget {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		c.used -= int64(len(entry.data))
		c.order.Remove(oldest)
		delete(c.elements, entry.key)
	}
	el := c.order.PushBack(&cacheEntry{key: key, data: stored})
	c.elements[key] = el
	c.used += int64(len(stored))
}

// Get returns a copy of the cached bytes for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, true
}

// Clear drops every entry. Safe to call repeatedly.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.elements = make(map[string]*list.Element)
	c.used = 0
}

// UsedBytes reports the current cache footprint.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len reports the entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
