package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
)

// LRUCache implements a simple LRU cache with TTL support.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheItem
	head     *cacheItem
	tail     *cacheItem
	now      func() time.Time
}

type cacheItem struct {
	key   string
	value []byte
	ttl   time.Time // zero means no expiry
	prev  *cacheItem
	next  *cacheItem
}

// NewLRUCache creates a new LRU cache with the specified capacity.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
		now:      time.Now,
	}
}

// Get retrieves a value from the cache. Get reorders the list, so it takes the
// write lock.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}

	if !item.ttl.IsZero() && c.now().After(item.ttl) {
		c.removeItem(item)
		delete(c.items, key)
		return nil, false
	}

	c.moveToFront(item)
	return item.value, true
}

// Set stores a value in the cache. ttlSeconds <= 0 keeps it until evicted.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ttl time.Time
	if ttlSeconds > 0 {
		ttl = c.now().Add(time.Duration(ttlSeconds) * time.Second)
	}

	if item, exists := c.items[key]; exists {
		item.value = value
		item.ttl = ttl
		c.moveToFront(item)
		return nil
	}

	item := &cacheItem{
		key:   key,
		value: value,
		ttl:   ttl,
	}
	c.addToFront(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
	return nil
}

// Delete removes a key from the cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil
	}
	c.removeItem(item)
	delete(c.items, key)
	return nil
}

// Len returns the number of cached entries, expired or not.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRUCache) moveToFront(item *cacheItem) {
	if item == c.head {
		return
	}
	c.removeItem(item)
	c.addToFront(item)
}

func (c *LRUCache) addToFront(item *cacheItem) {
	item.next = c.head
	item.prev = nil

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRUCache) removeItem(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}

	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}

	item.prev = nil
	item.next = nil
}

// evictLRU removes the least recently used item.
func (c *LRUCache) evictLRU() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.removeItem(item)
	delete(c.items, item.key)
}

var _ ports.Cache = (*LRUCache)(nil)
