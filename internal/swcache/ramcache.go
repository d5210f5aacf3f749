package swcache

import (
	"container/list"
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
}

// ramCache is an LRU of decoded entries in front of leveldb. Dropping an
// item never loses data since everything it holds is already on disk.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	order *list.List // front is most recently used
	byKey map[string]*list.Element
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, order: list.New(), byKey: map[string]*list.Element{}}
}

// entrySize approximates the memory held by ent.
func entrySize(ent CacheEntry) int64 {
	n := int64(64 + len(ent.Body))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byKey[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*ramItem).ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[key]; ok {
		c.drop(el)
	}
}

// DeletePrefix drops every key starting with prefix and returns how many
// went.
func (c *ramCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []*list.Element
	for k, el := range c.byKey {
		if strings.HasPrefix(k, prefix) {
			doomed = append(doomed, el)
		}
	}
	for _, el := range doomed {
		c.drop(el)
	}
	return len(doomed)
}

// Put stores ent under key and reports whether other items were dropped to
// make room. Entries larger than the whole budget stay on disk only.
func (c *ramCache) Put(key string, ent CacheEntry) (evicted bool) {
	size := entrySize(ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byKey[key]; ok {
		c.drop(el)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return false
	}
	c.byKey[key] = c.order.PushFront(&ramItem{key: key, ent: ent, size: size})
	c.total += size

	if c.maxBytes <= 0 {
		return false
	}
	for c.total > c.maxBytes && c.order.Len() > 1 {
		c.shrink()
		evicted = true
	}
	return evicted
}

// shrink drops a tenth of the items, at least one, from the cold end. The
// most recently used item always survives.
func (c *ramCache) shrink() {
	n := c.order.Len() / 10
	if n < 1 {
		n = 1
	}
	for ; n > 0 && c.order.Len() > 1; n-- {
		c.drop(c.order.Back())
	}
}

func (c *ramCache) drop(el *list.Element) {
	it := c.order.Remove(el).(*ramItem)
	delete(c.byKey, it.key)
	c.total -= it.size
}
