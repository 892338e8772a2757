package cache

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

type basicCacheEntry[V any] struct {
	key  string
	data V
	size uint64
}

// fifoCache evicts the oldest inserted entries first. Reads do not affect the order.
type fifoCache[V any] struct {
	cache     map[string]*list.Element
	order     *list.List
	size      uint64
	capacity  uint64
	sizeFunc  SizeFunc[V]
	cacheLock sync.Mutex
}

func (c *fifoCache[V]) Put(key string, data V) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.remove(elem)
	}

	entry := &basicCacheEntry[V]{key: key, data: data, size: c.sizeFunc(key, data)}
	c.cache[key] = c.order.PushBack(entry)
	c.size += entry.size

	if c.capacity == 0 {
		return
	}

	for c.size > c.capacity {
		oldest := c.order.Front()
		evicted := oldest.Value.(*basicCacheEntry[V])
		c.remove(oldest)

		slog.Default().Debug(
			"Evicted cache entry",
			"key", evicted.key,
			"size", humanize.IBytes(evicted.size),
			"capacity", humanize.IBytes(c.capacity),
		)
	}
}

func (c *fifoCache[V]) remove(elem *list.Element) {
	entry := elem.Value.(*basicCacheEntry[V])
	c.order.Remove(elem)
	delete(c.cache, entry.key)
	c.size -= entry.size
}

func (c *fifoCache[V]) Get(key string) (V, bool) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		var empty V
		return empty, false
	}
	return elem.Value.(*basicCacheEntry[V]).data, true
}

func (c *fifoCache[V]) Contains(key string) bool {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	_, ok := c.cache[key]
	return ok
}

func (c *fifoCache[V]) Clear() {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	c.cache = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

func (c *fifoCache[V]) Len() int {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	return len(c.cache)
}

func (c *fifoCache[V]) Size() uint64 {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	return c.size
}

func NewFIFOCache[V any](capacity uint64, sizeFunc SizeFunc[V]) *fifoCache[V] {
	return &fifoCache[V]{
		cache:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		sizeFunc: sizeFunc,
	}
}
