package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jellydator/ttlcache/v3"
)

type lruCache[V any] struct {
	cache    *ttlcache.Cache[string, V]
	capacity uint64
	sizeFunc SizeFunc[V]
}

func (c *lruCache[V]) Put(key string, value V) {
	c.cache.Set(key, value, ttlcache.DefaultTTL)
}

func (c *lruCache[V]) Get(key string) (V, bool) {
	// Get moves the item to the front of the LRU list
	item := c.cache.Get(key)
	if item == nil {
		var empty V
		return empty, false
	}
	return item.Value(), true
}

func (c *lruCache[V]) Contains(key string) bool {
	return c.cache.Has(key)
}

func (c *lruCache[V]) Clear() {
	c.cache.DeleteAll()
}

func (c *lruCache[V]) Len() int {
	return c.cache.Len()
}

func (c *lruCache[V]) Size() uint64 {
	var total uint64
	c.cache.Range(func(item *ttlcache.Item[string, V]) bool {
		total += item.Cost()
		return true
	})
	return total
}

// Stop halts the expiry goroutine started by NewLRUCacheWithTTL.
func (c *lruCache[V]) Stop() {
	c.cache.Stop()
}

// NewLRUCache returns a cache evicting the least recently used entries first.
// Entries larger than the capacity are evicted as soon as they are inserted.
func NewLRUCache[V any](capacity uint64, sizeFunc SizeFunc[V]) *lruCache[V] {
	return newLRUCache(capacity, 0, sizeFunc)
}

// NewLRUCacheWithTTL is like NewLRUCache, but entries also expire after ttl.
func NewLRUCacheWithTTL[V any](capacity uint64, ttl time.Duration, sizeFunc SizeFunc[V]) *lruCache[V] {
	c := newLRUCache(capacity, ttl, sizeFunc)
	go c.cache.Start()
	return c
}

func newLRUCache[V any](capacity uint64, ttl time.Duration, sizeFunc SizeFunc[V]) *lruCache[V] {
	// A max cost of 0 disables cost based eviction, but keeps track of item costs
	costOption := ttlcache.WithMaxCost[string, V](
		capacity,
		func(item ttlcache.CostItem[string, V]) uint64 {
			return sizeFunc(item.Key, item.Value)
		},
	)

	c := &lruCache[V]{
		cache: ttlcache.New[string, V](
			ttlcache.WithTTL[string, V](ttl),
			costOption,
		),
		capacity: capacity,
		sizeFunc: sizeFunc,
	}

	c.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, V]) {
		if reason != ttlcache.EvictionReasonMaxCostExceeded {
			return
		}
		slog.Default().DebugContext(
			ctx,
			"Evicted cache entry",
			"key", item.Key(),
			"size", humanize.IBytes(item.Cost()),
			"capacity", humanize.IBytes(capacity),
		)
	})

	return c
}
