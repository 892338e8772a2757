package cache

// SizeFunc returns the number of bytes a value occupies in the cache.
type SizeFunc[V any] func(key string, value V) uint64

// Cache is a byte-budget bounded key/value store. Implementations are safe for
// concurrent use.
type Cache[V any] interface {
	// Put inserts or replaces the value, evicting entries until the
	// configured capacity is respected.
	Put(key string, value V)
	// Get returns the value if present. Never panics on a missing key.
	Get(key string) (V, bool)
	// Contains reports whether the key is present, without affecting
	// eviction order.
	Contains(key string) bool
	Clear()
	Len() int
	// Size is the sum of the sizes of the live entries.
	Size() uint64
}

type Eviction string

const (
	EvictionLRU  Eviction = "lru"
	EvictionFIFO Eviction = "fifo"
)

// New builds the cache variant selected by eviction. A capacity of 0 means unbounded.
func New[V any](eviction Eviction, capacity uint64, sizeFunc SizeFunc[V]) Cache[V] {
	if eviction == EvictionFIFO {
		return NewFIFOCache(capacity, sizeFunc)
	}
	return NewLRUCache(capacity, sizeFunc)
}
