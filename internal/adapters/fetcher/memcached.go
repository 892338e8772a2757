package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedKeyPrefix = "contentloader:"

type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
}

// Memcached is a read-through cache in front of another byte fetcher.
// Memcached failures other than misses are logged and bypassed.
type Memcached struct {
	client     MemcacheClient
	next       loader.Fetcher[[]byte]
	expiration int32
}

// NewMemcached caches fetched bytes for expiration seconds. 0 means no expiry.
func NewMemcached(client MemcacheClient, next loader.Fetcher[[]byte], expiration int32) *Memcached {
	return &Memcached{
		client:     client,
		next:       next,
		expiration: expiration,
	}
}

func NewMemcacheClient(servers ...string) MemcacheClient {
	return memcache.New(servers...)
}

// memcached keys are limited to 250 bytes without spaces or control characters
func memcachedKey(request domain.Request) string {
	sum := sha256.Sum256([]byte(request.Identity()))
	return memcachedKeyPrefix + hex.EncodeToString(sum[:])
}

func (f *Memcached) Fetch(ctx context.Context, request domain.Request, attempt int) ([]byte, error) {
	if !request.Options.CacheEnabled() {
		return f.next.Fetch(ctx, request, attempt)
	}

	logger := logging.FromContext(ctx)
	key := memcachedKey(request)

	item, err := f.client.Get(key)
	switch {
	case err == nil:
		logger.DebugContext(ctx, "memcached hit", slog.String("key", request.Key))
		return item.Value, nil
	case errors.Is(err, memcache.ErrCacheMiss):
	default:
		logger.WarnContext(ctx, "memcached get failed", slog.String("error", err.Error()))
	}

	data, err := f.next.Fetch(ctx, request, attempt)
	if err != nil {
		return nil, err
	}

	err = f.client.Set(&memcache.Item{
		Key:        key,
		Value:      data,
		Expiration: f.expiration,
	})
	if err != nil {
		logger.WarnContext(ctx, "memcached set failed", slog.String("error", err.Error()))
	}

	return data, nil
}
