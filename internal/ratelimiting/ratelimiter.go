package ratelimiting

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	// Consume takes a token for key if one is available, without waiting.
	Consume(key string) bool
	// Wait blocks until a token for key is available or ctx ends.
	Wait(ctx context.Context, key string) error
}

type tokenBucketRateLimiter struct {
	limiterByKey    *ttlcache.Cache[string, *rate.Limiter]
	refillPerSecond float64
	burstSize       int
}

func (rateLimiter *tokenBucketRateLimiter) limiterFor(key string) *rate.Limiter {
	limiter, _ := rateLimiter.limiterByKey.GetOrSet(key, rate.NewLimiter(rate.Limit(rateLimiter.refillPerSecond), rateLimiter.burstSize))
	return limiter.Value()
}

func (rateLimiter *tokenBucketRateLimiter) Consume(key string) bool {
	return rateLimiter.limiterFor(key).Allow()
}

func (rateLimiter *tokenBucketRateLimiter) Wait(ctx context.Context, key string) error {
	err := rateLimiter.limiterFor(key).Wait(ctx)
	if err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	return nil
}

type RefillPerSecond float64
type BurstSize int

// NewTokenBucketRateLimiter keeps one token bucket per key. Buckets that have
// not been used for a while are dropped.
func NewTokenBucketRateLimiter(refillPerSecond RefillPerSecond, burstSize BurstSize) (RateLimiter, func()) {
	limiterTTLCache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](30 * time.Minute),
	)
	go limiterTTLCache.Start()

	return &tokenBucketRateLimiter{
		limiterByKey:    limiterTTLCache,
		refillPerSecond: float64(refillPerSecond),
		burstSize:       int(burstSize),
	}, limiterTTLCache.Stop
}

type unlimitedRateLimiter struct{}

func (unlimitedRateLimiter) Consume(string) bool {
	return true
}

func (unlimitedRateLimiter) Wait(context.Context, string) error {
	return nil
}

// NewUnlimitedRateLimiter never limits. Used when no rate is configured.
func NewUnlimitedRateLimiter() RateLimiter {
	return unlimitedRateLimiter{}
}

type RequestRateLimiter interface {
	Consume(r *http.Request) bool
	KeyFor(r *http.Request) string
}

type requestBasedRateLimiter struct {
	limiter RateLimiter
	keyFunc func(r *http.Request) string
}

func (rateLimiter *requestBasedRateLimiter) Consume(r *http.Request) bool {
	return rateLimiter.limiter.Consume(rateLimiter.keyFunc(r))
}

func (rateLimiter *requestBasedRateLimiter) KeyFor(r *http.Request) string {
	return rateLimiter.keyFunc(r)
}

func NewRequestBasedRateLimiter(limiter RateLimiter, keyFunc func(r *http.Request) string) RequestRateLimiter {
	return &requestBasedRateLimiter{
		limiter: limiter,
		keyFunc: keyFunc,
	}
}

// IPKeyFunc keys on the connection's remote address. Forwarding headers are
// client controlled and ignored.
func IPKeyFunc(r *http.Request) string {
	withoutPort := r.RemoteAddr

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		withoutPort = host
	}

	return fmt.Sprintf("ip: %s", withoutPort)
}

// HostKey returns the limiter key for outgoing requests to the host of u.
func HostKey(u *url.URL) string {
	return fmt.Sprintf("host: %s", u.Hostname())
}
