package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

const (
	defaultPort           = "8123"
	defaultPoolSize       = 4
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultBufferSize     = 32 * 1024
	defaultMaxBodySize    = 32 * humanize.MiByte
	defaultRetryAttempts  = 2
	defaultRetryDelay     = 100 * time.Millisecond
	defaultCacheCapacity  = 64 * humanize.MiByte
	defaultCacheEviction  = "lru"
)

type Config struct {
	env       environment
	port      string
	sentryDSN string

	poolSize       int
	connectTimeout time.Duration
	readTimeout    time.Duration
	bufferSize     int
	maxBodySize    uint64
	useCaches      bool
	retryAttempts  int
	retryDelay     time.Duration

	cacheCapacity uint64
	cacheEviction string
	cacheTTL      time.Duration

	memcachedServers []string

	objectStoreEndpoint  string
	objectStoreAccessKey string
	objectStoreSecretKey string

	fetchRatePerSecond float64
	fetchBurst         int

	otelEnabled bool
}

func (c *Config) Port() string {
	return c.port
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) PoolSize() int {
	return c.poolSize
}

func (c *Config) ConnectTimeout() time.Duration {
	return c.connectTimeout
}

func (c *Config) ReadTimeout() time.Duration {
	return c.readTimeout
}

// BufferSize is the initial size of the buffer fetched bodies are read into.
func (c *Config) BufferSize() int {
	return c.bufferSize
}

// MaxBodySize bounds the bytes read from one upstream response.
func (c *Config) MaxBodySize() uint64 {
	return c.maxBodySize
}

func (c *Config) UseCaches() bool {
	return c.useCaches
}

func (c *Config) RetryAttempts() int {
	return c.retryAttempts
}

func (c *Config) RetryDelay() time.Duration {
	return c.retryDelay
}

// CacheCapacity is the byte budget of the in-memory cache. 0 means unbounded.
func (c *Config) CacheCapacity() uint64 {
	return c.cacheCapacity
}

func (c *Config) CacheEviction() string {
	return c.cacheEviction
}

func (c *Config) CacheTTL() time.Duration {
	return c.cacheTTL
}

func (c *Config) MemcachedServers() []string {
	return c.memcachedServers
}

func (c *Config) ObjectStoreEndpoint() string {
	return c.objectStoreEndpoint
}

func (c *Config) ObjectStoreAccessKey() string {
	return c.objectStoreAccessKey
}

func (c *Config) ObjectStoreSecretKey() string {
	return c.objectStoreSecretKey
}

// FetchRatePerSecond limits outgoing fetches per host. 0 means unlimited.
func (c *Config) FetchRatePerSecond() float64 {
	return c.fetchRatePerSecond
}

func (c *Config) FetchBurst() int {
	return c.fetchBurst
}

func (c *Config) OTelEnabled() bool {
	return c.otelEnabled
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, poolSize: %d, cacheCapacity: %s, cacheEviction: %s, memcachedServers: %d, objectStore: %t, ...}",
		string(c.env),
		c.poolSize,
		humanize.IBytes(c.cacheCapacity),
		c.cacheEviction,
		len(c.memcachedServers),
		c.objectStoreEndpoint != "",
	)
}

func invalid(key, raw string) error {
	return fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, raw)
}

func intFromEnv(key string, fallback int, min int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		return 0, invalid(key, raw)
	}
	return value, nil
}

func millisecondsFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	ms, err := intFromEnv(key, int(fallback/time.Millisecond), 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, invalid(key, raw)
	}
	return value, nil
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("CONTENTLOADER_ENVIRONMENT")
	if !ok {
		return missingKey("CONTENTLOADER_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return Config{}, fmt.Errorf("%w: CONTENTLOADER_ENVIRONMENT (%s)", ErrInvalidValue, rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	if env == production || env == staging {
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	poolSize, err := intFromEnv("CONTENTLOADER_POOL_SIZE", defaultPoolSize, 1)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := millisecondsFromEnv("CONTENTLOADER_CONNECT_TIMEOUT_MS", defaultConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	readTimeout, err := millisecondsFromEnv("CONTENTLOADER_READ_TIMEOUT_MS", defaultReadTimeout)
	if err != nil {
		return Config{}, err
	}
	bufferSize, err := intFromEnv("CONTENTLOADER_BUFFER_SIZE", defaultBufferSize, 0)
	if err != nil {
		return Config{}, err
	}
	useCaches, err := boolFromEnv("CONTENTLOADER_USE_CACHES", true)
	if err != nil {
		return Config{}, err
	}
	retryAttempts, err := intFromEnv("CONTENTLOADER_RETRY_ATTEMPTS", defaultRetryAttempts, 0)
	if err != nil {
		return Config{}, err
	}
	retryDelay, err := millisecondsFromEnv("CONTENTLOADER_RETRY_DELAY_MS", defaultRetryDelay)
	if err != nil {
		return Config{}, err
	}

	maxBodySize := uint64(defaultMaxBodySize)
	if raw := os.Getenv("CONTENTLOADER_MAX_BODY_SIZE"); raw != "" {
		maxBodySize, err = humanize.ParseBytes(raw)
		if err != nil || maxBodySize == 0 {
			return Config{}, invalid("CONTENTLOADER_MAX_BODY_SIZE", raw)
		}
	}

	cacheCapacity := uint64(defaultCacheCapacity)
	if raw := os.Getenv("CONTENTLOADER_CACHE_CAPACITY"); raw != "" {
		cacheCapacity, err = humanize.ParseBytes(raw)
		if err != nil {
			return Config{}, invalid("CONTENTLOADER_CACHE_CAPACITY", raw)
		}
	}

	cacheEviction := os.Getenv("CONTENTLOADER_CACHE_EVICTION")
	switch cacheEviction {
	case "":
		cacheEviction = defaultCacheEviction
	case "lru", "fifo":
	default:
		return Config{}, invalid("CONTENTLOADER_CACHE_EVICTION", cacheEviction)
	}

	var cacheTTL time.Duration
	if raw := os.Getenv("CONTENTLOADER_CACHE_TTL"); raw != "" {
		cacheTTL, err = time.ParseDuration(raw)
		if err != nil || cacheTTL < 0 {
			return Config{}, invalid("CONTENTLOADER_CACHE_TTL", raw)
		}
	}

	var memcachedServers []string
	for _, server := range strings.Split(os.Getenv("CONTENTLOADER_MEMCACHED_SERVERS"), ",") {
		server = strings.TrimSpace(server)
		if server != "" {
			memcachedServers = append(memcachedServers, server)
		}
	}

	objectStoreEndpoint := os.Getenv("CONTENTLOADER_OBJECT_STORE_ENDPOINT")
	objectStoreAccessKey := os.Getenv("CONTENTLOADER_OBJECT_STORE_ACCESS_KEY")
	objectStoreSecretKey := os.Getenv("CONTENTLOADER_OBJECT_STORE_SECRET_KEY")
	if objectStoreEndpoint != "" {
		if objectStoreAccessKey == "" {
			return missingKey("CONTENTLOADER_OBJECT_STORE_ACCESS_KEY")
		}
		if objectStoreSecretKey == "" {
			return missingKey("CONTENTLOADER_OBJECT_STORE_SECRET_KEY")
		}
	}

	var fetchRatePerSecond float64
	if raw := os.Getenv("CONTENTLOADER_FETCH_RATE_PER_SECOND"); raw != "" {
		fetchRatePerSecond, err = strconv.ParseFloat(raw, 64)
		if err != nil || fetchRatePerSecond < 0 {
			return Config{}, invalid("CONTENTLOADER_FETCH_RATE_PER_SECOND", raw)
		}
	}
	fetchBurst, err := intFromEnv("CONTENTLOADER_FETCH_BURST", 1, 1)
	if err != nil {
		return Config{}, err
	}

	otelEnabled, err := boolFromEnv("CONTENTLOADER_OTEL_ENABLED", env != development)
	if err != nil {
		return Config{}, err
	}

	return Config{
		env:       env,
		port:      port,
		sentryDSN: sentryDSN,

		poolSize:       poolSize,
		connectTimeout: connectTimeout,
		readTimeout:    readTimeout,
		bufferSize:     bufferSize,
		maxBodySize:    maxBodySize,
		useCaches:      useCaches,
		retryAttempts:  retryAttempts,
		retryDelay:     retryDelay,

		cacheCapacity: cacheCapacity,
		cacheEviction: cacheEviction,
		cacheTTL:      cacheTTL,

		memcachedServers: memcachedServers,

		objectStoreEndpoint:  objectStoreEndpoint,
		objectStoreAccessKey: objectStoreAccessKey,
		objectStoreSecretKey: objectStoreSecretKey,

		fetchRatePerSecond: fetchRatePerSecond,
		fetchBurst:         fetchBurst,

		otelEnabled: otelEnabled,
	}, nil
}
