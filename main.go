package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Amund211/contentloader/internal/adapters/cache"
	"github.com/Amund211/contentloader/internal/adapters/decoder"
	"github.com/Amund211/contentloader/internal/adapters/fetcher"
	"github.com/Amund211/contentloader/internal/config"
	"github.com/Amund211/contentloader/internal/imageloader"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/Amund211/contentloader/internal/ports"
	"github.com/Amund211/contentloader/internal/ratelimiting"
	"github.com/Amund211/contentloader/internal/reporting"
	"github.com/Amund211/contentloader/internal/telemetry"
	"github.com/google/uuid"
	_ "golang.org/x/crypto/x509roots/fallback"
)

const serviceName = "contentloader"

// Entries in memcached outlive the in-process cache
const memcachedExpirationSeconds = 24 * 60 * 60

func objectStoreEndpoint(raw string) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Bare host[:port], assume TLS
		return raw, true, nil
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, false, nil
	}
	return "", false, fmt.Errorf("unsupported object store scheme: %s", u.Scheme)
}

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(logging.NewTracingLogHandler(slog.NewJSONHandler(os.Stdout, nil))).With("instanceID", instanceID)
	slog.SetDefault(logger)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	if config.OTelEnabled() {
		shutdown, err := telemetry.SetupOTelSDK(context.Background(), serviceName)
		if err != nil {
			fail("Failed to set up OpenTelemetry", "error", err.Error())
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized OpenTelemetry")
	}

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	hostLimiter := ratelimiting.NewUnlimitedRateLimiter()
	if config.FetchRatePerSecond() > 0 {
		limiter, stop := ratelimiting.NewTokenBucketRateLimiter(
			ratelimiting.RefillPerSecond(config.FetchRatePerSecond()),
			ratelimiting.BurstSize(config.FetchBurst()),
		)
		defer stop()
		hostLimiter = limiter
	}

	httpOptions := fetcher.HTTPOptions{
		ConnectTimeout: config.ConnectTimeout(),
		ReadTimeout:    config.ReadTimeout(),
		BufferSize:     config.BufferSize(),
		MaxBodySize:    int64(config.MaxBodySize()),
		UseCaches:      config.UseCaches(),
	}
	router := fetcher.NewRouter().
		Handle(fetcher.NewHTTP(fetcher.NewHTTPClient(httpOptions), hostLimiter, httpOptions), "http", "https")

	if config.ObjectStoreEndpoint() != "" {
		endpoint, secure, err := objectStoreEndpoint(config.ObjectStoreEndpoint())
		if err != nil {
			fail("Invalid object store endpoint", "error", err.Error())
		}
		reader, err := fetcher.NewMinioObjectReader(
			endpoint,
			config.ObjectStoreAccessKey(),
			config.ObjectStoreSecretKey(),
			secure,
		)
		if err != nil {
			fail("Failed to initialize object store", "error", err.Error())
		}
		router.Handle(fetcher.NewObjectStore(reader), "s3")
		logger.Info("Initialized object store", "endpoint", endpoint)
	}

	if config.IsDevelopment() {
		router.Handle(fetcher.NewMock(0, time.After), "mock")
	}

	var source loader.Fetcher[[]byte] = router
	if servers := config.MemcachedServers(); len(servers) > 0 && config.UseCaches() {
		source = fetcher.NewMemcached(fetcher.NewMemcacheClient(servers...), router, memcachedExpirationSeconds)
		logger.Info("Initialized memcached", "servers", servers)
	}

	contentLoader, err := loader.New[image.Image](
		decoder.NewImages(source),
		loader.WithRetry(config.RetryAttempts(), config.RetryDelay()),
	)
	if err != nil {
		fail("Failed to initialize content loader", "error", err.Error())
	}

	var imageCache cache.Cache[image.Image]
	if config.CacheTTL() > 0 && cache.Eviction(config.CacheEviction()) == cache.EvictionLRU {
		ttlCache := cache.NewLRUCacheWithTTL(config.CacheCapacity(), config.CacheTTL(), decoder.SizeOf)
		defer ttlCache.Stop()
		imageCache = ttlCache
	} else {
		imageCache = cache.New(cache.Eviction(config.CacheEviction()), config.CacheCapacity(), decoder.SizeOf)
	}

	imageLoader, err := imageloader.New(imageCache, contentLoader, config.PoolSize())
	if err != nil {
		fail("Failed to initialize image loader", "error", err.Error())
	}
	imageLoader.Start()
	defer imageLoader.Close()
	logger.Info("Initialized image loader", "poolSize", config.PoolSize())

	ipLimiter, stopIPLimiter := ratelimiting.NewTokenBucketRateLimiter(
		// 600 requests per 10 minutes
		ratelimiting.RefillPerSecond(1),
		ratelimiting.BurstSize(120),
	)
	defer stopIPLimiter()

	http.HandleFunc(
		"GET /v1/thumbnail",
		ports.MakeGetThumbnailHandler(
			imageLoader,
			ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc),
			logger.With("port", "thumbnail"),
			sentryMiddleware,
		),
	)

	logger.Info("Init complete")
	err = http.ListenAndServe(fmt.Sprintf(":%s", config.Port()), nil)
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("Server shutdown")
	} else {
		fail("Server error", "error", err.Error())
	}
}
