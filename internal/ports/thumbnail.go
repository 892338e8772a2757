package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Amund211/contentloader/internal/adapters/decoder"
	"github.com/Amund211/contentloader/internal/adapters/fetcher"
	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/Amund211/contentloader/internal/ratelimiting"
	"github.com/Amund211/contentloader/internal/reporting"
)

const (
	maxKeyLength = 2048
	maxDimension = 4096
)

type ImageLoader interface {
	Await(ctx context.Context, request domain.Request) (image.Image, error)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Cause   string `json:"cause"`
}

func parseDimension(raw string) (string, bool) {
	if raw == "" {
		return "", true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 || value > maxDimension {
		return "", false
	}
	return strconv.Itoa(value), true
}

func MakeGetThumbnailHandler(
	imageLoader ImageLoader,
	ipRateLimiter ratelimiting.RequestRateLimiter,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	onLimitExceeded := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"success":false,"cause":"rate limit exceeded"}`))
	}

	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		buildMetricsMiddleware(),
		NewRateLimitMiddleware(ipRateLimiter, onLimitExceeded),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := r.URL.Query()

		handleError := func(ctx context.Context, cause string, statusCode int) {
			response, err := json.Marshal(errorResponse{Success: false, Cause: cause})
			if err != nil {
				reporting.Report(ctx, fmt.Errorf("failed to marshal error response: %w", err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"success":false,"cause":"internal server error"}`))
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statusCode)
			w.Write(response)
		}

		key := query.Get("url")
		if key == "" {
			handleError(ctx, "missing url", http.StatusBadRequest)
			return
		}
		if len(key) > maxKeyLength {
			handleError(ctx, "url too long", http.StatusBadRequest)
			return
		}

		format, err := decoder.Format(query.Get("format"))
		if err != nil {
			handleError(ctx, "unsupported format", http.StatusBadRequest)
			return
		}

		options := domain.Options{}
		for _, option := range []string{domain.OptionWidth, domain.OptionHeight} {
			value, ok := parseDimension(query.Get(option))
			if !ok {
				handleError(ctx, fmt.Sprintf("invalid %s", option), http.StatusBadRequest)
				return
			}
			if value != "" {
				options[option] = value
			}
		}
		if query.Get(domain.OptionCache) == "false" {
			options[domain.OptionCache] = "false"
		}

		request := domain.NewRequest(key, options)
		ctx = logging.AddRequestToContext(ctx, request)

		img, err := imageLoader.Await(ctx, request)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrEmptyKey),
			errors.Is(err, fetcher.ErrUnsupportedScheme),
			errors.Is(err, decoder.ErrInvalidDimension):
			handleError(ctx, "invalid request", http.StatusBadRequest)
			return
		case errors.Is(err, domain.ErrNotFound):
			handleError(ctx, "not found", http.StatusNotFound)
			return
		case errors.Is(err, domain.ErrTemporarilyUnavailable):
			handleError(ctx, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		case errors.Is(err, context.DeadlineExceeded):
			handleError(ctx, "upstream timed out", http.StatusGatewayTimeout)
			return
		case errors.Is(err, context.Canceled):
			// Client went away
			logging.FromContext(ctx).InfoContext(ctx, "Request cancelled")
			return
		default:
			// NOTE: The loader reports its own failures
			logging.FromContext(ctx).WarnContext(ctx, "Failed to load image", slog.String("error", err.Error()))
			handleError(ctx, "failed to load image", http.StatusBadGateway)
			return
		}

		var buf bytes.Buffer
		if err := decoder.Encode(&buf, img, format); err != nil {
			reporting.Report(ctx, err)
			handleError(ctx, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", decoder.ContentType(format))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}

	return middleware(handler)
}
