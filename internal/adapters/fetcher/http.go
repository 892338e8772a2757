package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Amund211/contentloader/internal/constants"
	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/Amund211/contentloader/internal/ratelimiting"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxBodySize applies when HTTPOptions.MaxBodySize is not set.
const DefaultMaxBodySize = 32 << 20

var ErrBodyTooLarge = errors.New("response body too large")

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// BufferSize is the initial capacity of the body buffer.
	BufferSize int
	// MaxBodySize bounds the bytes read from one response. 0 means DefaultMaxBodySize.
	MaxBodySize int64
	UseCaches   bool
}

// NewHTTPClient returns a client honouring the connect and read timeouts.
func NewHTTPClient(opts HTTPOptions) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}

// HTTP fetches the bytes behind http and https keys.
type HTTP struct {
	httpClient HttpClient
	limiter    ratelimiting.RateLimiter
	opts       HTTPOptions
}

func NewHTTP(httpClient HttpClient, limiter ratelimiting.RateLimiter, opts HTTPOptions) *HTTP {
	return &HTTP{
		httpClient: httpClient,
		limiter:    limiter,
		opts:       opts,
	}
}

func (f *HTTP) Fetch(ctx context.Context, request domain.Request, attempt int) ([]byte, error) {
	logger := logging.FromContext(ctx)

	u, err := url.Parse(request.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	if err := f.limiter.Wait(ctx, ratelimiting.HostKey(u)); err != nil {
		return nil, err
	}

	if f.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.ConnectTimeout+f.opts.ReadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", constants.USER_AGENT)
	if !f.opts.UseCaches || !request.Options.CacheEnabled() {
		req.Header.Set("Cache-Control", "no-cache")
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	maxBodySize := f.opts.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	if resp.ContentLength > maxBodySize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit is %d", ErrBodyTooLarge, resp.ContentLength, maxBodySize)
	}

	size := int64(f.opts.BufferSize)
	if resp.ContentLength > size {
		size = resp.ContentLength
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	// One byte past the limit tells an oversized body from one that fits exactly
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, maxBodySize+1)); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(buf.Len()) > maxBodySize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, maxBodySize)
	}

	logger.InfoContext(
		ctx,
		"fetch completed",
		slog.String("host", u.Host),
		slog.Int("status", resp.StatusCode),
		slog.Int("attempt", attempt),
		slog.Int("bytes", buf.Len()),
		slog.String("duration", time.Since(start).String()),
	)

	return buf.Bytes(), nil
}

func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound, status == http.StatusGone:
		return fmt.Errorf("%w: status %d", domain.ErrNotFound, status)
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrTemporarilyUnavailable, status)
	}
	return fmt.Errorf("unexpected status code %d", status)
}
