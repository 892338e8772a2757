package fetcher_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Amund211/contentloader/internal/adapters/fetcher"
	"github.com/Amund211/contentloader/internal/constants"
	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/ratelimiting"
	"github.com/stretchr/testify/require"
)

func newHTTPFetcher(t *testing.T, handler http.HandlerFunc, opts fetcher.HTTPOptions) (*fetcher.HTTP, string) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return fetcher.NewHTTP(fetcher.NewHTTPClient(opts), ratelimiting.NewUnlimitedRateLimiter(), opts), server.URL
}

type staticHTTPClient struct {
	t        *testing.T
	response *http.Response
}

func (c *staticHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.t.Helper()
	c.response.Request = req
	return c.response, nil
}

func TestHTTP(t *testing.T) {
	t.Parallel()

	defaultOpts := fetcher.HTTPOptions{
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		BufferSize:     16,
		UseCaches:      true,
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		f, baseURL := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			require.Equal(t, "/image.png", r.URL.Path)
			require.Equal(t, constants.USER_AGENT, r.Header.Get("User-Agent"))
			require.Empty(t, r.Header.Get("Cache-Control"))
			_, _ = w.Write([]byte("a body longer than the buffer size hint"))
		}, defaultOpts)

		data, err := f.Fetch(t.Context(), domain.NewRequest(baseURL+"/image.png", nil), 0)
		require.NoError(t, err)
		require.Equal(t, "a body longer than the buffer size hint", string(data))
	})

	t.Run("no-cache when caches are disabled", func(t *testing.T) {
		t.Parallel()

		handler := func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		}

		opts := defaultOpts
		opts.UseCaches = false
		f, baseURL := newHTTPFetcher(t, handler, opts)
		_, err := f.Fetch(t.Context(), domain.NewRequest(baseURL, nil), 0)
		require.NoError(t, err)

		f, baseURL = newHTTPFetcher(t, handler, defaultOpts)
		_, err = f.Fetch(t.Context(), domain.NewRequest(baseURL, domain.Options{domain.OptionCache: "false"}), 0)
		require.NoError(t, err)
	})

	t.Run("status codes", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			status int
			target error
		}{
			{http.StatusNotFound, domain.ErrNotFound},
			{http.StatusGone, domain.ErrNotFound},
			{http.StatusTooManyRequests, domain.ErrTemporarilyUnavailable},
			{http.StatusServiceUnavailable, domain.ErrTemporarilyUnavailable},
			{http.StatusGatewayTimeout, domain.ErrTemporarilyUnavailable},
			{http.StatusInternalServerError, nil},
			{http.StatusForbidden, nil},
		}

		for _, c := range cases {
			t.Run(fmt.Sprint(c.status), func(t *testing.T) {
				t.Parallel()

				f, baseURL := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(c.status)
				}, defaultOpts)

				_, err := f.Fetch(t.Context(), domain.NewRequest(baseURL, nil), 0)
				require.Error(t, err)
				if c.target != nil {
					require.ErrorIs(t, err, c.target)
				} else {
					require.NotErrorIs(t, err, domain.ErrNotFound)
					require.NotErrorIs(t, err, domain.ErrTemporarilyUnavailable)
				}
			})
		}
	})

	t.Run("read timeout", func(t *testing.T) {
		t.Parallel()

		opts := defaultOpts
		opts.ReadTimeout = 20 * time.Millisecond
		opts.ConnectTimeout = 20 * time.Millisecond

		f, baseURL := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}, opts)

		_, err := f.Fetch(t.Context(), domain.NewRequest(baseURL, nil), 0)
		require.Error(t, err)
	})

	t.Run("body size limit", func(t *testing.T) {
		t.Parallel()

		opts := defaultOpts
		opts.MaxBodySize = 8

		t.Run("body that fits exactly", func(t *testing.T) {
			t.Parallel()

			f, baseURL := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("12345678"))
			}, opts)

			data, err := f.Fetch(t.Context(), domain.NewRequest(baseURL, nil), 0)
			require.NoError(t, err)
			require.Equal(t, "12345678", string(data))
		})

		t.Run("oversized streamed body", func(t *testing.T) {
			t.Parallel()

			f, baseURL := newHTTPFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				// Flushing first forces a chunked response without Content-Length
				w.(http.Flusher).Flush()
				_, _ = w.Write([]byte("123456789"))
			}, opts)

			_, err := f.Fetch(t.Context(), domain.NewRequest(baseURL, nil), 0)
			require.ErrorIs(t, err, fetcher.ErrBodyTooLarge)
		})

		t.Run("oversized declared length", func(t *testing.T) {
			t.Parallel()

			client := &staticHTTPClient{
				t: t,
				response: &http.Response{
					StatusCode:    http.StatusOK,
					ContentLength: 1 << 30,
					Body:          io.NopCloser(strings.NewReader("tiny")),
				},
			}
			f := fetcher.NewHTTP(client, ratelimiting.NewUnlimitedRateLimiter(), opts)

			_, err := f.Fetch(t.Context(), domain.NewRequest("https://example.com/huge.png", nil), 0)
			require.ErrorIs(t, err, fetcher.ErrBodyTooLarge)
		})

		t.Run("default limit applies when unset", func(t *testing.T) {
			t.Parallel()

			client := &staticHTTPClient{
				t: t,
				response: &http.Response{
					StatusCode:    http.StatusOK,
					ContentLength: fetcher.DefaultMaxBodySize + 1,
					Body:          io.NopCloser(strings.NewReader("tiny")),
				},
			}
			f := fetcher.NewHTTP(client, ratelimiting.NewUnlimitedRateLimiter(), defaultOpts)

			_, err := f.Fetch(t.Context(), domain.NewRequest("https://example.com/huge.png", nil), 0)
			require.ErrorIs(t, err, fetcher.ErrBodyTooLarge)
		})
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		t.Parallel()

		f := fetcher.NewHTTP(http.DefaultClient, ratelimiting.NewUnlimitedRateLimiter(), defaultOpts)
		_, err := f.Fetch(t.Context(), domain.NewRequest("ftp://example.com/a.png", nil), 0)
		require.ErrorIs(t, err, fetcher.ErrUnsupportedScheme)
	})
}
