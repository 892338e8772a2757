package fetcher_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Amund211/contentloader/internal/adapters/fetcher"
	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func staticFetcher(data string, err error, calls *int) loader.Fetcher[[]byte] {
	return loader.FetcherFunc[[]byte](func(ctx context.Context, request domain.Request, attempt int) ([]byte, error) {
		*calls++
		if err != nil {
			return nil, err
		}
		return []byte(data), nil
	})
}

type fakeMemcache struct {
	mu     sync.Mutex
	items  map[string]*memcache.Item
	getErr error
	setErr error
}

func newFakeMemcache() *fakeMemcache {
	return &fakeMemcache{items: make(map[string]*memcache.Item)}
}

func (m *fakeMemcache) Get(key string) (*memcache.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	item, ok := m.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return item, nil
}

func (m *fakeMemcache) Set(item *memcache.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setErr != nil {
		return m.setErr
	}
	m.items[item.Key] = item
	return nil
}

func (m *fakeMemcache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func TestMemcached(t *testing.T) {
	t.Parallel()

	t.Run("read through", func(t *testing.T) {
		t.Parallel()

		calls := 0
		client := newFakeMemcache()
		f := fetcher.NewMemcached(client, staticFetcher("data", nil, &calls), 60)

		request := domain.NewRequest("https://example.com/a.png", domain.Options{domain.OptionWidth: "10"})
		for range 3 {
			data, err := f.Fetch(t.Context(), request, 0)
			require.NoError(t, err)
			require.Equal(t, "data", string(data))
		}
		require.Equal(t, 1, calls)
		require.Equal(t, 1, client.Len())

		// Different options are a different entry
		_, err := f.Fetch(t.Context(), domain.NewRequest("https://example.com/a.png", nil), 0)
		require.NoError(t, err)
		require.Equal(t, 2, calls)
		require.Equal(t, 2, client.Len())
	})

	t.Run("bypassed when caching is disabled", func(t *testing.T) {
		t.Parallel()

		calls := 0
		client := newFakeMemcache()
		f := fetcher.NewMemcached(client, staticFetcher("data", nil, &calls), 60)

		request := domain.NewRequest("https://example.com/a.png", domain.Options{domain.OptionCache: "false"})
		for range 2 {
			_, err := f.Fetch(t.Context(), request, 0)
			require.NoError(t, err)
		}
		require.Equal(t, 2, calls)
		require.Equal(t, 0, client.Len())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		t.Parallel()

		calls := 0
		client := newFakeMemcache()
		f := fetcher.NewMemcached(client, staticFetcher("", domain.ErrNotFound, &calls), 60)

		_, err := f.Fetch(t.Context(), domain.NewRequest("https://example.com/a.png", nil), 0)
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.Equal(t, 0, client.Len())
	})

	t.Run("memcached failures are bypassed", func(t *testing.T) {
		t.Parallel()

		calls := 0
		client := newFakeMemcache()
		client.getErr = errors.New("connection refused")
		client.setErr = errors.New("connection refused")
		f := fetcher.NewMemcached(client, staticFetcher("data", nil, &calls), 60)

		data, err := f.Fetch(t.Context(), domain.NewRequest("https://example.com/a.png", nil), 0)
		require.NoError(t, err)
		require.Equal(t, "data", string(data))
		require.Equal(t, 1, calls)
	})
}

type fakeObjectReader struct {
	objects map[string]string
}

func (r *fakeObjectReader) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	data, ok := r.objects[bucket+"/"+object]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return []byte(data), nil
}

func TestObjectStore(t *testing.T) {
	t.Parallel()

	f := fetcher.NewObjectStore(&fakeObjectReader{objects: map[string]string{
		"photos/2024/cat.jpg": "meow",
	}})

	data, err := f.Fetch(t.Context(), domain.NewRequest("s3://photos/2024/cat.jpg", nil), 0)
	require.NoError(t, err)
	require.Equal(t, "meow", string(data))

	_, err = f.Fetch(t.Context(), domain.NewRequest("s3://photos/dog.jpg", nil), 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.Fetch(t.Context(), domain.NewRequest("https://photos/dog.jpg", nil), 0)
	require.ErrorIs(t, err, fetcher.ErrUnsupportedScheme)

	for _, key := range []string{"s3://photos", "s3://photos/", "s3:///cat.jpg"} {
		_, err = f.Fetch(t.Context(), domain.NewRequest(key, nil), 0)
		require.Error(t, err, key)
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()

	httpCalls := 0
	s3Calls := 0
	router := fetcher.NewRouter().
		Handle(staticFetcher("http", nil, &httpCalls), "http", "https").
		Handle(staticFetcher("s3", nil, &s3Calls), "s3")

	data, err := router.Fetch(t.Context(), domain.NewRequest("https://example.com/a", nil), 0)
	require.NoError(t, err)
	require.Equal(t, "http", string(data))

	data, err = router.Fetch(t.Context(), domain.NewRequest("s3://bucket/a", nil), 0)
	require.NoError(t, err)
	require.Equal(t, "s3", string(data))

	_, err = router.Fetch(t.Context(), domain.NewRequest("gopher://example.com", nil), 0)
	require.ErrorIs(t, err, fetcher.ErrUnsupportedScheme)

	require.Equal(t, 1, httpCalls)
	require.Equal(t, 1, s3Calls)
}

func TestMock(t *testing.T) {
	t.Parallel()

	f := fetcher.NewMock(0, time.After)

	data, err := f.Fetch(t.Context(), domain.NewRequest("mock://tile/1", nil), 0)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())
	require.Equal(t, 48, img.Bounds().Dy())

	again, err := f.Fetch(t.Context(), domain.NewRequest("mock://tile/1", nil), 0)
	require.NoError(t, err)
	require.Equal(t, data, again)

	_, err = f.Fetch(t.Context(), domain.NewRequest("mock://tile/missing", nil), 0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	t.Run("delay respects context", func(t *testing.T) {
		t.Parallel()

		never := func(time.Duration) <-chan time.Time {
			return nil
		}
		f := fetcher.NewMock(time.Hour, never)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := f.Fetch(ctx, domain.NewRequest("mock://tile/1", nil), 0)
		require.ErrorIs(t, err, context.Canceled)
	})
}
