package loader_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	key     string
	attempt int
}

type mockFetcher struct {
	t *testing.T

	mu    sync.Mutex
	calls []recordedCall

	fetch func(ctx context.Context, request domain.Request, attempt int) (string, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, request domain.Request, attempt int) (string, error) {
	m.t.Helper()

	m.mu.Lock()
	m.calls = append(m.calls, recordedCall{key: request.Key, attempt: attempt})
	m.mu.Unlock()

	return m.fetch(ctx, request, attempt)
}

func (m *mockFetcher) Calls() []recordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedCall(nil), m.calls...)
}

type recordingClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *recordingClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func newLoader(t *testing.T, fetcher loader.Fetcher[string], opts ...loader.Option) (*loader.ContentLoader[string], *recordingClock) {
	t.Helper()

	clock := &recordingClock{}
	opts = append([]loader.Option{loader.WithAfterFunc(clock.After)}, opts...)
	l, err := loader.New(fetcher, opts...)
	require.NoError(t, err)
	return l, clock
}

type contentCollector struct {
	mu       sync.Mutex
	contents []domain.Content[string]
}

func (c *contentCollector) OnContent(content domain.Content[string]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contents = append(c.contents, content)
}

func (c *contentCollector) Contents() []domain.Content[string] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Content[string](nil), c.contents...)
}

func TestContentLoader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			return "data:" + request.Key, nil
		}}
		l, clock := newLoader(t, fetcher)
		collector := &contentCollector{}

		request := domain.NewRequest("a", domain.Options{"width": "10"})
		task, err := l.Execute(ctx, collector.OnContent, request)
		require.NoError(t, err)

		results, err := task.Result()
		require.NoError(t, err)
		require.Len(t, results, 1)

		content := results[0]
		require.NoError(t, content.Err)
		require.Equal(t, "data:a", content.Value)
		require.Equal(t, "a", content.Key)
		require.Equal(t, 0, content.ID)
		require.Equal(t, domain.Options{"width": "10"}, content.Options)

		require.Equal(t, []domain.Content[string]{content}, collector.Contents())
		require.Equal(t, []recordedCall{{key: "a", attempt: 0}}, fetcher.Calls())
		require.Empty(t, clock.Delays())
	})

	t.Run("failing once then succeeding yields only a success", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			if attempt == 0 {
				return "", errors.New("transient")
			}
			return "data", nil
		}}
		l, clock := newLoader(t, fetcher)
		collector := &contentCollector{}

		task, err := l.Execute(ctx, collector.OnContent, domain.NewRequest("a", nil))
		require.NoError(t, err)
		_, err = task.Result()
		require.NoError(t, err)

		contents := collector.Contents()
		require.Len(t, contents, 1)
		require.NoError(t, contents[0].Err)
		require.Equal(t, "data", contents[0].Value)

		require.Equal(t, []recordedCall{{key: "a", attempt: 0}, {key: "a", attempt: 1}}, fetcher.Calls())
		require.Equal(t, []time.Duration{loader.DefaultRetryDelay}, clock.Delays())
	})

	t.Run("failing every attempt yields exactly one failure", func(t *testing.T) {
		t.Parallel()

		fetchErr := errors.New("broken")
		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			return "", fmt.Errorf("attempt %d: %w", attempt, fetchErr)
		}}
		l, _ := newLoader(t, fetcher)
		collector := &contentCollector{}

		task, err := l.Execute(ctx, collector.OnContent, domain.NewRequest("a", nil).WithID(5))
		require.NoError(t, err)
		_, err = task.Result()
		require.NoError(t, err)

		contents := collector.Contents()
		require.Len(t, contents, 1)
		require.ErrorIs(t, contents[0].Err, fetchErr)
		require.ErrorContains(t, contents[0].Err, "attempt 1")
		require.Equal(t, 5, contents[0].ID)
		require.Equal(t, "a", contents[0].Key)
		require.Len(t, fetcher.Calls(), loader.DefaultAttempts)
	})

	t.Run("custom retry settings", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			return "", domain.ErrNotFound
		}}
		l, clock := newLoader(t, fetcher, loader.WithRetry(4, time.Second))

		task, err := l.Execute(ctx, nil, domain.NewRequest("a", nil))
		require.NoError(t, err)
		results, err := task.Result()
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.ErrorIs(t, results[0].Err, domain.ErrNotFound)

		require.Len(t, fetcher.Calls(), 4)
		require.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clock.Delays())
	})

	t.Run("zero attempts synthesizes a generic error", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			t.Fatal("fetcher should not be called")
			return "", nil
		}}
		l, _ := newLoader(t, fetcher, loader.WithRetry(0, 0))

		task, err := l.Execute(ctx, nil, domain.NewRequest("a", nil))
		require.NoError(t, err)
		results, err := task.Result()
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.ErrorIs(t, results[0].Err, domain.ErrLoadFailed)
		require.ErrorContains(t, results[0].Err, "unknown error loading key: a")
	})

	t.Run("panics are retried", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			if attempt == 0 {
				panic("boom")
			}
			return "recovered", nil
		}}
		l, _ := newLoader(t, fetcher)

		task, err := l.Execute(ctx, nil, domain.NewRequest("a", nil))
		require.NoError(t, err)
		results, err := task.Result()
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		require.Equal(t, "recovered", results[0].Value)
	})

	t.Run("empty key is rejected without dispatch", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			t.Fatal("fetcher should not be called")
			return "", nil
		}}
		l, _ := newLoader(t, fetcher)

		task, err := l.Execute(ctx, nil, domain.NewRequest("", nil))
		require.ErrorIs(t, err, domain.ErrEmptyKey)
		require.Nil(t, task)

		task, err = l.Execute(ctx, nil, domain.NewRequest("a", nil), domain.NewRequest("", nil))
		require.ErrorIs(t, err, domain.ErrEmptyKey)
		require.Nil(t, task)

		task, err = l.Execute(ctx, nil)
		require.ErrorIs(t, err, domain.ErrEmptyKey)
		require.Nil(t, task)

		require.Empty(t, fetcher.Calls())
	})

	t.Run("batch publishes incremental results in order", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			if request.Key == "bad" {
				return "", errors.New("bad key")
			}
			return request.Key, nil
		}}
		l, _ := newLoader(t, fetcher)

		task, err := l.Execute(
			ctx,
			nil,
			domain.NewRequest("a", nil),
			domain.NewRequest("bad", nil).WithID(7),
			domain.NewRequest("c", nil),
		)
		require.NoError(t, err)

		var progress []domain.Content[string]
		for content := range task.Progress() {
			progress = append(progress, content)
		}

		require.Len(t, progress, 3)
		require.Equal(t, "a", progress[0].Value)
		require.Equal(t, 0, progress[0].ID)
		require.Error(t, progress[1].Err)
		require.Equal(t, 7, progress[1].ID)
		require.Equal(t, "c", progress[2].Value)
		require.Equal(t, 2, progress[2].ID)

		results, err := task.Result()
		require.NoError(t, err)
		require.Equal(t, progress, results)

		select {
		case <-task.Done():
		default:
			t.Fatal("task should be done")
		}
	})
}

func TestContentLoaderCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cancel during fetch delivers nothing", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{})
		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}}
		l, _ := newLoader(t, fetcher)
		collector := &contentCollector{}

		task, err := l.Execute(ctx, collector.OnContent, domain.NewRequest("a", nil))
		require.NoError(t, err)

		<-started
		require.True(t, task.Cancel())
		require.False(t, task.Cancel(), "second cancel is a no-op")

		results, err := task.Result()
		require.ErrorIs(t, err, context.Canceled)
		require.Empty(t, results)
		require.Empty(t, collector.Contents())
		require.Len(t, fetcher.Calls(), 1)
	})

	t.Run("cancel during retry wait delivers nothing", func(t *testing.T) {
		t.Parallel()

		waiting := make(chan struct{})
		never := func(time.Duration) <-chan time.Time {
			close(waiting)
			return make(chan time.Time)
		}
		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			return "", errors.New("transient")
		}}
		l, err := loader.New[string](fetcher, loader.WithAfterFunc(never))
		require.NoError(t, err)
		collector := &contentCollector{}

		task, err := l.Execute(ctx, collector.OnContent, domain.NewRequest("a", nil))
		require.NoError(t, err)

		<-waiting
		require.True(t, task.Cancel())

		_, err = task.Result()
		require.ErrorIs(t, err, context.Canceled)
		require.Empty(t, collector.Contents())
		require.Len(t, fetcher.Calls(), 1)
	})

	t.Run("cancel between batch items abandons the rest", func(t *testing.T) {
		t.Parallel()

		var task *loader.Task[string]
		taskReady := make(chan struct{})
		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			return request.Key, nil
		}}
		l, _ := newLoader(t, fetcher)

		collector := &contentCollector{}
		onContent := func(content domain.Content[string]) {
			collector.OnContent(content)
			<-taskReady
			// Cancelling from inside the callback must not deadlock
			require.False(t, task.Cancel(), "delivery is under way")
		}

		var err error
		task, err = l.Execute(ctx, onContent, domain.NewRequest("a", nil), domain.NewRequest("b", nil))
		require.NoError(t, err)
		close(taskReady)

		results, err := task.Result()
		require.ErrorIs(t, err, context.Canceled)
		require.Len(t, results, 1)
		require.Equal(t, "a", results[0].Value)
		require.Len(t, collector.Contents(), 1)
	})

	t.Run("cancel after completion is not acknowledged", func(t *testing.T) {
		t.Parallel()

		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			return "data", nil
		}}
		l, _ := newLoader(t, fetcher)

		task, err := l.Execute(ctx, nil, domain.NewRequest("a", nil))
		require.NoError(t, err)
		_, err = task.Result()
		require.NoError(t, err)

		require.False(t, task.Cancel())
		_, err = task.Result()
		require.NoError(t, err)
	})

	t.Run("parent context cancellation stops the task", func(t *testing.T) {
		t.Parallel()

		parent, cancel := context.WithCancel(ctx)
		started := make(chan struct{})
		fetcher := &mockFetcher{t: t, fetch: func(ctx context.Context, request domain.Request, attempt int) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}}
		l, _ := newLoader(t, fetcher)
		collector := &contentCollector{}

		task, err := l.Execute(parent, collector.OnContent, domain.NewRequest("a", nil))
		require.NoError(t, err)

		<-started
		cancel()

		_, err = task.Result()
		require.ErrorIs(t, err, context.Canceled)
		require.Empty(t, collector.Contents())
	})
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	fetcher := loader.FetcherFunc[string](func(ctx context.Context, request domain.Request, attempt int) (string, error) {
		return "", nil
	})

	_, err := loader.New[string](fetcher, loader.WithRetry(-1, 0))
	require.ErrorIs(t, err, loader.ErrInvalidOption)

	_, err = loader.New[string](fetcher, loader.WithRetry(1, -time.Second))
	require.ErrorIs(t, err, loader.ErrInvalidOption)
}
