package loader

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/Amund211/contentloader/internal/reporting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAttempts   = 2
	DefaultRetryDelay = 100 * time.Millisecond
)

var ErrInvalidOption = errors.New("invalid loader option")

type options struct {
	attempts   int
	retryDelay time.Duration
	afterFunc  func(time.Duration) <-chan time.Time
}

type Option func(*options)

// WithRetry sets the total number of fetch attempts per request and the delay
// between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.attempts = attempts
		o.retryDelay = delay
	}
}

func WithAfterFunc(afterFunc func(time.Duration) <-chan time.Time) Option {
	return func(o *options) {
		o.afterFunc = afterFunc
	}
}

type loaderMetricsCollection struct {
	attemptCount metric.Int64Counter
	failureCount metric.Int64Counter
}

func setupLoaderMetrics(meter metric.Meter) (loaderMetricsCollection, error) {
	attemptCount, err := meter.Int64Counter(
		"loader/attempt_count",
		metric.WithDescription("Number of fetch attempts"),
	)
	if err != nil {
		return loaderMetricsCollection{}, fmt.Errorf("failed to create attempt count metric: %w", err)
	}

	failureCount, err := meter.Int64Counter(
		"loader/failure_count",
		metric.WithDescription("Number of requests that failed after exhausting retries"),
	)
	if err != nil {
		return loaderMetricsCollection{}, fmt.Errorf("failed to create failure count metric: %w", err)
	}

	return loaderMetricsCollection{
		attemptCount: attemptCount,
		failureCount: failureCount,
	}, nil
}

// ContentLoader fetches requests off the calling goroutine, retrying failed
// attempts a fixed number of times.
type ContentLoader[T any] struct {
	fetcher    Fetcher[T]
	attempts   int
	retryDelay time.Duration
	afterFunc  func(time.Duration) <-chan time.Time

	metrics loaderMetricsCollection
	tracer  trace.Tracer
}

func New[T any](fetcher Fetcher[T], opts ...Option) (*ContentLoader[T], error) {
	const name = "contentloader/loader"

	o := options{
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		afterFunc:  time.After,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.attempts < 0 {
		return nil, fmt.Errorf("%w: attempts must be non-negative, got %d", ErrInvalidOption, o.attempts)
	}
	if o.retryDelay < 0 {
		return nil, fmt.Errorf("%w: retry delay must be non-negative, got %s", ErrInvalidOption, o.retryDelay)
	}

	metrics, err := setupLoaderMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &ContentLoader[T]{
		fetcher:    fetcher,
		attempts:   o.attempts,
		retryDelay: o.retryDelay,
		afterFunc:  o.afterFunc,

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

// Execute starts loading the requests in order and returns immediately.
// onContent, if not nil, is called once per request from the task goroutine.
// The batch is rejected without starting anything if it is empty or any key is empty.
func (l *ContentLoader[T]) Execute(ctx context.Context, onContent func(domain.Content[T]), requests ...domain.Request) (*Task[T], error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no requests", domain.ErrEmptyKey)
	}
	for i, request := range requests {
		if !request.Valid() {
			return nil, fmt.Errorf("%w: request #%d", domain.ErrEmptyKey, i)
		}
	}

	// Copy so callers may reuse their slice
	batch := make([]domain.Request, len(requests))
	copy(batch, requests)

	ctx, cancel := context.WithCancel(reporting.WithHub(ctx))
	task := newTask[T](cancel, len(batch))

	go l.run(ctx, task, onContent, batch)

	return task, nil
}

func (l *ContentLoader[T]) run(ctx context.Context, task *Task[T], onContent func(domain.Content[T]), requests []domain.Request) {
	for position, request := range requests {
		content, ok := l.load(ctx, request, request.ResolveID(position))
		if !ok {
			task.finish(ctx.Err())
			return
		}

		if !task.claimDelivery(content) {
			task.finish(context.Canceled)
			return
		}

		if onContent != nil {
			onContent(content)
		}
		task.endDelivery()
	}

	task.finish(nil)
}

// load fetches one request. It returns false if ctx ended before a result was available.
func (l *ContentLoader[T]) load(ctx context.Context, request domain.Request, id int) (domain.Content[T], bool) {
	ctx, span := l.tracer.Start(ctx, "ContentLoader.load", trace.WithAttributes(
		attribute.String("key", request.Key),
		attribute.Int("id", id),
	))
	defer span.End()

	ctx = logging.AddRequestToContext(ctx, request.WithID(id))
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := range l.attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Content[T]{}, false
			case <-l.afterFunc(l.retryDelay):
			}
		}

		if ctx.Err() != nil {
			return domain.Content[T]{}, false
		}

		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempt)))
		l.metrics.attemptCount.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))

		value, err := l.fetchOnce(ctx, request, attempt)
		if err == nil {
			return domain.Succeeded(request, id, value), true
		}

		if ctx.Err() != nil {
			return domain.Content[T]{}, false
		}

		lastErr = err
		logger.WarnContext(ctx, "Fetch attempt failed", "attempt", attempt, "error", err.Error())
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", domain.ErrLoadFailed, request.Key)
	} else {
		lastErr = fmt.Errorf("failed to load content after %d attempts: %w", l.attempts, lastErr)
	}

	span.SetStatus(codes.Error, lastErr.Error())
	l.metrics.failureCount.Add(ctx, 1)

	if errors.Is(lastErr, domain.ErrNotFound) {
		// Not our fault, don't report
		logger.InfoContext(ctx, "Content not found")
	} else {
		reporting.Report(ctx, lastErr, map[string]string{
			"key":      request.Key,
			"options":  request.Options.Encode(),
			"attempts": strconv.Itoa(l.attempts),
		})
	}

	return domain.Failed[T](request, id, lastErr), true
}

func (l *ContentLoader[T]) fetchOnce(ctx context.Context, request domain.Request, attempt int) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var empty T
			value = empty
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()

	return l.fetcher.Fetch(ctx, request, attempt)
}
