package imageloader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Amund211/contentloader/internal/adapters/cache"
	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/Amund211/contentloader/internal/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type binding[T any] struct {
	identity string
	sub      *queue.Subscription[T]
	state    State
}

type transition[T any] struct {
	target Target[T]
	state  State
}

type options[T any] struct {
	onTransition func(Target[T], State)
	queueOptions []queue.Option[T]
}

type Option[T any] func(*options[T])

// WithTransitionHook registers a function called every time a bound target
// changes state. It is never called with the loader's lock held.
func WithTransitionHook[T any](hook func(Target[T], State)) Option[T] {
	return func(o *options[T]) {
		o.onTransition = hook
	}
}

func WithQueueOptions[T any](opts ...queue.Option[T]) Option[T] {
	return func(o *options[T]) {
		o.queueOptions = append(o.queueOptions, opts...)
	}
}

// CachedImageLoader serves requests from a cache when possible and loads them
// through a queue otherwise. Successful results are cached under the request
// identity before subscribers are notified.
type CachedImageLoader[T any] struct {
	cache        cache.Cache[T]
	queue        *queue.QueuedContentLoader[T]
	onTransition func(Target[T], State)

	mu       sync.Mutex
	bindings map[Target[T]]*binding[T]

	lookupCount metric.Int64Counter
}

func New[T any](c cache.Cache[T], l queue.Loader[T], poolSize int, opts ...Option[T]) (*CachedImageLoader[T], error) {
	const name = "contentloader/imageloader"

	o := options[T]{}
	for _, opt := range opts {
		opt(&o)
	}

	lookupCount, err := otel.Meter(name).Int64Counter(
		"imageloader/cache_lookup_count",
		metric.WithDescription("Number of cache lookups, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookup metric: %w", err)
	}

	loader := &CachedImageLoader[T]{
		cache:        c,
		onTransition: o.onTransition,
		bindings:     make(map[Target[T]]*binding[T]),
		lookupCount:  lookupCount,
	}

	queueOptions := append([]queue.Option[T]{queue.WithCompletionHook(loader.store)}, o.queueOptions...)
	q, err := queue.New(l, poolSize, queueOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	loader.queue = q

	return loader, nil
}

func (l *CachedImageLoader[T]) store(content domain.Content[T]) {
	if !content.OK() || !content.Options.CacheEnabled() {
		return
	}
	l.cache.Put(content.Request().Identity(), content.Value)
}

func (l *CachedImageLoader[T]) Start() {
	l.queue.Start()
}

// Close cancels all pending loads and stops the queue. It must not be called
// from a callback or transition hook.
func (l *CachedImageLoader[T]) Close() {
	l.queue.Close()
}

func (l *CachedImageLoader[T]) Queue() *queue.QueuedContentLoader[T] {
	return l.queue
}

// Get delivers the content for request to callback. A cached value is
// delivered synchronously before Get returns. Returns false if the request
// was rejected.
func (l *CachedImageLoader[T]) Get(ctx context.Context, request domain.Request, callback queue.Callback[T]) bool {
	_, ok := l.subscribe(ctx, request, callback)
	return ok
}

// subscribe returns a nil subscription on a cache hit.
func (l *CachedImageLoader[T]) subscribe(ctx context.Context, request domain.Request, callback queue.Callback[T]) (*queue.Subscription[T], bool) {
	if !request.Valid() {
		return nil, false
	}

	if request.Options.CacheEnabled() {
		if value, ok := l.cache.Get(request.Identity()); ok {
			l.lookupCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", true)))
			callback(domain.Succeeded(request, request.ResolveID(0), value))
			return nil, true
		}
		l.lookupCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", false)))
	}

	return l.queue.Subscribe(ctx, request, callback)
}

// Cancel drops every subscriber of the request, bound targets included.
func (l *CachedImageLoader[T]) Cancel(request domain.Request) bool {
	identity := request.Identity()

	l.mu.Lock()
	var transitions []transition[T]
	for target, b := range l.bindings {
		if b.identity != identity {
			continue
		}
		delete(l.bindings, target)
		if b.state == StatePending {
			transitions = append(transitions, transition[T]{target: target, state: StateIdle})
		}
		b.state = StateIdle
	}
	l.mu.Unlock()

	removed := l.queue.Remove(request)
	l.notify(transitions)
	return removed
}

// Bind loads request into target, showing the empty placeholder meanwhile.
//
// Binding a target to the request it is already waiting for is a no-op.
// Binding it to a different request supersedes the previous load, which will
// not be delivered to the target. The underlying fetch is only cancelled if
// nobody else is waiting for it.
func (l *CachedImageLoader[T]) Bind(ctx context.Context, target Target[T], request domain.Request) bool {
	if !request.Valid() {
		return false
	}
	identity := request.Identity()

	l.mu.Lock()
	var transitions []transition[T]
	if previous, ok := l.bindings[target]; ok {
		if previous.identity == identity && previous.state == StatePending {
			l.mu.Unlock()
			return true
		}
		if previous.state == StatePending {
			if previous.sub != nil {
				previous.sub.Cancel()
			}
			previous.state = StateSuperseded
			transitions = append(transitions, transition[T]{target: target, state: StateSuperseded})
		}
	}

	b := &binding[T]{identity: identity, state: StatePending}
	l.bindings[target] = b
	transitions = append(transitions, transition[T]{target: target, state: StatePending})
	l.mu.Unlock()

	l.notify(transitions)
	target.ShowPlaceholder(PlaceholderEmpty)

	sub, ok := l.subscribe(ctx, request, func(content domain.Content[T]) {
		l.deliver(ctx, target, b, content)
	})
	if !ok {
		return false
	}

	l.mu.Lock()
	if b.state == StatePending {
		b.sub = sub
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	// Superseded or unbound while subscribing
	if sub != nil {
		sub.Cancel()
	}
	return true
}

func (l *CachedImageLoader[T]) deliver(ctx context.Context, target Target[T], b *binding[T], content domain.Content[T]) {
	l.mu.Lock()
	if l.bindings[target] != b || b.state != StatePending {
		l.mu.Unlock()
		return
	}
	b.sub = nil
	if content.OK() {
		b.state = StateDelivered
	} else {
		b.state = StateFailed
	}
	state := b.state
	l.mu.Unlock()

	if content.OK() {
		target.ShowContent(content.Value)
	} else {
		logging.FromContext(ctx).InfoContext(
			ctx,
			"Showing broken placeholder",
			slog.String("key", content.Key),
			slog.String("error", content.Err.Error()),
		)
		target.ShowPlaceholder(PlaceholderBroken)
	}

	l.notify([]transition[T]{{target: target, state: state}})
}

// Unbind detaches target from its request. Returns false if it was not bound.
func (l *CachedImageLoader[T]) Unbind(target Target[T]) bool {
	l.mu.Lock()
	b, ok := l.bindings[target]
	if !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.bindings, target)
	pending := b.state == StatePending
	if pending && b.sub != nil {
		b.sub.Cancel()
	}
	b.state = StateIdle
	l.mu.Unlock()

	if pending {
		l.notify([]transition[T]{{target: target, state: StateIdle}})
	}
	return true
}

// State returns the state of the target's current binding.
func (l *CachedImageLoader[T]) State(target Target[T]) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bindings[target]
	if !ok {
		return StateIdle
	}
	return b.state
}

func (l *CachedImageLoader[T]) notify(transitions []transition[T]) {
	if l.onTransition == nil {
		return
	}
	for _, t := range transitions {
		l.onTransition(t.target, t.state)
	}
}

// Await blocks until the content for request is available or ctx ends. If
// ctx ends first the subscription is dropped.
func (l *CachedImageLoader[T]) Await(ctx context.Context, request domain.Request) (T, error) {
	var empty T

	result := make(chan domain.Content[T], 1)
	sub, ok := l.subscribe(ctx, request, func(content domain.Content[T]) {
		result <- content
	})
	if !ok {
		return empty, fmt.Errorf("%w: request rejected", domain.ErrEmptyKey)
	}

	select {
	case content := <-result:
		if !content.OK() {
			return empty, content.Err
		}
		return content.Value, nil
	case <-ctx.Done():
		if sub != nil {
			sub.Cancel()
		}
		return empty, ctx.Err()
	}
}
