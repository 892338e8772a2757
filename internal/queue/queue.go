package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/Amund211/contentloader/internal/logging"
	"github.com/Amund211/contentloader/internal/reporting"
	"go.opentelemetry.io/otel"
)

var ErrInvalidPoolSize = errors.New("pool size must be at least 1")

type Loader[T any] interface {
	Execute(ctx context.Context, onContent func(domain.Content[T]), requests ...domain.Request) (*loader.Task[T], error)
}

// entry is the shared state for all subscribers of one request identity.
type entry[T any] struct {
	identity    string
	request     domain.Request
	ctx         context.Context
	subscribers []*Subscription[T]

	// Set while queued
	element *list.Element
	// Set while active
	task *loader.Task[T]
}

type completion[T any] struct {
	entry   *entry[T]
	content domain.Content[T]
}

type options[T any] struct {
	onComplete func(domain.Content[T])
}

type Option[T any] func(*options[T])

// WithCompletionHook registers a function that sees every result before it is
// fanned out to the subscribers.
func WithCompletionHook[T any](hook func(domain.Content[T])) Option[T] {
	return func(o *options[T]) {
		o.onComplete = hook
	}
}

// QueuedContentLoader multiplexes requests over a bounded pool of loaders.
//
// Requests are dispatched in submission order. Requests with the same identity
// share one fetch and the result is delivered to every subscriber. Callbacks
// are invoked one at a time from a single coordinating goroutine.
type QueuedContentLoader[T any] struct {
	loader     Loader[T]
	poolSize   int
	onComplete func(domain.Content[T])

	mu       sync.Mutex
	running  bool
	closing  bool
	sequence int
	backlog  *list.List
	active   map[string]*entry[T]
	entries  map[string]*entry[T]
	// Subscribers of the completion currently being fanned out
	delivering []*Subscription[T]

	completions chan completion[T]
	closed      chan struct{}
	closeOnce   sync.Once
	stopped     chan struct{}

	metrics queueMetricsCollection
}

func New[T any](l Loader[T], poolSize int, opts ...Option[T]) (*QueuedContentLoader[T], error) {
	const name = "contentloader/queue"

	if poolSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPoolSize, poolSize)
	}

	o := options[T]{}
	for _, opt := range opts {
		opt(&o)
	}

	metrics, err := setupQueueMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	q := &QueuedContentLoader[T]{
		loader:     l,
		poolSize:   poolSize,
		onComplete: o.onComplete,

		backlog: list.New(),
		active:  make(map[string]*entry[T]),
		entries: make(map[string]*entry[T]),

		completions: make(chan completion[T], poolSize),
		closed:      make(chan struct{}),
		stopped:     make(chan struct{}),

		metrics: metrics,
	}

	go q.coordinate()

	return q, nil
}

// Enqueue is Subscribe without the subscription handle.
func (q *QueuedContentLoader[T]) Enqueue(ctx context.Context, request domain.Request, callback Callback[T]) bool {
	_, ok := q.Subscribe(ctx, request, callback)
	return ok
}

// Subscribe registers callback for the result of request. Requests with an
// empty key are rejected, as is everything after Close. If a request with the
// same identity is already queued or active, the callback joins it instead of
// creating new work.
func (q *QueuedContentLoader[T]) Subscribe(ctx context.Context, request domain.Request, callback Callback[T]) (*Subscription[T], bool) {
	if !request.Valid() {
		logging.FromContext(ctx).WarnContext(ctx, "Rejected request with empty key")
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closing {
		logging.FromContext(ctx).WarnContext(ctx, "Rejected request on closed queue", slog.String("key", request.Key))
		return nil, false
	}

	identity := request.Identity()
	sub := &Subscription[T]{
		queue:    q,
		id:       request.ResolveID(q.sequence),
		callback: callback,
	}
	q.sequence++

	if e, ok := q.entries[identity]; ok {
		sub.entry = e
		e.subscribers = append(e.subscribers, sub)
		q.metrics.deduplicateCount.Add(ctx, 1)
		return sub, true
	}

	e := &entry[T]{
		identity: identity,
		request:  request,
		// The fetch outlives the request context of whoever subscribed first
		ctx:         context.WithoutCancel(ctx),
		subscribers: []*Subscription[T]{sub},
	}
	sub.entry = e
	e.element = q.backlog.PushBack(e)
	q.entries[identity] = e

	q.dispatchLocked()

	return sub, true
}

// Start marks the queue as running and dispatches queued requests.
func (q *QueuedContentLoader[T]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closing {
		return
	}
	q.running = true
	q.dispatchLocked()
}

// Cancel stops the queue, cancels every active loader and drops every queued
// request. No callback fires for any of them after Cancel returns, including
// the remaining subscribers of a result that is being delivered. Start may be
// called again.
func (q *QueuedContentLoader[T]) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running = false
	for _, e := range q.entries {
		q.dropLocked(e)
	}
	for _, sub := range q.delivering {
		sub.cancelled = true
	}
}

// Remove drops the request and all its subscribers, cancelling its loader if
// it is active. Subscribers still waiting on a result that is being delivered
// are skipped. Returns false if nothing was waiting for the request.
func (q *QueuedContentLoader[T]) Remove(request domain.Request) bool {
	identity := request.Identity()

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	for _, sub := range q.delivering {
		if sub.entry.identity == identity && !sub.cancelled && !sub.delivered {
			sub.cancelled = true
			removed = true
		}
	}

	e, ok := q.entries[identity]
	if !ok {
		return removed
	}

	q.dropLocked(e)
	q.dispatchLocked()
	return true
}

// Close cancels all work and stops the coordinating goroutine. Later
// subscriptions are rejected. Close waits for the coordinator, so it must not
// be called from a callback.
func (q *QueuedContentLoader[T]) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()

	q.Cancel()
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	<-q.stopped
}

func (q *QueuedContentLoader[T]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *QueuedContentLoader[T]) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *QueuedContentLoader[T]) BacklogLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Len()
}

// Pending reports whether a request with the same identity is queued or active.
func (q *QueuedContentLoader[T]) Pending(request domain.Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.entries[request.Identity()]
	return ok
}

// SubscriberCount returns the number of live subscribers for the request.
func (q *QueuedContentLoader[T]) SubscriberCount(request domain.Request) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[request.Identity()]
	if !ok {
		return 0
	}
	return len(e.subscribers)
}

func (q *QueuedContentLoader[T]) dispatchLocked() {
	for q.running && len(q.active) < q.poolSize && q.backlog.Len() > 0 {
		e := q.backlog.Remove(q.backlog.Front()).(*entry[T])
		e.element = nil

		task, err := q.loader.Execute(e.ctx, func(content domain.Content[T]) {
			q.post(completion[T]{entry: e, content: content})
		}, e.request)
		if err != nil {
			// Keys are validated on subscribe, so this is a bug in the loader
			err := fmt.Errorf("failed to start loader: %w", err)
			reporting.Report(e.ctx, err, map[string]string{"key": e.request.Key})
			go q.post(completion[T]{entry: e, content: domain.Failed[T](e.request, e.request.ResolveID(0), err)})
		}

		e.task = task
		q.active[e.identity] = e
		q.metrics.dispatchCount.Add(e.ctx, 1)
		q.metrics.activeCount.Add(e.ctx, 1)

		logging.FromContext(e.ctx).DebugContext(
			e.ctx,
			"Dispatched request",
			slog.String("key", e.request.Key),
			slog.Int("active", len(q.active)),
			slog.Int("backlog", q.backlog.Len()),
		)
	}
}

// dropLocked removes the entry and silences all its subscribers.
func (q *QueuedContentLoader[T]) dropLocked(e *entry[T]) {
	for _, sub := range e.subscribers {
		sub.cancelled = true
	}
	e.subscribers = nil

	if e.element != nil {
		q.backlog.Remove(e.element)
		e.element = nil
	}

	if _, ok := q.active[e.identity]; ok {
		if e.task != nil {
			e.task.Cancel()
		}
		delete(q.active, e.identity)
		q.metrics.activeCount.Add(e.ctx, -1)
	}

	delete(q.entries, e.identity)
}

func (q *QueuedContentLoader[T]) unsubscribe(sub *Subscription[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sub.cancelled || sub.delivered {
		return false
	}
	sub.cancelled = true

	e := sub.entry
	for i, other := range e.subscribers {
		if other == sub {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			break
		}
	}

	if len(e.subscribers) == 0 && q.entries[e.identity] == e {
		q.dropLocked(e)
		q.dispatchLocked()
	}

	return true
}

func (q *QueuedContentLoader[T]) post(c completion[T]) {
	select {
	case q.completions <- c:
	case <-q.closed:
	}
}

func (q *QueuedContentLoader[T]) coordinate() {
	defer close(q.stopped)

	for {
		select {
		case c := <-q.completions:
			q.complete(c)
		case <-q.closed:
			return
		}
	}
}

func (q *QueuedContentLoader[T]) isCurrent(e *entry[T]) bool {
	current, ok := q.active[e.identity]
	return ok && current == e
}

func (q *QueuedContentLoader[T]) complete(c completion[T]) {
	e := c.entry

	q.mu.Lock()
	current := q.isCurrent(e)
	q.mu.Unlock()
	if !current {
		// Removed or cancelled while the fetch was running
		return
	}

	if q.onComplete != nil {
		q.onComplete(c.content)
	}

	q.mu.Lock()
	if !q.isCurrent(e) {
		q.mu.Unlock()
		return
	}
	subscribers := e.subscribers
	e.subscribers = nil
	q.delivering = subscribers
	delete(q.active, e.identity)
	delete(q.entries, e.identity)
	q.metrics.activeCount.Add(e.ctx, -1)
	q.dispatchLocked()
	q.mu.Unlock()

	for _, sub := range subscribers {
		if !q.claim(sub) {
			continue
		}
		sub.callback(c.content.WithID(sub.id))
	}

	q.mu.Lock()
	q.delivering = nil
	q.mu.Unlock()
}

// claim marks the subscription as delivered unless it was cancelled.
func (q *QueuedContentLoader[T]) claim(sub *Subscription[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sub.cancelled || sub.delivered {
		return false
	}
	sub.delivered = true
	return true
}
