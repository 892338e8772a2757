package loader

import (
	"context"
	"sync"

	"github.com/Amund211/contentloader/internal/domain"
)

// Task is a running batch load.
//
// Cancellation, progress and the final result are exposed separately: Cancel
// stops the task, Progress yields each Content as it completes, and Done/Result
// report the outcome once.
type Task[T any] struct {
	cancel   context.CancelFunc
	progress chan domain.Content[T]
	done     chan struct{}

	mu         sync.Mutex
	cancelled  bool
	finished   bool
	delivering bool
	results    []domain.Content[T]
	err        error
}

func newTask[T any](cancel context.CancelFunc, size int) *Task[T] {
	return &Task[T]{
		cancel:   cancel,
		progress: make(chan domain.Content[T], size),
		done:     make(chan struct{}),
		results:  make([]domain.Content[T], 0, size),
	}
}

// Cancel stops the task. The remaining requests are abandoned.
//
// Cancel returns true if the cancellation was acknowledged, i.e. the task was
// still running and no content was being handed to the callback. Nothing is
// delivered after an acknowledged Cancel. When false is returned because a
// delivery was under way, that one delivery completes.
func (t *Task[T]) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished || t.cancelled {
		return false
	}

	t.cancelled = true
	t.cancel()
	return !t.delivering
}

// Progress yields every delivered Content in batch order. The channel is
// closed when the task ends.
func (t *Task[T]) Progress() <-chan domain.Content[T] {
	return t.progress
}

func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Result blocks until the task ends. The error is context.Canceled if the task
// was cancelled, in which case the contents delivered before that are returned.
func (t *Task[T]) Result() ([]domain.Content[T], error) {
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results, t.err
}

// claimDelivery reports whether the content may still be delivered.
func (t *Task[T]) claimDelivery(content domain.Content[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return false
	}

	t.delivering = true
	t.results = append(t.results, content)
	t.progress <- content
	return true
}

func (t *Task[T]) endDelivery() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.delivering = false
}

func (t *Task[T]) finish(err error) {
	t.mu.Lock()
	if t.cancelled {
		err = context.Canceled
	}
	t.finished = true
	t.err = err
	t.mu.Unlock()

	t.cancel()
	close(t.progress)
	close(t.done)
}
