package queue

import "github.com/Amund211/contentloader/internal/domain"

type Callback[T any] func(domain.Content[T])

// Subscription is one caller waiting for the result of a request.
type Subscription[T any] struct {
	queue    *QueuedContentLoader[T]
	entry    *entry[T]
	id       int
	callback Callback[T]

	// Guarded by queue.mu
	cancelled bool
	delivered bool
}

// ID is the id the subscriber's content will carry.
func (s *Subscription[T]) ID() int {
	return s.id
}

// Cancel removes this subscriber. The underlying fetch is cancelled only if no
// other subscriber is waiting for it. Returns false if the subscription was
// already cancelled or delivered.
func (s *Subscription[T]) Cancel() bool {
	return s.queue.unsubscribe(s)
}
