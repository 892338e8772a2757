package loader

import (
	"context"

	"github.com/Amund211/contentloader/internal/domain"
)

// Fetcher performs a single attempt at loading the content for a request.
// attempt is zero based.
type Fetcher[T any] interface {
	Fetch(ctx context.Context, request domain.Request, attempt int) (T, error)
}

type FetcherFunc[T any] func(ctx context.Context, request domain.Request, attempt int) (T, error)

func (f FetcherFunc[T]) Fetch(ctx context.Context, request domain.Request, attempt int) (T, error) {
	return f(ctx, request, attempt)
}
