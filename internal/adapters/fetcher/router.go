package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/loader"
)

var ErrUnsupportedScheme = errors.New("unsupported scheme")

// Router picks a fetcher by the scheme of the request key.
type Router struct {
	routes map[string]loader.Fetcher[[]byte]
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]loader.Fetcher[[]byte]),
	}
}

// Handle registers fetcher for the given schemes. Not safe to call after the
// router is in use.
func (r *Router) Handle(fetcher loader.Fetcher[[]byte], schemes ...string) *Router {
	for _, scheme := range schemes {
		r.routes[scheme] = fetcher
	}
	return r
}

func (r *Router) Fetch(ctx context.Context, request domain.Request, attempt int) ([]byte, error) {
	u, err := url.Parse(request.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key: %w", err)
	}

	fetcher, ok := r.routes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	return fetcher.Fetch(ctx, request, attempt)
}
