package domain

import (
	"maps"
	"net/url"
	"slices"
	"strings"
)

// NoID marks a Request whose ID should be derived from its position.
const NoID = -1

// Well-known option keys understood by the adapters.
const (
	OptionWidth  = "width"
	OptionHeight = "height"
	OptionCache  = "cache"
)

// Options is an opaque set of fetch parameters. Two option sets are equal iff
// they contain the same key/value pairs.
type Options map[string]string

// Encode returns a canonical encoding of the options, independent of map order.
func (o Options) Encode() string {
	if len(o) == 0 {
		return ""
	}

	keys := slices.Sorted(maps.Keys(o))

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(o[k]))
	}
	return b.String()
}

func (o Options) Equal(other Options) bool {
	return maps.Equal(o, other)
}

// CacheEnabled reports whether read-through caches may be used for the request.
func (o Options) CacheEnabled() bool {
	return o[OptionCache] != "false"
}

type Request struct {
	Key     string
	ID      int
	Options Options
}

func NewRequest(key string, options Options) Request {
	return Request{
		Key:     key,
		ID:      NoID,
		Options: options,
	}
}

func (r Request) WithID(id int) Request {
	r.ID = id
	return r
}

// Identity is the string that identifies the fetch. The ID is not part of it.
func (r Request) Identity() string {
	encoded := r.Options.Encode()
	if encoded == "" {
		return r.Key
	}
	return r.Key + "#" + encoded
}

func (r Request) Equal(other Request) bool {
	return r.Key == other.Key && r.Options.Equal(other.Options)
}

func (r Request) Valid() bool {
	return r.Key != ""
}

// ResolveID returns the request ID if one was supplied, or fallback otherwise.
func (r Request) ResolveID(fallback int) int {
	if r.ID >= 0 {
		return r.ID
	}
	return fallback
}
