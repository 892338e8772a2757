package imageloader

import "fmt"

type Placeholder int

const (
	// PlaceholderEmpty is shown while a load is pending.
	PlaceholderEmpty Placeholder = iota
	// PlaceholderBroken is shown when a load failed.
	PlaceholderBroken
)

func (p Placeholder) String() string {
	switch p {
	case PlaceholderEmpty:
		return "empty"
	case PlaceholderBroken:
		return "broken"
	}
	return fmt.Sprintf("Placeholder(%d)", int(p))
}

// Target is something that displays loaded content, like a tile in a gallery.
//
// Targets are used as map keys and must be comparable. Pointers work well.
type Target[T any] interface {
	ShowContent(T)
	ShowPlaceholder(Placeholder)
}

type State int

const (
	StateIdle State = iota
	StatePending
	StateDelivered
	StateFailed
	// StateSuperseded is reported when a target is rebound to another request
	// before its previous load finished.
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateSuperseded:
		return "superseded"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
