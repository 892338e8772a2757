package domain

// Content is the result of loading one Request. Exactly one of Value and Err
// is meaningful: Err is nil on success.
type Content[T any] struct {
	Value   T
	Err     error
	ID      int
	Key     string
	Options Options
}

func Succeeded[T any](request Request, id int, value T) Content[T] {
	return Content[T]{
		Value:   value,
		ID:      id,
		Key:     request.Key,
		Options: request.Options,
	}
}

func Failed[T any](request Request, id int, err error) Content[T] {
	return Content[T]{
		Err:     err,
		ID:      id,
		Key:     request.Key,
		Options: request.Options,
	}
}

func (c Content[T]) OK() bool {
	return c.Err == nil
}

// Request rebuilds the request this content was produced for.
func (c Content[T]) Request() Request {
	return Request{
		Key:     c.Key,
		ID:      c.ID,
		Options: c.Options,
	}
}

// WithID returns a copy of the content carrying a different ID.
func (c Content[T]) WithID(id int) Content[T] {
	c.ID = id
	return c
}
