package domain

import "errors"

var (
	ErrEmptyKey               = errors.New("empty key")
	ErrLoadFailed             = errors.New("unknown error loading key")
	ErrNotFound               = errors.New("content not found")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
)
