package rooms

import "errors"

var (
	ErrInvalidSlug = errors.New("invalid room slug")
	ErrNilStore    = errors.New("rooms: store is required")
	ErrMissingSalt = errors.New("rooms: direct slug salt is required")
)
