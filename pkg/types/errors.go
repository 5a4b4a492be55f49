package types

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrUnauthorized   = errors.New("authentication required")
	ErrUnavailable    = errors.New("service temporarily unavailable")
	ErrConflict       = errors.New("conflicting write")
	ErrInvalidSlug    = errors.New("room slug must be 3-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidPairKey = errors.New("direct pair key must be two integer ids joined by ':'")
	ErrSelfDirect     = errors.New("cannot start a direct chat with yourself")
	ErrEmptyUsername  = errors.New("username is required")
)
