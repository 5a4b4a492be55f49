package auth

import "errors"

var (
	ErrNoToken       = errors.New("no token presented")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrMissingSecret = errors.New("auth: signing secret is required")
)
