// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across protocol/repo/service layers.
var (
	// ErrNotFound indicates the requested identity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation on the username.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTokenCollision indicates a freshly generated token is already taken.
	ErrTokenCollision = errors.New("token collision")

	// ErrMalformed indicates a request payload of the wrong length or shape.
	ErrMalformed = errors.New("malformed request")

	// ErrRateLimited indicates temporary registration lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrConnectionClosed indicates the peer closed the stream mid-frame.
	// It is a transport condition, never answered with a response frame.
	ErrConnectionClosed = errors.New("connection closed")
)
