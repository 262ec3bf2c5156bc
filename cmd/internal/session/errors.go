package session

import "errors"

var (
	// ErrUnauthenticated is returned when the request carries no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
