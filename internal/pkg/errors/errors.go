package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAlreadyResponded signals a duplicate approval submission for an
	// approval id that already has a recorded decision.
	ErrAlreadyResponded = errors.New("approval already responded")
	// ErrMisconfigured signals a fail-fast configuration error, such as
	// requesting vector search without an embedding model.
	ErrMisconfigured = errors.New("misconfigured")
)
