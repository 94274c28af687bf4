package service

import "errors"

var (
	// ErrInvalidURL rejects destinations that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("url must be an absolute http or https url")
	// ErrInvalidCode rejects custom codes outside [A-Za-z0-9_-]{1,20}.
	ErrInvalidCode = errors.New("code must be 1-20 characters of A-Z, a-z, 0-9, _ or -")
	// ErrReservedCode rejects codes that collide with service routes.
	ErrReservedCode = errors.New("code is reserved")
	// ErrMissingOwner is returned when no owner identity was supplied.
	ErrMissingOwner = errors.New("owner is required")
	// ErrGenerationExhausted is returned when every generated code collided.
	ErrGenerationExhausted = errors.New("could not generate a unique short code")
	// ErrBackendUnavailable marks a store failure or timeout on the resolve
	// path. It must never be reported as a missing link.
	ErrBackendUnavailable = errors.New("link store unavailable")
)
