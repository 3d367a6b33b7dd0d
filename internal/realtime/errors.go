package realtime

import "errors"

var (
	// ErrInvalidIdentity is returned when a connection has no usable user ID.
	ErrInvalidIdentity = errors.New("invalid identity: user id is required")

	// ErrInvalidRoom is returned for join/leave requests with an empty room key.
	ErrInvalidRoom = errors.New("invalid room: room key is required")

	// ErrMalformedEvent is returned when an inbound event is missing fields
	// required for its kind, or cannot be decoded at all.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrDuplicateConnection is returned when a connection ID is admitted twice.
	ErrDuplicateConnection = errors.New("connection already registered")

	// ErrRouterStopped is returned by router calls made after Run has returned.
	ErrRouterStopped = errors.New("router stopped")
)
