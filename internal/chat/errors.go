package chat

import "errors"

// Errors returned by the service. Callers classify them with errors.Is.
var (
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrNotAParticipant    = errors.New("not a participant")
	ErrNoOtherParticipant = errors.New("no other participant")
	ErrStoreFailure       = errors.New("store failure")
)

// Errors reported by Store implementations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)
