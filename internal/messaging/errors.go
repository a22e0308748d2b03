package messaging

import "errors"

var (
	// ErrNotFound means the backend has no such conversation for the current user.
	ErrNotFound = errors.New("conversation not found")
	// ErrLoadError means the history could not be fetched. Opening again retries.
	ErrLoadError = errors.New("could not load conversation")
	// ErrInvalidInput is returned for message text that is empty after trimming.
	ErrInvalidInput = errors.New("message text is empty")
	// ErrSendFailed means the backend did not persist the message.
	ErrSendFailed = errors.New("message could not be sent")

	ErrNotOpen = errors.New("no conversation is open")
	ErrStale   = errors.New("conversation was closed while loading")
)
