package router

import "errors"

// Router-specific error types
var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
)
