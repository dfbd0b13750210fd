package domain

import "errors"

// Gateway error taxonomy. Callers match with errors.Is.
var (
	ErrAuthenticationFailed    = errors.New("authentication failed")
	ErrConnectionLimitExceeded = errors.New("connection limit exceeded")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrAgentProcessing         = errors.New("agent processing error")
	ErrProtocol                = errors.New("protocol error")
	ErrTransport               = errors.New("transport error")

	ErrSessionBusy     = errors.New("a turn is already in progress")
	ErrSessionNotFound = errors.New("session not found")
	ErrToolDisabled    = errors.New("tool disabled")
)
