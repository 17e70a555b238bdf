package task

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition signals an attempt to leave a terminal status.
	// Callers see it on duplicate or late deliveries and must treat it as
	// "already settled", not as a retryable failure.
	ErrInvalidTransition = errors.New("invalid task status transition")
)
