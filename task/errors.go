package task

import "errors"

// Sentinel errors for task operations.
var (
	// ErrInvalidMessage indicates a message is missing required fields.
	ErrInvalidMessage = errors.New("task: invalid message")

	// ErrInvalidResult indicates a result is missing required fields.
	ErrInvalidResult = errors.New("task: invalid result")

	// ErrUnknownPriority indicates a priority outside LOW..CRITICAL.
	ErrUnknownPriority = errors.New("task: unknown priority")

	// ErrUnknownStatus indicates an unrecognized status string.
	ErrUnknownStatus = errors.New("task: unknown status")
)
