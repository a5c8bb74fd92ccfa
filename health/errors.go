package health

import "errors"

var (
	// ErrCheckFailed marks a result whose component reported a problem
	// without an error of its own.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout is set on results of checks that outlived the
	// aggregator timeout.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound is returned by Aggregator.Check for unknown names.
	ErrCheckerNotFound = errors.New("health: checker not found")

	// ErrCheckPanicked is set on results of checks that panicked.
	ErrCheckPanicked = errors.New("health: check panicked")
)
