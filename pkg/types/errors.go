package types

import "errors"

var (
	// ErrValidation marks malformed slot/schedule input, rejected before any
	// state change.
	ErrValidation = errors.New("validation failed")

	// ErrDeviceUnreachable means a remote command timed out. Retryable.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrDeviceRejected means the remote device acknowledged a failure.
	// Retryable with the same bounded budget as ErrDeviceUnreachable.
	ErrDeviceRejected = errors.New("device rejected command")

	// ErrNotControllable means an action was attempted on an always-on
	// appliance. Not retried.
	ErrNotControllable = errors.New("appliance is not controllable")

	// ErrConcurrentModification means two callers raced on the same
	// schedule's active flag. The loser must retry, never merge.
	ErrConcurrentModification = errors.New("concurrent modification")
)
