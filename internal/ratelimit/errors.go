package ratelimit

import "errors"

var (
	// ErrStoreUnavailable wraps any failure of the backing store during an admission check.
	// It is never reported as a denial.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrInvalidWindow is returned for window configurations that cannot be evaluated.
	ErrInvalidWindow = errors.New("invalid rate limit window")
	// ErrScriptsUnsupported is returned when the atomic strategy is forced on a store
	// that cannot run server-side scripts.
	ErrScriptsUnsupported = errors.New("store does not support atomic scripts")
)
