package shared

import "errors"

var (
	// ErrLockBusy indicates a keyed critical section could not be
	// entered within the bounded wait. Callers may retry with backoff.
	ErrLockBusy = errors.New("resource lock busy")
)
