package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle is returned when operating on a destroyed window, tab or download
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrInvalidWindow is returned when creating a tab under a closed window
	ErrInvalidWindow = fmt.Errorf("%w: window destroyed or unknown", ErrInvalidHandle)

	// ErrDestinationConflict is returned when a download target already exists
	ErrDestinationConflict = errors.New("download destination already exists")

	// ErrInvalidTransition is returned for a state change the download cannot make
	ErrInvalidTransition = errors.New("invalid download state transition")

	// ErrStaleProgress is returned for an out-of-order or duplicate progress report
	ErrStaleProgress = errors.New("stale progress report")

	// ErrProgressOverflow is returned when received bytes exceed the known total
	ErrProgressOverflow = errors.New("received bytes exceed total")

	// ErrStorageWipeFailure marks a private partition whose data could not be removed
	ErrStorageWipeFailure = errors.New("private storage wipe failed")

	// ErrBusClosed is returned when publishing to a closed event bus
	ErrBusClosed = errors.New("event bus closed")

	// ErrRequestBlocked is returned when the request filter blocks a URL
	ErrRequestBlocked = errors.New("request blocked by filter")

	// ErrDiskFull marks an unrecoverable write failure
	ErrDiskFull = errors.New("disk full")
)

// StorageWipeError reports a private partition teardown that left data behind.
// The context identifier is quarantined and never reused.
type StorageWipeError struct {
	WindowID  string
	ContextID string
	Err       error
}

func (e *StorageWipeError) Error() string {
	return fmt.Sprintf("private storage wipe failed for window %s (context %s): %v", e.WindowID, e.ContextID, e.Err)
}

func (e *StorageWipeError) Unwrap() error {
	return e.Err
}

// Is matches ErrStorageWipeFailure
func (e *StorageWipeError) Is(target error) bool {
	return target == ErrStorageWipeFailure
}
