package scanner

import (
	"errors"
	"fmt"
)

// Sentinel errors for scanner lifecycle failures.
var (
	// ErrStartFailed is returned when a scanner could not be started in any
	// mode, including the automatic passive retry.
	ErrStartFailed = errors.New("scanner start failed")

	// ErrScannerTimeout names a start or stop operation that exceeded its
	// deadline. Start and Stop do not return it; when their context expires
	// they return the context's error.
	ErrScannerTimeout = errors.New("scanner operation timed out")
)

// StartError carries the scanner and mode of a failed start attempt.
type StartError struct {
	Scanner string
	Mode    Mode
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: start in %s mode failed: %v", e.Scanner, e.Mode, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, ErrStartFailed) to match a StartError.
func (e *StartError) Is(target error) bool {
	return target == ErrStartFailed
}
