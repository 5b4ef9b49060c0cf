package engine

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when a pipeline run is requested while
// another one holds the run guard or lease.
var ErrAlreadyRunning = errors.New("pipeline run already in progress")

// TickError represents a failure that aborted a whole executor tick.
//
// Per-entry publish failures never produce a TickError; they are recorded
// on the entry and the batch continues.
type TickError struct {
	// Code identifies the error category.
	Code TickErrorCode

	// Op names the step that failed.
	Op string

	// RunToken identifies the tick.
	RunToken string

	// Err is the underlying cause.
	Err error
}

// TickErrorCode categorizes tick errors.
type TickErrorCode string

const (
	// ErrCodeStoreUnavailable indicates the store could not answer a query
	// the tick depends on.
	ErrCodeStoreUnavailable TickErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeCancelled indicates the tick context ended.
	ErrCodeCancelled TickErrorCode = "CANCELLED"
)

// Error implements the error interface.
func (e *TickError) Error() string {
	if e.RunToken != "" {
		return fmt.Sprintf("%s: %s: %v (run=%s)", e.Code, e.Op, e.Err, e.RunToken)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TickError) Unwrap() error {
	return e.Err
}

// IsTickError returns true if err is or wraps a TickError.
// Uses errors.As to handle wrapped errors.
func IsTickError(err error) bool {
	var te *TickError
	return errors.As(err, &te)
}

// IsStoreUnavailable returns true if err is a TickError caused by the store.
func IsStoreUnavailable(err error) bool {
	var te *TickError
	if errors.As(err, &te) {
		return te.Code == ErrCodeStoreUnavailable
	}
	return false
}

func newStoreError(op, token string, err error) *TickError {
	return &TickError{Code: ErrCodeStoreUnavailable, Op: op, RunToken: token, Err: err}
}
