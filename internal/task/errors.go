package task

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrDeadlineExceeded is returned when a task misses its overall deadline.
	ErrDeadlineExceeded = errors.New("task deadline exceeded")
	// ErrCancelled is returned as the failure reason of a cancelled task.
	ErrCancelled = errors.New("task cancelled")
	// ErrCapacityExceeded is returned when the scheduler queue is full.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
)

// TransientError marks an agent failure as retryable (timeouts, momentary
// unavailability). Anything not wrapped in TransientError is treated as
// permanent and surfaces immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err may be retried. Context deadline
// expiry on a single call counts as a timeout, not a verdict.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
