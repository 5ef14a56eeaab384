package mutator

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrReentrant matches every *ReentrancyError
	ErrReentrant = errors.New("mutator: nested mutate")

	// ErrPreempted is the cause of a mutate cancelled by a newer Mutate
	ErrPreempted = fmt.Errorf("mutator: preempted by a newer mutate: %w", context.Canceled)

	// ErrCancelled is the cause of a mutate cancelled by CancelMutate
	ErrCancelled = fmt.Errorf("mutator: cancelled by CancelMutate: %w", context.Canceled)

	// ErrMutateActive is the cause of a TryMutate rejected because another
	// mutate was in progress
	ErrMutateActive = fmt.Errorf("mutator: another mutate is in progress: %w", context.Canceled)
)

// ReentrancyError is returned when a body calls back into the Mutator it is
// running under. It is returned before any lock is touched.
type ReentrancyError struct {
	Op      OperationKind
	Mutator string
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("mutator: nested %s on %s", e.Op, e.Mutator)
}

func (e *ReentrancyError) Is(target error) bool {
	return target == ErrReentrant
}

// CancelError reports an operation that was cancelled: preempted, cancelled
// by CancelMutate, rejected by TryMutate, or abandoned because the caller's
// context ended. Cause is one of the Err* sentinels or the caller's context
// cause.
type CancelError struct {
	Op    OperationKind
	ID    string
	Cause error
}

func (e *CancelError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("mutator: %s %s cancelled", e.Op, e.ID)
	}
	return fmt.Sprintf("mutator: %s %s cancelled: %v", e.Op, e.ID, e.Cause)
}

func (e *CancelError) Unwrap() error {
	return e.Cause
}

// IsCancellation reports whether err is cancellation-kind. Callers should
// propagate such errors rather than treat them as failures.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}

	var ce *CancelError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
