package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrPrepare indicates a job's inputs are missing or invalid. The job
	// cannot proceed and is not retried.
	ErrPrepare = errors.New("job preparation failed")

	// ErrContainerNotFound indicates the job's container is gone.
	ErrContainerNotFound = errors.New("job container not found")

	// ErrInvalidTransition indicates an operation was called in the wrong state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// PrepareError describes why a job could not be prepared.
type PrepareError struct {
	JobID  string
	Input  string
	Reason string
	Err    error
}

func (e *PrepareError) Error() string {
	msg := fmt.Sprintf("prepare job %s", e.JobID)
	if e.Input != "" {
		msg += fmt.Sprintf(": input %s", e.Input)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PrepareError) Unwrap() error {
	return e.Err
}

func (e *PrepareError) Is(target error) bool {
	return target == ErrPrepare
}

// TransitionError is returned when an operation does not apply to the job's
// current state.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s: %s -> %s", e.JobID, ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsPrepareError returns true if err is a preparation failure.
func IsPrepareError(err error) bool {
	return errors.Is(err, ErrPrepare)
}

// IsInvalidTransition returns true if err is a state transition failure.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
