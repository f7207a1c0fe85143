package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProject means StartRun's project reference could not be
	// resolved by the configured validator.
	ErrInvalidProject = errors.New("invalid project")

	// ErrRunTerminated rejects Advance/Resume/Abandon on a run that already
	// reached completed, failed, or abandoned.
	ErrRunTerminated = errors.New("run terminated")

	// ErrCheckpointMismatch rejects a decision whose checkpoint is not the
	// run's current pending suspension.
	ErrCheckpointMismatch = errors.New("decision does not match pending checkpoint")

	// ErrCheckpointExpired rejects decisions on a checkpoint past its
	// expiry; the sweep owns that transition.
	ErrCheckpointExpired = errors.New("checkpoint expired")

	// ErrConcurrentModification surfaces after internal optimistic-lock
	// retries are exhausted. Run state is unchanged; callers may retry.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Terminal fail reasons. MaxIterations is distinguishable so the reviewer
// sees "stuck in a loop", not a generic crash.
const (
	ReasonMaxIterations = "max_iterations_exceeded"
	ReasonExecutor      = "executor_error"
)

// ValidationError rejects malformed input to a public operation before any
// state mutation.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}
