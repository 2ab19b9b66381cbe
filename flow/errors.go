// Package flow implements the durable, persistent workflow engine: the
// Flow Definition & Builder, Execution Context, Scheduler/Executor,
// Middleware Pipeline, Pause/Resume Controller, and Recovery Service
// that the rest of the engine talks to. Everything that actually talks to
// disk lives one level down in flow/store and flow/value.
package flow

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, mirrored into EncodedError.Kind when a step's
// failure is persisted (see store.EncodedError).
var (
	ErrMissingData              = errors.New("flow: missing required data")
	ErrTypeMismatch             = errors.New("flow: data dependency type mismatch")
	ErrTimeout                  = errors.New("flow: step execution timed out")
	ErrCancelled                = errors.New("flow: flow was cancelled")
	ErrPausePredicateMaxRetries = errors.New("flow: pause predicate exceeded max retries")
	ErrMaxJumpsExceeded         = errors.New("flow: jumpTo exceeded its maxJumps bound")
	ErrUnknownFlowKind          = errors.New("flow: no definition registered for flow kind")
	ErrInvalidRetryPolicy       = errors.New("flow: invalid retry policy")
	ErrBranchTargetNotFound     = errors.New("flow: jumpTo target does not exist in the parent flow")
	ErrUnknownStep              = errors.New("flow: step not found in flow definition")
	ErrFlowNotPaused            = errors.New("flow: flow is not paused")
	ErrNotAuthorized            = errors.New("flow: actor not authorized for this action")
)

// StepError wraps an error with the step that produced it, letting callers
// walk up from a terminal flow's LastError to the step that caused it.
type StepError struct {
	StepName string
	Kind     string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("flow: step %q (%s): %v", e.StepName, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
