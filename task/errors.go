package task

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the planner, recovery ladder, scheduler and
// engine. Typed errors below wrap one of these so callers can use errors.Is.
var (
	ErrValidation         = errors.New("task validation failed")
	ErrCircularDependency = errors.New("circular dependency")
	ErrTaskTimeout        = errors.New("task timed out")
	ErrPlanTimeout        = errors.New("plan timed out")
	ErrPlanCanceled       = errors.New("plan canceled")
	ErrTaskExecution      = errors.New("task execution failed")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPlanFrozen         = errors.New("plan is frozen")
	ErrNotFound           = errors.New("not found")
	ErrUnknownTask        = errors.New("unknown task")
)

// ValidationError describes a malformed task description from the
// generative backend.
type ValidationError struct {
	TaskRef  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %q invalid: %s", e.TaskRef, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CycleError is returned when the recovery ladder cannot produce an acyclic
// graph. Components lists the task IDs of each unresolved cycle.
type CycleError struct {
	Components [][]string
	Reason     string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Components))
	for _, c := range e.Components {
		parts = append(parts, "["+strings.Join(c, " ")+"]")
	}
	msg := "circular dependency between " + strings.Join(parts, ", ")
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *CycleError) Unwrap() error { return ErrCircularDependency }

// ExecutionError wraps an error returned by a task's work handler.
type ExecutionError struct {
	TaskID string
	Kind   Kind
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.TaskID, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel and the handler's own error.
func (e *ExecutionError) Unwrap() []error { return []error{ErrTaskExecution, e.Err} }

// TransitionError reports a state machine violation.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s not allowed", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
