package task

import (
	"errors"
	"fmt"
)

// Task errors
var (
	// ErrTaskFailed matches every error delivered by ExecutionFailed.
	ErrTaskFailed = errors.New("task: execution failed")

	// ErrPanic indicates a callable that panicked.
	ErrPanic = errors.New("task: callable panicked")

	// ErrShutdown indicates a task submitted to a manager that was shut down.
	ErrShutdown = errors.New("task: manager shut down")
)

// Error wraps the cause of a failed task.
type Error struct {
	TaskID string
	Name   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %v", e.Name, e.TaskID, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrTaskFailed.
func (e *Error) Is(target error) bool { return target == ErrTaskFailed }
