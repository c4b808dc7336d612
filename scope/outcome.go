package scope

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrIllegalUse is returned (wrapped) when a task is forked into a scope
	// that is already joining or has been cancelled.
	ErrIllegalUse = errors.New("scope: illegal use")
	// ErrNilTask is returned by Go for a nil task function.
	ErrNilTask = errors.New("scope: nil task")
	// ErrShutdown is the cancellation cause seen by siblings once a
	// FirstSuccess scope has its result.
	ErrShutdown = errors.New("scope: shut down after first success")
	// ErrNoTasks is the cause of an AllFailed outcome when nothing was forked.
	ErrNoTasks = errors.New("scope: no tasks forked")
	// ErrClosed is the cancellation cause used by Close on a scope that was
	// never joined.
	ErrClosed = errors.New("scope: closed before join")
)

// TaskID identifies a fork within one scope, assigned in fork order from 0.
type TaskID int

// TaskState is the terminal state of a single forked task.
type TaskState int

const (
	TaskSucceeded TaskState = iota
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Status is the aggregate result of a joined scope.
type Status int

const (
	// StatusAllSucceeded: FailFast scope in which no task failed.
	StatusAllSucceeded Status = iota
	// StatusFailed: FailFast scope shut down by its first failure.
	StatusFailed
	// StatusHasResult: FirstSuccess scope shut down by its first success.
	StatusHasResult
	// StatusAllFailed: FirstSuccess scope in which no task succeeded.
	StatusAllFailed
	// StatusCancelled: scope cancelled from outside (Cancel, Close or the
	// parent context) before its policy produced a result.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusAllSucceeded:
		return "all_succeeded"
	case StatusFailed:
		return "failed"
	case StatusHasResult:
		return "has_result"
	case StatusAllFailed:
		return "all_failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is what Join returns. Value and TaskID are meaningful for
// StatusHasResult; TaskID and Cause for StatusFailed and StatusAllFailed.
type Outcome[T any] struct {
	Policy Policy
	Status Status
	Value  T
	TaskID TaskID
	Cause  error

	Succeeded int
	Failed    int
	Cancelled int
}

// Forked reports how many tasks the scope accounted for.
func (o Outcome[T]) Forked() int { return o.Succeeded + o.Failed + o.Cancelled }

// Err converts the outcome into an error: nil for AllSucceeded and
// HasResult, an *AggregateError for Failed and AllFailed, and the cancel
// cause for Cancelled.
func (o Outcome[T]) Err() error {
	switch o.Status {
	case StatusFailed, StatusAllFailed:
		return &AggregateError{Policy: o.Policy, TaskID: o.TaskID, Cause: o.Cause, Failed: o.Failed}
	case StatusCancelled:
		return o.Cause
	default:
		return nil
	}
}

// AggregateError is the single failure surfaced by a scope whose policy
// resolved to a failing state.
type AggregateError struct {
	Policy Policy
	// TaskID of the first failure.
	TaskID TaskID
	Cause  error
	// Failed is the number of tasks that settled as failed.
	Failed int
}

func (e *AggregateError) Error() string {
	if e.Policy == FirstSuccess {
		if errors.Is(e.Cause, ErrNoTasks) {
			return e.Cause.Error()
		}
		return fmt.Sprintf("scope: no task succeeded (%d failed), first failure from task %d: %v", e.Failed, e.TaskID, e.Cause)
	}
	return fmt.Sprintf("scope: task %d failed: %v", e.TaskID, e.Cause)
}

func (e *AggregateError) Unwrap() error { return e.Cause }

// PanicError is the failure recorded for a task that panicked while the
// scope converts panics to errors.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
