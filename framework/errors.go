package framework

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSpawn is matched by errors.Is for any *SpawnError.
	ErrSpawn = errors.New("mock service could not be started")

	// ErrStartupTimeout is matched by errors.Is for any *StartupTimeoutError.
	ErrStartupTimeout = errors.New("mock service did not become ready")

	// ErrTimeout is matched by errors.Is for any *TimeoutError.
	ErrTimeout = errors.New("timed out")

	// ErrProcessTerminated is matched by errors.Is for any *ProcessTerminatedError.
	ErrProcessTerminated = errors.New("mock service process terminated")

	// ErrOperationFailed is matched by errors.Is for any *OperationError.
	ErrOperationFailed = errors.New("operation failed")
)

// SpawnError means that a process could not be started at all, or exited before it became ready.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not start %q: %s", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// StartupTimeoutError means that a process was started but never sent its readiness signal.
type StartupTimeoutError struct {
	Process ProcessID
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("%s did not signal readiness within %s", e.Process, e.Timeout)
}

func (e *StartupTimeoutError) Is(target error) bool { return target == ErrStartupTimeout }

// TimeoutError means that an operation reply or an awaited event did not arrive in time.
type TimeoutError struct {
	Process ProcessID
	Waiting string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s from %s", e.Timeout, e.Waiting, e.Process)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ProcessTerminatedError means that a process stopped while something was still pending on it.
type ProcessTerminatedError struct {
	Process ProcessID
	ExitErr error
}

func (e *ProcessTerminatedError) Error() string {
	if e.ExitErr != nil {
		return fmt.Sprintf("%s terminated (%s)", e.Process, e.ExitErr)
	}
	return fmt.Sprintf("%s terminated", e.Process)
}

func (e *ProcessTerminatedError) Unwrap() error { return e.ExitErr }

func (e *ProcessTerminatedError) Is(target error) bool { return target == ErrProcessTerminated }

// OperationError means that a process replied to an operation with an error message.
type OperationError struct {
	Process   ProcessID
	Operation string
	Message   string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Process, e.Message)
}

func (e *OperationError) Is(target error) bool { return target == ErrOperationFailed }

// ErrWaitCancelled is returned by Waiter.Await after Waiter.Cancel.
var ErrWaitCancelled = errors.New("wait cancelled")
