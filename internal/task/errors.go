package task

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStatus is wrapped by ProtocolError when the backend reports a
	// status outside PENDING, SUCCESS and FAILED.
	ErrUnknownStatus = errors.New("unknown task status")
	// ErrTaskNotFound is wrapped by ProtocolError when the backend no longer
	// recognizes a task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTimedOut ends a session that exceeded its elapsed-time or attempt limit.
	ErrTimedOut = errors.New("polling timed out")
	// ErrCancelled is returned by Session.Wait after Cancel or parent context
	// cancellation.
	ErrCancelled = errors.New("poll session cancelled")
)

// ValidationError reports unusable submission input. It is raised before any
// request is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// TransportError reports a failure to deliver a request or a non-2xx
// response. StatusCode is zero when no response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response whose shape or values are not understood.
type ProtocolError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TaskFailedError carries the backend's error detail for a task that reached
// FAILED. It is a business failure, not a transport failure.
type TaskFailedError struct {
	TaskID string
	Detail string
}

func (e *TaskFailedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Detail)
}
