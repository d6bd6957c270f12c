package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRequest       = errors.New("invalid backup request")
	ErrNoActiveConnection   = errors.New("no active database connection")
	ErrConnection           = errors.New("database connection error")
	ErrUnsupportedEngine    = errors.New("unsupported engine")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrSubprocessFailure    = errors.New("subprocess failed")
	ErrSubprocessTimeout    = errors.New("subprocess timed out")
	ErrNotFound             = errors.New("not found")
)

type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, e.Reason)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

type ConnectionError struct {
	Endpoint string
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrConnection, e.Endpoint, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

type UnsupportedEngineError struct {
	Engine string
}

func (e *UnsupportedEngineError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnsupportedEngine, e.Engine)
}

func (e *UnsupportedEngineError) Is(target error) bool {
	return target == ErrUnsupportedEngine
}

// SubprocessError is a native tool that ran to completion with a non-zero exit code.
type SubprocessError struct {
	Tool     string
	ExitCode int
	Tail     []string
}

func (e *SubprocessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if len(e.Tail) > 0 {
		msg += ": " + strings.Join(e.Tail, " | ")
	}
	return msg
}

func (e *SubprocessError) Is(target error) bool {
	return target == ErrSubprocessFailure
}

// TimeoutError is a native tool killed at its deadline.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s and was killed", e.Tool, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrSubprocessTimeout
}
