// Package errors provides structured error types for sentinel.
package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrQueueFull         = errors.New("outbound queue full")
	ErrClosed            = errors.New("closed")
	ErrUnknownProject    = errors.New("unknown project")
	ErrSystemZone        = errors.New("system zones cannot be modified or deleted")
	ErrInvalidZone       = errors.New("invalid protection zone")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrProjectRoot       = errors.New("project root unavailable")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrNotFound          = errors.New("resource not found")
)

// TransitionError is returned when a command is not valid in the current state.
type TransitionError struct {
	From    string
	Command string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s not allowed from %s", e.Command, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CommitError wraps a failed version-control step.
type CommitError struct {
	Step string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit step %q failed: %v", e.Step, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// IsTransient returns true if the error is a recoverable I/O or transport condition
// that the owning loop should absorb and retry later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrQueueFull) {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var commitErr *CommitError
	return errors.As(err, &commitErr)
}

// Is and As re-export the standard helpers so callers need a single import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
