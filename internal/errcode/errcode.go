// Package errcode defines the canonical, backend-independent error codes a
// stage attempt can terminate with, and the process exit codes they map to.
package errcode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
)

// Code is a canonical error code.
type Code string

const (
	Success               Code = "SUCCESS"
	GeneralError          Code = "GENERAL_ERROR"
	IOError               Code = "IO_ERROR"
	ResourceLimitExceeded Code = "RESOURCE_LIMIT_EXCEEDED"
	Timeout               Code = "TIMEOUT"
	ValidationError       Code = "VALIDATION_ERROR"
	ExternalToolFailure   Code = "EXTERNAL_TOOL_FAILURE"
	Cancelled             Code = "CANCELLED"
)

var exitCodes = map[Code]int{
	Success:               0,
	GeneralError:          1,
	IOError:               2,
	ExternalToolFailure:   3,
	ValidationError:       5,
	Timeout:               124,
	Cancelled:             130,
	ResourceLimitExceeded: 137,
}

// All returns every canonical code in exit-code order.
func All() []Code {
	return []Code{Success, GeneralError, IOError, ExternalToolFailure, ValidationError, Timeout, Cancelled, ResourceLimitExceeded}
}

// Valid reports whether c is one of the canonical codes.
func (c Code) Valid() bool {
	_, ok := exitCodes[c]
	return ok
}

// ExitCode returns the process exit status used by an isolated worker that
// terminates with c. Unknown codes map to 1.
func (c Code) ExitCode() int {
	if n, ok := exitCodes[c]; ok {
		return n
	}
	return 1
}

// FromExitCode maps a worker exit status back to a canonical code.
func FromExitCode(n int) Code {
	for c, v := range exitCodes {
		if v == n {
			return c
		}
	}
	return GeneralError
}

// Error tags an underlying error with a canonical code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with code. A nil err yields nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Errorf formats a message and tags it with code.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Of classifies err. The first tagged *Error in the chain wins; otherwise
// context, filesystem and exec errors are recognised. nil maps to Success.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Code.Valid() {
		return tagged.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExternalToolFailure
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return ExternalToolFailure
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return IOError
	}
	return GeneralError
}
