package core

import "fmt"

// Code is one of the stable, flat error codes a flatten operation can fail
// with. Codes never wrap one another: the first non-OK code a step produces
// is the one the caller sees.
type Code int

const (
	// CodeOK is never actually returned as an error; it exists so Code's
	// numeric values start at a predictable, stable baseline.
	CodeOK Code = iota
	CodeNoFreeSpace
	CodeFileTooComplex
	CodeNotMovie
	CodeReadError
	CodeWriteError
	CodeMemoryError
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNoFreeSpace:
		return "no free space"
	case CodeFileTooComplex:
		return "file too complex"
	case CodeNotMovie:
		return "not a movie"
	case CodeReadError:
		return "read error"
	case CodeWriteError:
		return "write error"
	case CodeMemoryError:
		return "memory error"
	default:
		return "unknown error"
	}
}

// Error is the flat error type every core operation returns. It carries a
// stable Code plus a human-readable Message; it never wraps another error,
// so there is deliberately no Unwrap method.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is comparisons against a specific code, independent
// of message text.
var (
	ErrNoFreeSpace = &Error{Code: CodeNoFreeSpace}
	ErrTooComplex  = &Error{Code: CodeFileTooComplex}
	ErrNotMovie    = &Error{Code: CodeNotMovie}
	ErrReadFailed  = &Error{Code: CodeReadError}
	ErrWriteFailed = &Error{Code: CodeWriteError}
	ErrMemory      = &Error{Code: CodeMemoryError}
)

// Is reports whether target has the same Code, matching on code rather than
// message so callers can do errors.Is(err, core.ErrNotMovie) regardless of
// the specific diagnostic text attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err, or CodeOK if err is nil, or
// CodeMemoryError if err is a non-core error (shouldn't happen in practice;
// every failure path in this package returns *Error).
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeMemoryError
}
