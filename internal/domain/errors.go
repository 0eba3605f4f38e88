package domain

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeStaleData             Code = "STALE_DATA"
	CodeTimeout               Code = "TIMEOUT"
	CodeIsolated              Code = "ISOLATED"
	CodeCapacityInformational Code = "CAPACITY_INFORMATIONAL"
)

// Error is the typed error returned by the core. Callers match it with
// errors.Is against the sentinel values below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "not found"}
	ErrStaleData    = &Error{Code: CodeStaleData, Message: "stale data"}
	ErrTimeout      = &Error{Code: CodeTimeout, Message: "timeout"}
	ErrIsolated     = &Error{Code: CodeIsolated, Message: "isolated"}
)

// NewError creates a domain error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a domain error wrapping an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code of the first domain error in err's chain.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}
