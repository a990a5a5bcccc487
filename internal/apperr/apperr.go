// Package apperr defines the error taxonomy shared across the control
// plane: authentication/config/timeout failures that need a stable Code
// for mapping onto HTTP statuses and link close codes.
package apperr

import "fmt"

// Code identifies a class of failure independent of its message, so
// callers (HTTP handlers, the gateway) can switch on it without string
// matching.
type Code int

const (
	CodeUnknown Code = iota
	CodeAuthentication
	CodeOvercrowded
	CodeConfig
	CodeUnsupportedAlgorithm
	CodeTimeout
	CodeTransport
	CodeBusClosed
)

func (c Code) String() string {
	switch c {
	case CodeAuthentication:
		return "authentication_error"
	case CodeOvercrowded:
		return "overcrowded"
	case CodeConfig:
		return "config_error"
	case CodeUnsupportedAlgorithm:
		return "unsupported_algorithm"
	case CodeTimeout:
		return "timeout"
	case CodeTransport:
		return "transport_error"
	case CodeBusClosed:
		return "bus_closed"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried through the system. Cause is
// the underlying error, if any (kept via %w-compatible Unwrap).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, apperr.Authentication) match any *Error sharing
// the same Code, regardless of message/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels usable with errors.Is for the coarse-grained kinds named in
// spec.md §7. Message and Cause are irrelevant for the comparison; only
// Code matters (see (*Error).Is above).
var (
	Authentication      = &Error{Code: CodeAuthentication}
	Overcrowded         = &Error{Code: CodeOvercrowded}
	Config              = &Error{Code: CodeConfig}
	UnsupportedAlgorithm = &Error{Code: CodeUnsupportedAlgorithm}
	Timeout             = &Error{Code: CodeTimeout}
	Transport           = &Error{Code: CodeTransport}
	BusClosed           = &Error{Code: CodeBusClosed}
)
