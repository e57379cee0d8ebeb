// Package xrderrors defines the error vocabulary of the connection
// core: a closed set of error kinds plus a severity bit, wrapped in a
// Status value that satisfies the standard error interface.
package xrderrors

import "fmt"

// Kind enumerates the error categories the connection core raises by name.
type Kind int

const (
	KindUninitialized Kind = iota
	KindInvalidSession
	KindOperationExpired
	KindAuthFailed
	KindConnectionError
	KindStreamBroken
	KindFatalError
	KindQueryNotSupported
	KindCheckSumError
	KindErrorResponse
	KindLocalError
	KindOperationInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindInvalidSession:
		return "invalid session"
	case KindOperationExpired:
		return "operation expired"
	case KindAuthFailed:
		return "auth failed"
	case KindConnectionError:
		return "connection error"
	case KindStreamBroken:
		return "stream broken"
	case KindFatalError:
		return "fatal error"
	case KindQueryNotSupported:
		return "query not supported"
	case KindCheckSumError:
		return "checksum error"
	case KindErrorResponse:
		return "error response"
	case KindLocalError:
		return "local error"
	case KindOperationInterrupted:
		return "operation interrupted"
	default:
		return "unknown"
	}
}

// Severity separates recoverable errors from ones that must not be
// retried.
type Severity int

const (
	Error Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "error"
}

// Status is the error value that flows through handler callbacks and
// stream events. It wraps an optional underlying cause.
type Status struct {
	Kind     Kind
	Severity Severity
	Msg      string
	cause    error
}

// New builds a Status with no wrapped cause.
func New(kind Kind, sev Severity, msg string) *Status {
	return &Status{Kind: kind, Severity: sev, Msg: msg}
}

// Wrap builds a Status that wraps an underlying error.
func Wrap(kind Kind, sev Severity, msg string, cause error) *Status {
	return &Status{Kind: kind, Severity: sev, Msg: msg, cause: cause}
}

func (s *Status) Error() string {
	if s == nil {
		return "<nil status>"
	}
	if s.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", s.Kind, s.Severity, s.Msg, s.cause)
	}
	return fmt.Sprintf("%s (%s): %s", s.Kind, s.Severity, s.Msg)
}

func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.cause
}

// IsFatal reports whether the status carries Fatal severity.
func (s *Status) IsFatal() bool {
	return s != nil && s.Severity == Fatal
}

// Is supports errors.Is(err, xrderrors.KindX) style checks by comparing
// against a sentinel built with New(kind, 0, "").
func (s *Status) Is(target error) bool {
	other, ok := target.(*Status)
	if !ok {
		return false
	}
	return s != nil && s.Kind == other.Kind
}

// Sentinel kinds usable with errors.Is, e.g.:
//
//	errors.Is(err, xrderrors.ErrInvalidSession)
var (
	ErrInvalidSession       = New(KindInvalidSession, Error, "")
	ErrOperationExpired     = New(KindOperationExpired, Error, "")
	ErrAuthFailed           = New(KindAuthFailed, Error, "")
	ErrConnectionError      = New(KindConnectionError, Error, "")
	ErrStreamBroken         = New(KindStreamBroken, Error, "")
	ErrFatalError           = New(KindFatalError, Fatal, "")
	ErrQueryNotSupported    = New(KindQueryNotSupported, Error, "")
	ErrOperationInterrupted = New(KindOperationInterrupted, Error, "")

	// ErrStreamIDPoolBusy is a KindLocalError variant returned to Send's
	// caller when a substream has no free wire-correlation tag left to
	// hand the request; see streamid.Pool.
	ErrStreamIDPoolBusy = New(KindLocalError, Error, "stream id pool exhausted")
)
