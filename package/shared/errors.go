package shared

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	ErrSignal      = errors.New("signal error")
	ErrIntegrity   = errors.New("integrity error")
	ErrNegotiation = errors.New("negotiation error")
	ErrSession     = errors.New("session error")
)

// Reasons. Each belongs to exactly one class.
var (
	ErrPreambleTimeout = errors.New("preamble not detected")
	ErrLowConfidence   = errors.New("symbol confidence below threshold")

	ErrCRCMismatch       = errors.New("crc mismatch")
	ErrUncorrectable     = errors.New("uncorrectable block")
	ErrDuplicateMismatch = errors.New("duplicate frame differs from buffered copy")
	ErrIncomplete        = errors.New("incomplete transfer")
	ErrMalformed         = errors.New("malformed frame")
	ErrSignature         = errors.New("transfer signature mismatch")

	ErrEmptyIntersection = errors.New("no common capabilities")
	ErrConfirmMismatch   = errors.New("confirmation mismatch")

	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrRetryExhausted   = errors.New("retry budget exhausted")
	ErrCollision        = errors.New("collision")
	ErrStateTimeout     = errors.New("no response within window")
	ErrTerminated       = errors.New("session terminated")
)

// Error carries a class and a reason so callers can match either with errors.Is.
type Error struct {
	Class  error
	Reason error
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Class.Error() + ": " + e.Reason.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := []error{e.Class, e.Reason}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func SignalError(reason error, format string, args ...any) error {
	return &Error{Class: ErrSignal, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func IntegrityError(reason error, format string, args ...any) error {
	return &Error{Class: ErrIntegrity, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func NegotiationError(reason error, format string, args ...any) error {
	return &Error{Class: ErrNegotiation, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func SessionError(reason error, cause error) error {
	return &Error{Class: ErrSession, Reason: reason, Cause: cause}
}
