package wmi

import (
	"context"
	"errors"
	"fmt"

	"github.com/smnsjas/go-wmi/mi"
)

var (
	// ErrInvalidArgument is returned for malformed call-style query
	// construction and moniker key clauses.
	ErrInvalidArgument = errors.New("wmi: invalid argument")

	// ErrNoMoreEvents is returned by EventWatcher.Wait once the
	// subscription has ended. It is terminal.
	ErrNoMoreEvents = errors.New("wmi: no more events")

	// ErrClosed is returned when using a closed Connection, or an Instance
	// whose non-owning connection reference has gone away.
	ErrClosed = errors.New("wmi: connection closed")

	// ErrNotImplemented is returned by the Path accessors that have no MI
	// equivalent.
	ErrNotImplemented = errors.New("wmi: not implemented")
)

// Error is a failed management operation. Every error returned by the
// package that originates in the engine is an *Error, possibly wrapped in a
// *TimedOutError or *NotFoundError.
type Error struct {
	// Info describes the failure.
	Info string

	Result mi.Result

	// HResult is the engine error code reinterpreted as a signed 32 bit
	// integer, the way COM reports it.
	HResult int32

	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Info
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = "unexpected error"
	}
	if e.HResult != 0 {
		return fmt.Sprintf("wmi: %s (%s, hresult %d)", msg, e.Result, e.HResult)
	}
	return fmt.Sprintf("wmi: %s (%s)", msg, e.Result)
}

func (e *Error) Unwrap() error { return e.Cause }

// TimedOutError reports an operation or wait that timed out.
type TimedOutError struct {
	Err *Error
}

func (e *TimedOutError) Error() string { return e.Err.Error() }
func (e *TimedOutError) Unwrap() error { return e.Err }

// NotFoundError reports an object or reference that does not exist.
type NotFoundError struct {
	Err *Error
}

func (e *NotFoundError) Error() string { return e.Err.Error() }
func (e *NotFoundError) Unwrap() error { return e.Err }

// AttributeError reports a name that is neither a property nor a method of
// a class.
type AttributeError struct {
	Class string
	Name  string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("'%s' has no attribute '%s'.", e.Class, e.Name)
}

// IsTimedOut reports whether err is, or wraps, a *TimedOutError.
func IsTimedOut(err error) bool {
	var t *TimedOutError
	return errors.As(err, &t)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// unsignedToSigned reinterprets an engine error code as the signed value
// COM callers expect, so 0x80041002 becomes -2147217406.
func unsignedToSigned(code uint32) int32 {
	return int32(code)
}

// translateError maps engine errors onto the package taxonomy. Errors that
// are already translated, and package sentinels, pass through.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var (
		we *Error
		te *TimedOutError
		ne *NotFoundError
		ae *AttributeError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &ne), errors.As(err, &we), errors.As(err, &ae):
		return err
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNoMoreEvents),
		errors.Is(err, ErrClosed), errors.Is(err, ErrNotImplemented):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("wmi: %w", err)
	}

	me, ok := mi.AsError(err)
	if !ok {
		return &Error{Info: err.Error(), Result: mi.ResultFailed, Cause: err}
	}
	base := &Error{
		Info:    me.Message,
		Result:  me.Result,
		HResult: unsignedToSigned(me.ErrorCode),
		Message: me.Message,
		Cause:   err,
	}
	switch {
	case me.IsTimeout():
		return &TimedOutError{Err: base}
	case me.Result == mi.ResultNotFound:
		return &NotFoundError{Err: base}
	}
	return base
}

// hresultOf returns the HResult carried by a translated error.
func hresultOf(err error) int32 {
	var we *Error
	if errors.As(err, &we) {
		return we.HResult
	}
	return 0
}

func notFound(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &NotFoundError{Err: &Error{Info: msg, Result: mi.ResultNotFound, Message: msg}}
}

func timedOut(info string) error {
	return &TimedOutError{Err: &Error{Info: info, Result: mi.ResultFailed}}
}
