package winrm

import (
	"context"
	"errors"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wsman"
	"github.com/smnsjas/go-wmi/wsman/transport"
)

// toMIError converts a wsman or transport failure into an *mi.Error.
// Context errors are returned unchanged so callers can test them with
// errors.Is.
func toMIError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := mi.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var fault *wsman.Fault
	if errors.As(err, &fault) {
		return faultError(fault)
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return &mi.Error{Result: mi.ResultAccessDenied, ErrorCode: mi.ErrorCodeAccessDenied, Message: err.Error()}
	}
	var se *transport.StatusError
	if errors.As(err, &se) && se.StatusCode == 403 {
		return &mi.Error{Result: mi.ResultAccessDenied, ErrorCode: mi.ErrorCodeAccessDenied, Message: err.Error()}
	}
	return &mi.Error{Result: mi.ResultFailed, Message: err.Error()}
}

func faultError(f *wsman.Fault) *mi.Error {
	msg := f.Message
	if msg == "" {
		msg = f.Reason
	}
	e := &mi.Error{Result: mi.ResultFailed, ErrorCode: f.ErrorCode, Message: msg}

	switch {
	case f.IsTimeout():
		e.Timeout = true
		if e.ErrorCode == 0 {
			e.ErrorCode = mi.ErrorCodeTimedOut
		}
	case f.IsAccessDenied():
		e.Result = mi.ResultAccessDenied
	case f.ErrorCode == mi.ErrorCodeInvalidClass:
		e.Result = mi.ResultInvalidClass
	case f.IsNotFound():
		e.Result = mi.ResultNotFound
	case f.IsInvalidEnumerationContext():
		e.Result = mi.ResultInvalidEnumerationContext
	case strings.Contains(f.Subcode, "InvalidParameter") || strings.Contains(f.Subcode, "InvalidValue"):
		e.Result = mi.ResultInvalidParameter
	case strings.Contains(f.Subcode, "ActionNotSupported"):
		e.Result = mi.ResultNotSupported
	case strings.Contains(f.Subcode, "CannotProcessFilter"):
		e.Result = mi.ResultInvalidQuery
	}
	if f.CIMStatusCode > 0 && f.CIMStatusCode <= int(mi.ResultServerIsShuttingDown) && e.Result == mi.ResultFailed {
		e.Result = mi.Result(f.CIMStatusCode)
	}
	return e
}
