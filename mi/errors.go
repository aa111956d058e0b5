package mi

import (
	"errors"
	"fmt"
)

// Result is an MI operation result code.
type Result uint32

// Result codes. The numeric values match MI_Result.
const (
	ResultOK Result = iota
	ResultFailed
	ResultAccessDenied
	ResultInvalidNamespace
	ResultInvalidParameter
	ResultInvalidClass
	ResultNotFound
	ResultNotSupported
	ResultClassHasChildren
	ResultClassHasInstances
	ResultInvalidSuperclass
	ResultAlreadyExists
	ResultNoSuchProperty
	ResultTypeMismatch
	ResultQueryLanguageNotSupported
	ResultInvalidQuery
	ResultMethodNotAvailable
	ResultMethodNotFound
	ResultNamespaceNotEmpty
	ResultInvalidEnumerationContext
	ResultInvalidOperationTimeout
	ResultPullHasBeenAbandoned
	ResultPullCannotBeAbandoned
	ResultFilteredEnumerationNotSupported
	ResultContinuationOnErrorNotSupported
	ResultServerLimitsExceeded
	ResultServerIsShuttingDown
)

var resultNames = [...]string{
	ResultOK:                              "MI_RESULT_OK",
	ResultFailed:                          "MI_RESULT_FAILED",
	ResultAccessDenied:                    "MI_RESULT_ACCESS_DENIED",
	ResultInvalidNamespace:                "MI_RESULT_INVALID_NAMESPACE",
	ResultInvalidParameter:                "MI_RESULT_INVALID_PARAMETER",
	ResultInvalidClass:                    "MI_RESULT_INVALID_CLASS",
	ResultNotFound:                        "MI_RESULT_NOT_FOUND",
	ResultNotSupported:                    "MI_RESULT_NOT_SUPPORTED",
	ResultClassHasChildren:                "MI_RESULT_CLASS_HAS_CHILDREN",
	ResultClassHasInstances:               "MI_RESULT_CLASS_HAS_INSTANCES",
	ResultInvalidSuperclass:               "MI_RESULT_INVALID_SUPERCLASS",
	ResultAlreadyExists:                   "MI_RESULT_ALREADY_EXISTS",
	ResultNoSuchProperty:                  "MI_RESULT_NO_SUCH_PROPERTY",
	ResultTypeMismatch:                    "MI_RESULT_TYPE_MISMATCH",
	ResultQueryLanguageNotSupported:       "MI_RESULT_QUERY_LANGUAGE_NOT_SUPPORTED",
	ResultInvalidQuery:                    "MI_RESULT_INVALID_QUERY",
	ResultMethodNotAvailable:              "MI_RESULT_METHOD_NOT_AVAILABLE",
	ResultMethodNotFound:                  "MI_RESULT_METHOD_NOT_FOUND",
	ResultNamespaceNotEmpty:               "MI_RESULT_NAMESPACE_NOT_EMPTY",
	ResultInvalidEnumerationContext:       "MI_RESULT_INVALID_ENUMERATION_CONTEXT",
	ResultInvalidOperationTimeout:         "MI_RESULT_INVALID_OPERATION_TIMEOUT",
	ResultPullHasBeenAbandoned:            "MI_RESULT_PULL_HAS_BEEN_ABANDONED",
	ResultPullCannotBeAbandoned:           "MI_RESULT_PULL_CANNOT_BE_ABANDONED",
	ResultFilteredEnumerationNotSupported: "MI_RESULT_FILTERED_ENUMERATION_NOT_SUPPORTED",
	ResultContinuationOnErrorNotSupported: "MI_RESULT_CONTINUATION_ON_ERROR_NOT_SUPPORTED",
	ResultServerLimitsExceeded:            "MI_RESULT_SERVER_LIMITS_EXCEEDED",
	ResultServerIsShuttingDown:            "MI_RESULT_SERVER_IS_SHUTTING_DOWN",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("MI_RESULT(%d)", uint32(r))
}

// Well-known WMI error codes carried in Error.ErrorCode.
const (
	// ErrorCodeTimedOut is WMI_ERR_TIMEOUT as reported in MSFT_WmiError.
	ErrorCodeTimedOut uint32 = 0x00040004
	// ErrorCodeProviderNotCapable is WBEM_E_PROVIDER_NOT_CAPABLE.
	ErrorCodeProviderNotCapable uint32 = 0x80041024
	// ErrorCodeNotFound is WBEM_E_NOT_FOUND.
	ErrorCodeNotFound uint32 = 0x80041002
	// ErrorCodeInvalidClass is WBEM_E_INVALID_CLASS.
	ErrorCodeInvalidClass uint32 = 0x80041010
	// ErrorCodeAccessDenied is WBEM_E_ACCESS_DENIED.
	ErrorCodeAccessDenied uint32 = 0x80041003
)

// Error is a failed MI operation.
type Error struct {
	Result Result

	// ErrorCode is the provider specific code, usually an HRESULT or a
	// Win32 error, as found in the error details instance.
	ErrorCode uint32

	Message string

	// Details is the MSFT_WmiError (or equivalent) instance, if any.
	Details *Instance

	// Timeout marks errors a driver knows to be timeouts even when no
	// WMI error code was supplied.
	Timeout bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Result.String()
	}
	if e.ErrorCode != 0 {
		return fmt.Sprintf("mi: %s (%s, error code 0x%08X)", msg, e.Result, e.ErrorCode)
	}
	return fmt.Sprintf("mi: %s (%s)", msg, e.Result)
}

// IsTimeout reports whether the error describes an operation timeout.
func (e *Error) IsTimeout() bool {
	return e.Timeout || e.ErrorCode == ErrorCodeTimedOut
}

// Is matches another *Error with the same Result, so that
// errors.Is(err, mi.ErrNotFound) works for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Result == e.Result
}

// Sentinels for errors.Is comparisons.
var (
	ErrFailed           = &Error{Result: ResultFailed}
	ErrAccessDenied     = &Error{Result: ResultAccessDenied}
	ErrInvalidNamespace = &Error{Result: ResultInvalidNamespace}
	ErrInvalidParameter = &Error{Result: ResultInvalidParameter}
	ErrInvalidClass     = &Error{Result: ResultInvalidClass}
	ErrNotFound         = &Error{Result: ResultNotFound}
	ErrNotSupported     = &Error{Result: ResultNotSupported}
	ErrNoSuchProperty   = &Error{Result: ResultNoSuchProperty}
	ErrTypeMismatch     = &Error{Result: ResultTypeMismatch}
	ErrMethodNotFound   = &Error{Result: ResultMethodNotFound}
	ErrAlreadyExists    = &Error{Result: ResultAlreadyExists}
	ErrInvalidQuery     = &Error{Result: ResultInvalidQuery}
)

// NewError returns an *Error with a formatted message.
func NewError(r Result, format string, args ...any) *Error {
	return &Error{Result: r, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ResultOf returns the Result code of err, ResultOK for nil and ResultFailed
// for errors that carry no Result.
func ResultOf(err error) Result {
	if err == nil {
		return ResultOK
	}
	if e, ok := AsError(err); ok {
		return e.Result
	}
	return ResultFailed
}
