package dcom

import "github.com/smnsjas/go-wmi/mi"

// WBEM and COM status codes with an mi.Result equivalent.
const (
	wbemErrFailed             uint32 = 0x80041001
	wbemErrNotFound           uint32 = 0x80041002
	wbemErrAccessDenied       uint32 = 0x80041003
	wbemErrTypeMismatch       uint32 = 0x80041005
	wbemErrInvalidParameter   uint32 = 0x80041008
	wbemErrNotSupported       uint32 = 0x8004100C
	wbemErrInvalidNamespace   uint32 = 0x8004100E
	wbemErrInvalidClass       uint32 = 0x80041010
	wbemErrInvalidQuery       uint32 = 0x80041017
	wbemErrAlreadyExists      uint32 = 0x80041019
	wbemErrProviderNotCapable uint32 = 0x80041024
	wbemErrInvalidMethod      uint32 = 0x80041054
	wbemErrMethodNotImpl      uint32 = 0x80041055
	wbemErrShuttingDown       uint32 = 0x80041033
	wbemErrTimedOut           uint32 = 0x80043001
	eAccessDenied             uint32 = 0x80070005
)

var resultByCode = map[uint32]mi.Result{
	wbemErrFailed:             mi.ResultFailed,
	wbemErrNotFound:           mi.ResultNotFound,
	wbemErrAccessDenied:       mi.ResultAccessDenied,
	eAccessDenied:             mi.ResultAccessDenied,
	wbemErrTypeMismatch:       mi.ResultTypeMismatch,
	wbemErrInvalidParameter:   mi.ResultInvalidParameter,
	wbemErrNotSupported:       mi.ResultNotSupported,
	wbemErrProviderNotCapable: mi.ResultNotSupported,
	wbemErrInvalidNamespace:   mi.ResultInvalidNamespace,
	wbemErrInvalidClass:       mi.ResultInvalidClass,
	wbemErrInvalidQuery:       mi.ResultInvalidQuery,
	wbemErrAlreadyExists:      mi.ResultAlreadyExists,
	wbemErrInvalidMethod:      mi.ResultMethodNotFound,
	wbemErrMethodNotImpl:      mi.ResultMethodNotAvailable,
	wbemErrShuttingDown:       mi.ResultServerIsShuttingDown,
}

// newError builds the engine error for a COM status code. The code is kept
// in ErrorCode so callers can see WBEM_E_PROVIDER_NOT_CAPABLE and friends.
func newError(code uint32, message string) *mi.Error {
	r, ok := resultByCode[code]
	if !ok {
		r = mi.ResultFailed
	}
	if message == "" {
		message = r.String()
	}
	return &mi.Error{
		Result:    r,
		ErrorCode: code,
		Message:   message,
		Timeout:   code == wbemErrTimedOut,
	}
}
