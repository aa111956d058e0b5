package wmi

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-wmi/mi"
)

func TestUnsignedToSigned(t *testing.T) {
	tests := []struct {
		in   uint32
		want int32
	}{
		{0, 0},
		{mi.ErrorCodeNotFound, -2147217406},
		{mi.ErrorCodeProviderNotCapable, -2147217372},
		{0x7fffffff, 0x7fffffff},
		{0xffffffff, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unsignedToSigned(tt.in), "0x%08x", tt.in)
	}
}

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))

	for _, sentinel := range []error{ErrInvalidArgument, ErrNoMoreEvents, ErrClosed, ErrNotImplemented} {
		wrapped := fmt.Errorf("context: %w", sentinel)
		assert.Same(t, wrapped, translateError(wrapped))
	}

	ae := &AttributeError{Class: "Win32_Process", Name: "x"}
	assert.Same(t, ae, translateError(ae))

	err := translateError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualError(t, err, "wmi: context deadline exceeded")

	other := errors.New("socket closed")
	err = translateError(other)
	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, mi.ResultFailed, we.Result)
	assert.ErrorIs(t, err, other)
}

func TestTranslateError_Engine(t *testing.T) {
	tests := []struct {
		name      string
		in        *mi.Error
		timedOut  bool
		notFound  bool
		hresult   int32
		wantError string
	}{
		{
			name:      "not found",
			in:        &mi.Error{Result: mi.ResultNotFound, ErrorCode: mi.ErrorCodeNotFound, Message: "instance not found"},
			notFound:  true,
			hresult:   -2147217406,
			wantError: "wmi: instance not found (MI_RESULT_NOT_FOUND, hresult -2147217406)",
		},
		{
			name:     "timeout",
			in:       &mi.Error{Result: mi.ResultFailed, ErrorCode: mi.ErrorCodeTimedOut, Message: "operation timed out"},
			timedOut: true,
			hresult:  0x00040004,
		},
		{
			name:      "access denied without code",
			in:        mi.NewError(mi.ResultAccessDenied, "access denied"),
			wantError: "wmi: access denied (MI_RESULT_ACCESS_DENIED)",
		},
		{
			name:    "provider not capable",
			in:      &mi.Error{Result: mi.ResultNotSupported, ErrorCode: mi.ErrorCodeProviderNotCapable, Message: "provider not capable"},
			hresult: -2147217372,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError(fmt.Errorf("call: %w", tt.in))
			assert.Equal(t, tt.timedOut, IsTimedOut(err))
			assert.Equal(t, tt.notFound, IsNotFound(err))
			assert.Equal(t, tt.hresult, hresultOf(err))

			var we *Error
			require.ErrorAs(t, err, &we)
			assert.Equal(t, tt.in.Result, we.Result)
			assert.Equal(t, tt.in.Message, we.Message)

			var me *mi.Error
			require.ErrorAs(t, err, &me)
			assert.Same(t, tt.in, me)
			if tt.wantError != "" {
				assert.EqualError(t, err, tt.wantError)
			}

			// Translation is idempotent.
			assert.Same(t, err, translateError(err))
		})
	}
}

func TestAttributeError(t *testing.T) {
	err := &AttributeError{Class: "Win32_Service", Name: "Frobnicate"}
	assert.EqualError(t, err, "'Win32_Service' has no attribute 'Frobnicate'.")
}
