package signonerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err:  &Error{Kind: InvalidCredentials, Message: "bad secret", Cause: errors.New("plugin rejected")},
			want: "InvalidCredentials: bad secret: plugin rejected",
		},
		{
			name: "error without cause",
			err:  &Error{Kind: InternalServer, Message: "invariant violated"},
			want: "InternalServer: invariant violated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := New(InternalServer, "test message", cause)
	assert.Equal(t, cause, err.Unwrap())

	errNoCause := New(InternalServer, "test message", nil)
	assert.Nil(t, errNoCause.Unwrap())
}

func TestError_Is(t *testing.T) {
	a := NewSessionCanceledError("canceled", nil)
	b := NewSessionCanceledError("canceled again", nil)
	c := NewTimedOutError("too slow", nil)

	assert.True(t, errors.Is(a, b), "expected errors of the same kind to match via errors.Is")
	assert.False(t, errors.Is(a, c), "expected errors of different kinds not to match")
}

func TestNewErrorConstructors(t *testing.T) {
	cause := errors.New("cause")

	tests := []struct {
		name        string
		constructor func(string, error) *Error
		wantKind    Kind
	}{
		{"NewMethodNotKnownError", NewMethodNotKnownError, MethodNotKnown},
		{"NewMechanismNotAvailableError", NewMechanismNotAvailableError, MechanismNotAvailable},
		{"NewIdentityNotFoundError", NewIdentityNotFoundError, IdentityNotFound},
		{"NewStoreFailedError", NewStoreFailedError, StoreFailed},
		{"NewSessionCanceledError", NewSessionCanceledError, SessionCanceled},
		{"NewTimedOutError", NewTimedOutError, TimedOut},
		{"NewWrongStateError", NewWrongStateError, WrongState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.constructor("test message", cause)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, "test message", err.Message)
			assert.Equal(t, cause, err.Cause)
		})
	}
}

func TestErrorTypeCheckers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
		want    bool
	}{
		{"IsMechanismNotAvailable matching", NewMechanismNotAvailableError("x", nil), IsMechanismNotAvailable, true},
		{"IsMechanismNotAvailable non-matching", NewMethodNotKnownError("x", nil), IsMechanismNotAvailable, false},
		{"IsMechanismNotAvailable non-Error", errors.New("plain"), IsMechanismNotAvailable, false},
		{"IsSessionCanceled matching", NewSessionCanceledError("x", nil), IsSessionCanceled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.checker(tt.err))
		})
	}
}

func TestNewUserError(t *testing.T) {
	err := NewUserError(3, "plugin defined failure")
	assert.Equal(t, Kind("User+3"), err.Kind)
}

func TestWireCodeRoundTrip(t *testing.T) {
	for _, kind := range wireOrder {
		code := CodeForKind(kind)
		assert.Less(t, code, uint32(UserBase))
		assert.Equal(t, kind, KindFromCode(code))
	}

	assert.Equal(t, Kind("User+5"), KindFromCode(UserBase+5))
	assert.Equal(t, Unknown, KindFromCode(uint32(len(wireOrder)+100)))
}
