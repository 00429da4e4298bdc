package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{Validation("bad input"), 400},
		{Auth("no identity"), 401},
		{Forbidden("wrong role"), 403},
		{NotFound("gone"), 404},
		{Conflict("duplicate"), 409},
		{Store(errors.New("io"), "query failed"), 500},
		{errors.New("plain"), 500},
		{nil, 500},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, StatusOf(tt.err))
	}
}

func TestStatusOfWrapped(t *testing.T) {
	inner := Conflict("nonce collision")
	wrapped := fmt.Errorf("dispatch tick: %w", inner)
	require.Equal(t, 409, StatusOf(wrapped))

	double := fmt.Errorf("outer: %w", wrapped)
	require.Equal(t, 409, StatusOf(double))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := Store(cause, "load worker %d", 7)
	require.Contains(t, e.Error(), "load worker 7")
	require.Contains(t, e.Error(), "connection refused")
	require.ErrorIs(t, e, cause)

	v := Validation("nonce length must be in [1,%d]", 128)
	require.Contains(t, v.Error(), "128")
	require.Nil(t, v.Unwrap())
}
