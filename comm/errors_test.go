package comm

import (
	stderrors "errors"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrCodeOf(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := newError(ErrSockConnect, cause, "connect 127.0.0.1:1")

	assert.Equal(t, ErrSockConnect, ErrCodeOf(err))
	assert.True(t, IsCode(err, ErrSockConnect))
	assert.True(t, stderrors.Is(err, cause), "OS cause must stay reachable")
	assert.Equal(t, cause, errors.Cause(err))
	assert.Contains(t, err.Error(), "socket connect failed")
	assert.Contains(t, err.Error(), "connection refused")

	wrapped := errors.Wrap(err, "dial")
	assert.Equal(t, ErrSockConnect, ErrCodeOf(wrapped))

	assert.Equal(t, ErrOK, ErrCodeOf(nil))
	assert.Equal(t, ErrUnknown, ErrCodeOf(stderrors.New("foreign")))
}

func TestError_WithoutCause(t *testing.T) {
	err := codeError(ErrWouldBlock)
	assert.Equal(t, "operation would block", err.Error())
	assert.Nil(t, err.Unwrap())

	err = newError(ErrNotImpl, nil, "iocp")
	require.NotNil(t, err.Unwrap())
	assert.Equal(t, "not implemented: iocp", err.Error())
}

func TestErrCode_String(t *testing.T) {
	assert.Equal(t, "ok", ErrOK.String())
	assert.Equal(t, "unknown error", ErrUnknown.String())
	assert.Equal(t, "errcode(99)", ErrCode(99).String())
}
