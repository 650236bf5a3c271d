package comm

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode is the stable classification of a networking failure. OS errors
// are mapped to a code once, where the syscall is made.
type ErrCode int

const (
	ErrOK ErrCode = iota
	ErrAddrResolve
	ErrSockCreate
	ErrSockBind
	ErrSockListen
	ErrSockConnect
	ErrSockOption
	ErrSockIO
	ErrWouldBlock
	ErrClosed
	ErrReentry
	ErrNotInit
	ErrInvalidArg
	ErrNotFound
	ErrPollerStopped
	ErrNotImpl
	ErrTimeout
	ErrUnknown
)

var errCodeNames = [...]string{
	ErrOK:            "ok",
	ErrAddrResolve:   "address resolve failed",
	ErrSockCreate:    "socket create failed",
	ErrSockBind:      "socket bind failed",
	ErrSockListen:    "socket listen failed",
	ErrSockConnect:   "socket connect failed",
	ErrSockOption:    "socket option failed",
	ErrSockIO:        "socket io failed",
	ErrWouldBlock:    "operation would block",
	ErrClosed:        "socket closed",
	ErrReentry:       "reentry",
	ErrNotInit:       "not initialized",
	ErrInvalidArg:    "invalid argument",
	ErrNotFound:      "not found",
	ErrPollerStopped: "poller stopped",
	ErrNotImpl:       "not implemented",
	ErrTimeout:       "timed out",
	ErrUnknown:       "unknown error",
}

func (c ErrCode) String() string {
	if c >= 0 && int(c) < len(errCodeNames) {
		return errCodeNames[c]
	}
	return fmt.Sprintf("errcode(%d)", int(c))
}

// Error carries an ErrCode and the underlying cause, if any.
type Error struct {
	Code  ErrCode
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the wrapped OS error, for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.cause }

// newError wraps cause with a stack trace and op, tagged with code.
func newError(code ErrCode, cause error, op string) *Error {
	if cause == nil {
		return &Error{Code: code, cause: errors.New(op)}
	}
	return &Error{Code: code, cause: errors.Wrap(cause, op)}
}

func codeError(code ErrCode) *Error {
	return &Error{Code: code}
}

// ErrCodeOf returns the code carried by err, ErrOK for nil and ErrUnknown
// for errors that did not come from this package.
func ErrCodeOf(err error) ErrCode {
	if err == nil {
		return ErrOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrCode) bool {
	return ErrCodeOf(err) == code
}
