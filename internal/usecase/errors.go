package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorAuth         ErrorCode = "AUTH_ERROR"
	ErrorCardCreation ErrorCode = "CARD_CREATION_ERROR"
	ErrorPush         ErrorCode = "PUSH_ERROR"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorTransport    ErrorCode = "TRANSPORT_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// authFailer is satisfied by integration errors raised while acquiring
// credentials.
type authFailer interface {
	AuthFailure() bool
}

// classify wraps err under code, except when the cause is a credential
// failure: that becomes AUTH_ERROR no matter which operation surfaced it, so
// the transport can ask for redelivery once the token recovers.
func classify(code ErrorCode, reason string, err error) *Error {
	var af authFailer
	if errors.As(err, &af) && af.AuthFailure() {
		return newError(ErrorAuth, reason, err)
	}
	return newError(code, reason, err)
}
