package pcc

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed signals that the upstream rejected the login, usually
	// because the credentials are wrong.
	ErrAuthFailed = errors.New("authentication failed, username/password wrong?")
	// ErrFreeQuotaExceeded signals that the daily free postcard is used up.
	ErrFreeQuotaExceeded = errors.New("limit of free postcards exceeded")
	// ErrUnknownAuthMethod signals an auth method outside mixed/legacy/swissid.
	ErrUnknownAuthMethod = errors.New("unknown auth method, choose from: mixed, legacy, swissid")
)

// Error is an upstream API failure. ServerResponse carries the raw response
// body when one was received.
type Error struct {
	Op             string
	Msg            string
	ServerResponse string
	Err            error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func apiErr(op, msg string, err error) *Error {
	return &Error{Op: op, Msg: msg, Err: err}
}
