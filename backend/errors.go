package backend

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrAuthExpired is reported for a 302: the session is gone and the user
	// must authenticate again.
	ErrAuthExpired = xerrors.New("session expired")
	// ErrForbidden is reported for a 403.
	ErrForbidden = xerrors.New("forbidden")
	// ErrServerError is reported for a 500.
	ErrServerError = xerrors.New("backend server error")
	// ErrUnexpectedStatus is reported for any other non-200 status.
	ErrUnexpectedStatus = xerrors.New("unexpected status")
	// ErrMalformedResponse is reported when a 200 reply lacks what the call needs.
	ErrMalformedResponse = xerrors.New("malformed backend response")
)

// StatusError is a non-200 reply from the backend. Notify is the message the
// backend wants shown to the user, it may be empty.
type StatusError struct {
	Op     string
	Code   int
	Notify string
}

func (e *StatusError) Error() string {
	if e.Notify != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Notify)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

// Unwrap returns the sentinel matching the status code.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case 302:
		return ErrAuthExpired
	case 403:
		return ErrForbidden
	case 500:
		return ErrServerError
	default:
		return ErrUnexpectedStatus
	}
}

// Notify returns the user-facing message carried by err, if any.
func Notify(err error) string {
	var se *StatusError
	if xerrors.As(err, &se) {
		return se.Notify
	}
	return ""
}
