// Package autherr defines the error classes shared by the credential and
// session packages. Every error those packages return matches exactly one
// class under errors.Is; the HTTP layer maps classes to status codes.
package autherr

import "errors"

var (
	// ErrUnauthenticated indicates no valid session accompanies the request.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates a valid session lacking the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation indicates malformed input, or an invalid or expired reset token.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrInternal indicates a store or crypto failure.
	ErrInternal = errors.New("internal error")
)

// Error carries a class, a message safe to show to clients, and an
// optional underlying cause that must never leave the process.
type Error struct {
	Class error
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Class, e.Err}
	}
	return []error{e.Class}
}

func New(class error, msg string) error {
	return &Error{Class: class, Msg: msg}
}

func Wrap(class error, msg string, err error) error {
	return &Error{Class: class, Msg: msg, Err: err}
}

// Internal wraps a store or crypto failure.
func Internal(msg string, err error) error {
	return Wrap(ErrInternal, msg, err)
}

var classes = []error{ErrUnauthenticated, ErrForbidden, ErrValidation, ErrNotFound, ErrInternal}

// ClassOf returns the class err belongs to. Unclassified errors are
// treated as internal.
func ClassOf(err error) error {
	for _, c := range classes {
		if errors.Is(err, c) {
			return c
		}
	}
	return ErrInternal
}

// PublicMessage returns the client-facing text for err. Internal errors
// always collapse to a generic message.
func PublicMessage(err error) string {
	class := ClassOf(err)
	if class == ErrInternal {
		return "internal error"
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return class.Error()
}
