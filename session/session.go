// Package session resolves requests to sessions and issues new ones.
//
// A request is either anonymous or authenticated. Authentication state
// lives entirely in the token the client presents; nothing is kept
// server-side except the optional revocation denylist.
package session

import (
	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/token"
)

// Session is the outcome of verifying a request. The zero value is anonymous.
type Session struct {
	payload *token.Payload
}

// Anonymous returns an unauthenticated session.
func Anonymous() Session {
	return Session{}
}

// Authenticated returns a session for p.
func Authenticated(p token.Payload) Session {
	return Session{payload: &p}
}

func (s Session) Authenticated() bool {
	return s.payload != nil
}

// Admin reports whether the session carries the admin role. Anonymous
// sessions are never admin.
func (s Session) Admin() bool {
	return s.payload != nil && s.payload.Admin
}

// Payload returns the decoded token payload and whether the session is authenticated.
func (s Session) Payload() (token.Payload, bool) {
	if s.payload == nil {
		return token.Payload{}, false
	}
	return *s.payload, true
}

func (s Session) UserID() string {
	if s.payload == nil {
		return ""
	}
	return s.payload.UserID
}

func (s Session) Email() string {
	if s.payload == nil {
		return ""
	}
	return s.payload.Email
}

// Require permits any authenticated session.
func Require(s Session) error {
	if !s.Authenticated() {
		return autherr.New(autherr.ErrUnauthenticated, "authentication required")
	}
	return nil
}

// RequireAdmin permits authenticated sessions with the admin role. An
// anonymous session yields ErrUnauthenticated; a non-admin one ErrForbidden.
func RequireAdmin(s Session) error {
	if err := Require(s); err != nil {
		return err
	}
	if !s.Admin() {
		return autherr.New(autherr.ErrForbidden, "admin role required")
	}
	return nil
}
