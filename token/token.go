// Package token turns session payloads into opaque strings and back.
//
// A Codec is a pure transform. Decode checks integrity and shape only; it
// never consults the clock, so an expired payload decodes successfully and
// callers decide what expiry means.
package token

import (
	"errors"
	"time"
)

// ErrInvalid is the single error Decode returns for any malformed,
// tampered, foreign-key or incomplete token.
var ErrInvalid = errors.New("invalid session token")

// Payload is the data carried inside a session token.
type Payload struct {
	SessionID string `json:"sid,omitempty"`
	UserID    string `json:"uid"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Admin     bool   `json:"admin"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// Expired reports whether the payload is no longer valid at now.
// A payload expiring exactly at now is expired.
func (p Payload) Expired(now time.Time) bool {
	return now.Unix() >= p.ExpiresAt
}

// Expiry returns ExpiresAt as a time.
func (p Payload) Expiry() time.Time {
	return time.Unix(p.ExpiresAt, 0)
}

func (p Payload) valid() bool {
	return p.UserID != "" && p.ExpiresAt != 0
}

// Codec encodes and decodes session payloads.
type Codec interface {
	Encode(Payload) (string, error)
	Decode(string) (Payload, error)
}
