// Package storage defines the persistence contract for user credentials
// and password-reset tokens, plus the models that cross it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/turnstile/autherr"
)

var (
	// ErrNotFound is returned when a user or reset token does not exist.
	ErrNotFound = fmt.Errorf("record %w", autherr.ErrNotFound)
	// ErrConflict is returned when an insert collides with an existing
	// user email or reset token.
	ErrConflict = errors.New("record already exists")
)

// User is the credential-bearing subset of an account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	Admin        bool      `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResetToken is a single-use password-reset grant. TokenHash holds the
// SHA-256 digest of the value mailed to the user; the raw value is never
// stored.
type ResetToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"token_hash"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Consumable reports whether the token is unused and unexpired at now.
func (t *ResetToken) Consumable(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}

// Tx is the set of operations available both standalone and inside Batch.
type Tx interface {
	// FindUser looks a user up by ID or, failing that, by normalised email.
	FindUser(idOrEmail string) (*User, error)
	// UpdateUserPassword replaces the stored hash. Missing users yield ErrNotFound.
	UpdateUserPassword(userID, hash string) error
	FindResetToken(tokenHash string) (*ResetToken, error)
	// MarkResetTokenUsed sets used_at on the token only if it is still
	// unused and unexpired at usedAt, and returns the number of rows
	// changed (0 or 1).
	MarkResetTokenUsed(tokenHash string, usedAt time.Time) (int64, error)
	InsertResetToken(token *ResetToken) error
}

// Store is the credential store consumed by the session and reset packages.
type Store interface {
	FindUser(ctx context.Context, idOrEmail string) (*User, error)
	PutUser(ctx context.Context, user *User) error
	UpdateUserPassword(ctx context.Context, userID, hash string) error
	FindResetToken(ctx context.Context, tokenHash string) (*ResetToken, error)
	MarkResetTokenUsed(ctx context.Context, tokenHash string, usedAt time.Time) (int64, error)
	InsertResetToken(ctx context.Context, token *ResetToken) error
	// Batch runs fn atomically. If fn returns an error every write made
	// through tx is discarded.
	Batch(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
