// Package reset issues, validates and consumes single-use password-reset
// tokens.
//
// A token is consumable while it is unused and unexpired. Consumption
// and the password change it authorises commit in one store transaction,
// and the consumption itself is a conditional write, so concurrent
// attempts on one token succeed at most once.
package reset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/credential"
	"github.com/jmcleod/turnstile/internal/util"
	"github.com/jmcleod/turnstile/internal/uuid"
	"github.com/jmcleod/turnstile/storage"
)

const (
	// DefaultLifetime bounds how long an issued token stays consumable.
	DefaultLifetime = time.Hour
	tokenBytes      = 32
)

// ErrInvalidToken covers unknown, expired and already-used tokens alike.
var ErrInvalidToken = autherr.New(autherr.ErrValidation, "invalid or expired reset token")

// Issued is a freshly created token. Token is the raw value to hand to
// the user; only its digest is stored.
type Issued struct {
	Token string
	Reset *storage.ResetToken
	User  *storage.User
}

// PasswordHasher hashes the new password a token authorises.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
}

// Lifecycle manages reset tokens against a store.
type Lifecycle struct {
	store    storage.Store
	hasher   PasswordHasher
	notifier Notifier
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

func WithNotifier(n Notifier) Option {
	return func(l *Lifecycle) {
		l.notifier = n
	}
}

func WithLifetime(d time.Duration) Option {
	return func(l *Lifecycle) {
		if d > 0 {
			l.lifetime = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		l.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) {
		l.logger = logger
	}
}

func New(store storage.Store, hasher PasswordHasher, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:    store,
		hasher:   hasher,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	l.logger = l.logger.With("component", "reset")
	if l.notifier == nil {
		l.notifier = NewLogNotifier(l.logger, "")
	}
	return l
}

func (l *Lifecycle) Lifetime() time.Duration {
	return l.lifetime
}

// digest is the stored form of a raw token.
func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Request issues a token for the account registered under email and
// notifies its owner. An unknown email returns (nil, nil) so callers can
// answer identically either way.
func (l *Lifecycle) Request(ctx context.Context, email string) (*Issued, error) {
	email = util.NormalizeEmail(email)
	if email == "" {
		return nil, autherr.New(autherr.ErrValidation, "email is required")
	}
	user, err := l.store.FindUser(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		l.logger.Info("reset requested for unknown email")
		return nil, nil
	}
	if err != nil {
		return nil, autherr.Internal("looking up user", err)
	}
	return l.issue(ctx, user)
}

// Issue creates a token for userID, as an administrator would.
func (l *Lifecycle) Issue(ctx context.Context, userID string) (*Issued, error) {
	user, err := l.store.FindUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, autherr.New(autherr.ErrNotFound, "user not found")
	}
	if err != nil {
		return nil, autherr.Internal("looking up user", err)
	}
	return l.issue(ctx, user)
}

func (l *Lifecycle) issue(ctx context.Context, user *storage.User) (*Issued, error) {
	raw, err := util.RandomToken(tokenBytes)
	if err != nil {
		return nil, autherr.Internal("generating reset token", err)
	}
	now := l.now().UTC()
	rt := &storage.ResetToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: digest(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(l.lifetime),
	}
	if err := l.store.InsertResetToken(ctx, rt); err != nil {
		return nil, autherr.Internal("storing reset token", err)
	}

	issued := &Issued{Token: raw, Reset: rt, User: user}
	if err := l.notifier.NotifyReset(ctx, issued); err != nil {
		l.logger.Error("reset notification failed", "user_id", user.ID, "error", err)
	}
	return issued, nil
}

// Validate returns the owner of raw if it is currently consumable.
func (l *Lifecycle) Validate(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}
	rt, err := l.store.FindResetToken(ctx, digest(raw))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", autherr.Internal("looking up reset token", err)
	}
	if !rt.Consumable(l.now()) {
		return "", ErrInvalidToken
	}
	return rt.UserID, nil
}

// Consume spends raw and sets the owner's password to newPassword. Tokens
// that are not consumable are rejected before the password is hashed. The
// token is re-checked inside the transaction, so a concurrent consumer
// between the two checks still wins at most once.
func (l *Lifecycle) Consume(ctx context.Context, raw, newPassword string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", autherr.New(autherr.ErrValidation, "reset token is required")
	}
	if err := credential.ValidatePassword(newPassword); err != nil {
		return "", err
	}
	if _, err := l.Validate(ctx, raw); err != nil {
		return "", err
	}
	hash, err := l.hasher.Hash(newPassword)
	if err != nil {
		return "", autherr.Internal("hashing password", err)
	}

	key := digest(raw)
	var userID string
	err = l.store.Batch(ctx, func(tx storage.Tx) error {
		n, err := tx.MarkResetTokenUsed(key, l.now().UTC())
		if err != nil {
			return autherr.Internal("consuming reset token", err)
		}
		if n != 1 {
			return ErrInvalidToken
		}
		rt, err := tx.FindResetToken(key)
		if err != nil {
			return autherr.Internal("reloading reset token", err)
		}
		if err := tx.UpdateUserPassword(rt.UserID, hash); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidToken
			}
			return autherr.Internal("updating password", err)
		}
		userID = rt.UserID
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}
