// Package storagetest is a conformance suite run against every
// storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/turnstile/internal/uuid"
	"github.com/jmcleod/turnstile/storage"
)

var errAbort = errors.New("abort")

// NewUser returns a user with a fresh ID.
func NewUser(email string) *storage.User {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         "Test User",
		PasswordHash: "$argon2id$initial",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewResetToken returns an unused token for userID expiring after ttl.
func NewResetToken(userID string, ttl time.Duration) *storage.ResetToken {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.ResetToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: uuid.New(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Run exercises s. newStore must return an empty store per call.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("UserLookup", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		u := NewUser("alice@example.com")
		require.NoError(t, s.PutUser(ctx, u))

		byID, err := s.FindUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Email, byID.Email)

		byEmail, err := s.FindUser(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)

		_, err = s.FindUser(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.PutUser(ctx, NewUser("dup@example.com")))
		err := s.PutUser(ctx, NewUser("dup@example.com"))
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("UpdateUserPassword", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		u := NewUser("bob@example.com")
		require.NoError(t, s.PutUser(ctx, u))

		require.NoError(t, s.UpdateUserPassword(ctx, u.ID, "$argon2id$new"))
		got, err := s.FindUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$argon2id$new", got.PasswordHash)

		err = s.UpdateUserPassword(ctx, uuid.New(), "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ResetTokenRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		u := NewUser("carol@example.com")
		require.NoError(t, s.PutUser(ctx, u))
		tok := NewResetToken(u.ID, time.Hour)
		require.NoError(t, s.InsertResetToken(ctx, tok))

		got, err := s.FindResetToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.UserID)
		assert.Nil(t, got.UsedAt)
		assert.True(t, got.ExpiresAt.Equal(tok.ExpiresAt))

		_, err = s.FindResetToken(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("MarkResetTokenUsedIsConditional", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		u := NewUser("dave@example.com")
		require.NoError(t, s.PutUser(ctx, u))

		live := NewResetToken(u.ID, time.Hour)
		expired := NewResetToken(u.ID, -time.Minute)
		require.NoError(t, s.InsertResetToken(ctx, live))
		require.NoError(t, s.InsertResetToken(ctx, expired))

		now := time.Now().UTC()
		n, err := s.MarkResetTokenUsed(ctx, live.TokenHash, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.MarkResetTokenUsed(ctx, live.TokenHash, now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "second consumption must not match")

		n, err = s.MarkResetTokenUsed(ctx, expired.TokenHash, now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "expired token must not match")

		n, err = s.MarkResetTokenUsed(ctx, "missing", now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		got, err := s.FindResetToken(ctx, live.TokenHash)
		require.NoError(t, err)
		require.NotNil(t, got.UsedAt)
		assert.False(t, got.Consumable(now))
	})

	t.Run("BatchCommits", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		u := NewUser("erin@example.com")
		require.NoError(t, s.PutUser(ctx, u))
		tok := NewResetToken(u.ID, time.Hour)
		require.NoError(t, s.InsertResetToken(ctx, tok))

		err := s.Batch(ctx, func(tx storage.Tx) error {
			n, err := tx.MarkResetTokenUsed(tok.TokenHash, time.Now().UTC())
			if err != nil {
				return err
			}
			if n != 1 {
				return errAbort
			}
			return tx.UpdateUserPassword(u.ID, "$argon2id$committed")
		})
		require.NoError(t, err)

		got, err := s.FindUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$argon2id$committed", got.PasswordHash)
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		u := NewUser("frank@example.com")
		require.NoError(t, s.PutUser(ctx, u))
		tok := NewResetToken(u.ID, time.Hour)
		require.NoError(t, s.InsertResetToken(ctx, tok))

		err := s.Batch(ctx, func(tx storage.Tx) error {
			if _, err := tx.MarkResetTokenUsed(tok.TokenHash, time.Now().UTC()); err != nil {
				return err
			}
			if err := tx.UpdateUserPassword(u.ID, "$argon2id$discarded"); err != nil {
				return err
			}
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		got, err := s.FindUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$argon2id$initial", got.PasswordHash)

		rt, err := s.FindResetToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.Nil(t, rt.UsedAt, "rolled back consumption must leave token unused")
	})

	t.Run("ConcurrentConsumeExactlyOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u := NewUser("grace@example.com")
		require.NoError(t, s.PutUser(ctx, u))
		tok := NewResetToken(u.ID, time.Hour)
		require.NoError(t, s.InsertResetToken(ctx, tok))

		const workers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			start     = make(chan struct{})
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := s.Batch(ctx, func(tx storage.Tx) error {
					n, err := tx.MarkResetTokenUsed(tok.TokenHash, time.Now().UTC())
					if err != nil {
						return err
					}
					if n != 1 {
						return errAbort
					}
					return tx.UpdateUserPassword(u.ID, "$argon2id$winner")
				})
				if err == nil {
					successes.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
	})
}
